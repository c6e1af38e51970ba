// Package messages holds the message contracts understood by the bus: type
// naming, correlation, serialization and the registry mapping type names back
// to Go types.
package messages

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
)

// Correlated is implemented by messages that belong to one business process
// instance. Protobuf messages with a correlation_id field satisfy it through
// their generated getter.
type Correlated interface {
	GetCorrelationID() string
}

// Named lets a message choose its wire type name instead of the Go type name.
type Named interface {
	MessageTypeName() string
}

// TypeName returns the wire type name of msg. Named messages report their own
// name, protobuf messages their full name, everything else the package
// qualified Go type without pointer markers ("bookings.CreateBooking").
func TypeName(msg any) string {
	switch m := msg.(type) {
	case nil:
		return ""
	case Named:
		return m.MessageTypeName()
	case proto.Message:
		return string(proto.MessageName(m))
	}
	return strings.TrimLeft(fmt.Sprintf("%T", msg), "*")
}

// CorrelationID returns the correlation id carried by msg, or "" when msg is
// not correlated.
func CorrelationID(msg any) string {
	if c, ok := msg.(Correlated); ok && c != nil {
		return c.GetCorrelationID()
	}
	return ""
}
