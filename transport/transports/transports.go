// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default
// registry, or call RegisterAll to populate a private one.
package transports

import (
	"github.com/drblury/transit/transport"
	"github.com/drblury/transit/transport/amqp"
	"github.com/drblury/transit/transport/aws"
	"github.com/drblury/transit/transport/channel"
	"github.com/drblury/transit/transport/grpc"
	"github.com/drblury/transit/transport/http"
	"github.com/drblury/transit/transport/kafka"
	"github.com/drblury/transit/transport/nats"
	"github.com/drblury/transit/transport/sse"
)

// RegisterAll adds every built-in backend to r.
func RegisterAll(r *transport.Registry) {
	channel.Register(r)
	amqp.Register(r)
	kafka.Register(r)
	nats.Register(r)
	aws.Register(r)
	http.Register(r)
	grpc.Register(r)
	sse.Register(r)
}
