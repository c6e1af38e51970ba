package messages

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/transit/internal/runtime/jsoncodec"
)

// Content types produced by the built-in serializers.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Serializer turns message values into bodies and back.
type Serializer interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

// JSONSerializer writes JSON bodies. Protobuf messages go through protojson,
// everything else through the sonic codec.
type JSONSerializer struct{}

func (JSONSerializer) ContentType() string { return ContentTypeJSON }

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protoJSONMarshalOptions.Marshal(m)
	}
	return jsoncodec.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protoJSONUnmarshalOptions.Unmarshal(data, m)
	}
	return jsoncodec.Unmarshal(data, v)
}

// ProtoSerializer writes binary protobuf bodies and only accepts
// proto.Message values.
type ProtoSerializer struct{}

func (ProtoSerializer) ContentType() string { return ContentTypeProtobuf }

func (ProtoSerializer) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("messages: %T is not a protobuf message", v)
	}
	return proto.Marshal(m)
}

func (ProtoSerializer) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("messages: %T is not a protobuf message", v)
	}
	return proto.Unmarshal(data, m)
}

// Serializers picks a serializer by content type, falling back to JSON.
type Serializers struct {
	Default Serializer
	byType  map[string]Serializer
}

// NewSerializers returns a set with JSON as default and the given extras.
func NewSerializers(extra ...Serializer) *Serializers {
	s := &Serializers{Default: JSONSerializer{}, byType: map[string]Serializer{}}
	s.Add(JSONSerializer{})
	s.Add(ProtoSerializer{})
	for _, e := range extra {
		s.Add(e)
	}
	return s
}

// Add registers ser for its content type, replacing any previous one.
func (s *Serializers) Add(ser Serializer) {
	if ser == nil {
		return
	}
	s.byType[ser.ContentType()] = ser
}

// For returns the serializer for contentType, or the default.
func (s *Serializers) For(contentType string) Serializer {
	if ser, ok := s.byType[contentType]; ok {
		return ser
	}
	return s.Default
}
