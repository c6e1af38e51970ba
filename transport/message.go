package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/transit/internal/runtime/metadata"
)

// Message is the wire envelope every host moves. Body holds the serialized
// payload; Headers carry application headers only.
type Message struct {
	MessageID          string
	MessageType        string
	CorrelationID      string
	ConversationID     string
	SourceAddress      string
	DestinationAddress string
	ResponseAddress    string
	ContentType        string
	SentTime           time.Time
	Headers            metadata.Metadata
	Body               []byte
}

// Handler processes one inbound envelope. Returning an error asks the backend
// to redeliver.
type Handler func(ctx context.Context, msg *Message) error

// Clone returns a deep copy of the envelope.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Headers = m.Headers.Clone()
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	return &out
}

// ToWatermill converts the envelope into a Watermill message, folding the
// envelope fields into metadata.
func (m *Message) ToWatermill() *message.Message {
	md := m.Headers.Clone()
	set := func(key, value string) {
		if value != "" {
			md[key] = value
		}
	}
	set(metadata.KeyMessageType, m.MessageType)
	set(metadata.KeyCorrelationID, m.CorrelationID)
	set(metadata.KeyConversationID, m.ConversationID)
	set(metadata.KeySourceAddress, m.SourceAddress)
	set(metadata.KeyDestinationAddress, m.DestinationAddress)
	set(metadata.KeyResponseAddress, m.ResponseAddress)
	set(metadata.KeyContentType, m.ContentType)
	if !m.SentTime.IsZero() {
		md[metadata.KeySentTime] = m.SentTime.UTC().Format(time.RFC3339Nano)
	}

	wm := message.NewMessage(m.MessageID, m.Body)
	wm.Metadata = metadata.ToWatermill(md)
	return wm
}

// FromWatermill rebuilds an envelope from a Watermill message.
func FromWatermill(wm *message.Message) *Message {
	md := metadata.FromWatermill(wm.Metadata)
	msg := &Message{
		MessageID:          wm.UUID,
		MessageType:        md[metadata.KeyMessageType],
		CorrelationID:      md[metadata.KeyCorrelationID],
		ConversationID:     md[metadata.KeyConversationID],
		SourceAddress:      md[metadata.KeySourceAddress],
		DestinationAddress: md[metadata.KeyDestinationAddress],
		ResponseAddress:    md[metadata.KeyResponseAddress],
		ContentType:        md[metadata.KeyContentType],
		Headers:            md.Without(metadata.ReservedKeys()...),
		Body:               append([]byte(nil), wm.Payload...),
	}
	if raw := md[metadata.KeySentTime]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			msg.SentTime = ts
		}
	}
	return msg
}
