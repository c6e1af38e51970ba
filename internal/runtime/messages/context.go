package messages

import (
	"time"

	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/transport"
)

// Context describes one physical delivery of a message. It is rebuilt for
// every attempt and never stored.
type Context struct {
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
}

// ContextFrom copies the envelope fields of env.
func ContextFrom(env *transport.Message) Context {
	if env == nil {
		return Context{}
	}
	return Context{
		MessageID:          env.MessageID,
		MessageType:        env.MessageType,
		CorrelationID:      env.CorrelationID,
		ConversationID:     env.ConversationID,
		SourceAddress:      env.SourceAddress,
		DestinationAddress: env.DestinationAddress,
		ResponseAddress:    env.ResponseAddress,
		ContentType:        env.ContentType,
		SentTime:           env.SentTime,
		Headers:            env.Headers.Clone(),
	}
}

// Get returns the header value for key.
func (c Context) Get(key string) string {
	return c.Headers[key]
}

// CloneHeaders returns a copy of the headers so replies can add to them
// without touching the inbound message.
func (c Context) CloneHeaders() metadata.Metadata {
	return c.Headers.Clone()
}
