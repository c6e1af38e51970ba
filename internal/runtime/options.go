package runtime

import (
	"github.com/drblury/transit/internal/runtime/metadata"
)

// SendOption customises a single Send, Publish, Request or Schedule call.
type SendOption func(*sendOptions)

type sendOptions struct {
	messageID       string
	messageType     string
	correlationID   string
	conversationID  string
	responseAddress string
	contentType     string
	headers         metadata.Metadata
}

func collectOptions(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithMessageID fixes the message id instead of generating one.
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) { o.messageID = id }
}

// WithMessageType overrides the type name derived from the message value.
func WithMessageType(name string) SendOption {
	return func(o *sendOptions) { o.messageType = name }
}

// WithCorrelationID sets the correlation id. Without it, messages
// implementing messages.Correlated supply their own.
func WithCorrelationID(id string) SendOption {
	return func(o *sendOptions) { o.correlationID = id }
}

// WithConversationID groups the message with an existing conversation.
func WithConversationID(id string) SendOption {
	return func(o *sendOptions) { o.conversationID = id }
}

// WithResponseAddress asks the receiver to reply to address.
func WithResponseAddress(address string) SendOption {
	return func(o *sendOptions) { o.responseAddress = address }
}

// WithContentType selects the serializer, e.g. messages.ContentTypeProtobuf.
func WithContentType(contentType string) SendOption {
	return func(o *sendOptions) { o.contentType = contentType }
}

// WithHeader adds one application header.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) { o.headers = o.headers.With(key, value) }
}

// WithHeaders adds application headers.
func WithHeaders(headers metadata.Metadata) SendOption {
	return func(o *sendOptions) { o.headers = o.headers.WithAll(headers) }
}
