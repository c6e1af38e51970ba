package metadata

// Header keys reserved for the message envelope. Application headers must not
// reuse them.
const (
	KeyMessageType        = "transit_message_type"
	KeyCorrelationID      = "correlation_id"
	KeyConversationID     = "conversation_id"
	KeySourceAddress      = "transit_source_address"
	KeyDestinationAddress = "transit_destination_address"
	KeyResponseAddress    = "transit_response_address"
	KeyContentType        = "content_type"
	KeySentTime           = "transit_sent_time"
	KeyScheduledToken     = "transit_scheduled_token"
	KeyDeadLetterReason   = "transit_dead_letter_reason"
	KeyTraceID            = "trace_id"
	KeySpanID             = "span_id"
)

// KeyCorrelationGenerated marks a correlation id the runtime filled in on
// receipt because the message arrived without one.
const KeyCorrelationGenerated = "transit_correlation_generated"

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Without returns a clone with the reserved envelope keys removed, leaving
// only application headers.
func (m Metadata) Without(keys ...string) Metadata {
	cloned := m.Clone()
	for _, k := range keys {
		delete(cloned, k)
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// ReservedKeys lists the envelope keys managed by the runtime.
func ReservedKeys() []string {
	return []string{
		KeyMessageType,
		KeyCorrelationID,
		KeyConversationID,
		KeySourceAddress,
		KeyDestinationAddress,
		KeyResponseAddress,
		KeyContentType,
		KeySentTime,
	}
}
