package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsDelay indicates the transport can natively delay message delivery.
	// When false, scheduled messages rely on the persisted scheduler.
	SupportsDelay bool

	// SupportsNativeDLQ indicates the transport has built-in dead letter queue support.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates the transport preserves order within a queue
	// or partition.
	SupportsOrdering bool

	// SupportsAck and SupportsNack report explicit acknowledgement and
	// redelivery on handler failure.
	SupportsAck  bool
	SupportsNack bool

	// SupportsCompetingConsumers indicates listeners on the same queue share
	// the load instead of each receiving every message.
	SupportsCompetingConsumers bool

	// SupportsPublish indicates the transport can fan out published types.
	SupportsPublish bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresDelayEmulation returns true if delayed delivery must go through the
// persisted scheduler.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// RequiresDLQEmulation returns true if the runtime has to route poison
// messages itself.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in backends.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsPublish:  true,
	}

	AMQPCapabilities = Capabilities{
		Name:                       "amqp",
		SupportsDelay:              true,
		SupportsNativeDLQ:          true,
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		SupportsPublish:            true,
	}

	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsCompetingConsumers: true,
		SupportsPublish:            true,
		MaxMessageSize:             1048576, // Default 1MB
	}

	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsCompetingConsumers: true,
		SupportsPublish:            true,
		MaxMessageSize:             1048576, // Default 1MB
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                       "nats-jetstream",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		SupportsPublish:            true,
		MaxMessageSize:             1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                       "aws",
		SupportsDelay:              true,
		SupportsNativeDLQ:          true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		SupportsPublish:            true,
		MaxMessageSize:             262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsAck:     true,
		SupportsPublish: false,
	}

	GRPCCapabilities = Capabilities{
		Name:             "grpc",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsPublish:  true,
	}

	SSECapabilities = Capabilities{
		Name:            "sse",
		SupportsPublish: true,
	}
)
