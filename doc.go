// Package transit is a message bus for Go services built on Watermill. A Bus
// owns one address and reaches brokers through pluggable transport hosts
// (in-memory channels, RabbitMQ, Kafka, NATS, AWS SNS/SQS, HTTP, gRPC and
// server-sent events), each selected by the scheme of an address such as
// amqp://broker/orders or mem://local/billing.
//
// Send delivers a message to one queue, Publish fans it out by message type to
// every subscription, and Request waits for a typed reply correlated by
// conversation id. RegisterConsumer binds typed handlers to a queue or to a
// published type; ConsumeContext lets a handler reply or emit follow-up
// messages inside the same conversation.
//
// # Reliability
//
// The outbox stages messages in a store, SQL or in-memory, and a processor
// delivers them in enqueue order, dead-lettering rows that keep failing. The
// inbox makes a consumer key process each message id once; it can be backed by
// SQL or Redis. The scheduler holds messages back until their due time and
// returns a token that cancels them.
//
// # Sagas
//
// RegisterSaga binds handlers to long-running state keyed by correlation id.
// Only one message per saga instance runs at a time, state is saved with
// optimistic versions, and messages a saga emits leave only after its state
// was stored.
//
// # Middleware
//
// The default middleware chain injects correlation ids, logs payloads, traces
// with OpenTelemetry, records Prometheus metrics, retries with exponential
// backoff and recovers panics. Custom middleware can be added via
// BusDependencies.Middlewares, and JobHooks observe consumer, outbox and
// scheduler work.
//
// Transports register themselves on a Registry; import
// github.com/drblury/transit/transport/transports and call RegisterAll, or
// register only the packages you use.
package transit
