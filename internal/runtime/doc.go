/*
Package runtime provides the message bus behind transit.

# Architecture Overview

A Bus owns one address (scheme://authority/queue) and a HostProvider that
hands out one transport host per scheme and authority. Messages are wrapped
in transport.Message envelopes, serialized by content type, and either sent
point-to-point to a queue address or published by type to every
subscription. Request/response rides on top of Send: replies come back on a
per-instance queue below the bus address and are matched by conversation id.

# Package Structure

## Bus (bus.go, options.go)

The Bus struct wires together:
  - the host provider and publish routes
  - envelope construction (ids, correlation, conversation, headers)
  - the middleware chain applied to every delivery
  - the background processors and HTTP servers for metrics

## Consumers (consumer.go, request.go)

RegisterConsumer binds a typed handler to a queue or to a published type.
Consumers sharing an endpoint are grouped; deliveries are routed by message
type. ConsumeContext lets handlers reply and emit follow-up messages within
the inbound conversation. Request sends and waits for a typed reply.

## Middleware and Hooks (middleware.go, hooks.go)

The default chain:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics collection
  - Retry: Exponential backoff retry logic
  - Recoverer: Panic recovery

JobHooks observe consumer deliveries as well as outbox and scheduler
dispatches.

## Reliability (outbox.go, inbox.go, scheduler.go)

The outbox stages messages in a store and delivers them in enqueue order,
dead-lettering rows that keep failing. The inbox skips deliveries a consumer
key has already processed. The scheduler holds messages back until they are
due and delivers them in due-time order.

## Sagas (saga.go, keyedmutex.go)

Saga handlers mutate state persisted per saga type and correlation id. One
message per instance runs at a time; saves use optimistic versions and are
retried on conflict. Messages emitted by a saga handler leave only after the
state is saved.

# Sub-packages

  - config/: Bus configuration with validation
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message ids and tokens
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - messages/: Type names, serializers and the type registry
  - metadata/: Message header utilities
  - persistence/: Store contracts, in-memory stores, SQL and Redis stores

# Usage Example

	bus, err := transit.NewBus(&transit.Config{
		ServiceName: "orders",
		Address:     "amqp://broker/orders",
	}, logger, transit.BusDependencies{})
	if err != nil {
		return err
	}

	err = transit.RegisterConsumer(bus, transit.ConsumerRegistration{},
		func(ctx context.Context, mc *transit.ConsumeContext[PlaceOrder]) error {
			return mc.Publish(ctx, OrderPlaced{OrderID: mc.Message.OrderID})
		})

	bus.Run(ctx)
*/
package runtime
