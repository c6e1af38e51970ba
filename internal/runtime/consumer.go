package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/messages"
	"github.com/drblury/transit/transport"
)

// ConsumerRegistration describes where a consumer listens.
type ConsumerRegistration struct {
	// Name identifies the consumer in logs and hooks. Defaults to the
	// message type.
	Name string
	// Address is the queue to consume, or the host to subscribe through for
	// topic consumers. Empty means the bus address.
	Address string
	// Topic subscribes to published messages of the type instead of a queue.
	Topic bool
	// Subscription names the durable subscriber group of a topic consumer.
	// Defaults to the service name.
	Subscription string
	// MessageType overrides the type name derived from the Go type.
	MessageType string
	// ConsumerKey enables inbox deduplication under this key. Requires an
	// inbox store.
	ConsumerKey string
}

// ConsumerHandler handles one decoded message.
type ConsumerHandler[M any] func(ctx context.Context, mc *ConsumeContext[M]) error

// ConsumeContext carries a decoded message with its delivery details and
// lets the handler reply or emit follow-up messages.
type ConsumeContext[M any] struct {
	Message M
	Info    messages.Context
	Logger  loggingpkg.ServiceLogger

	bus *Bus
	env *transport.Message
}

// Envelope returns the raw inbound envelope.
func (c *ConsumeContext[M]) Envelope() *transport.Message { return c.env }

// Bus returns the bus that delivered the message.
func (c *ConsumeContext[M]) Bus() *Bus { return c.bus }

// Respond sends reply to the requester, carrying the inbound conversation
// and correlation ids.
func (c *ConsumeContext[M]) Respond(ctx context.Context, reply any, opts ...SendOption) error {
	if c.env.ResponseAddress == "" {
		return errspkg.ErrNoResponseAddress
	}
	base := []SendOption{
		WithConversationID(c.env.ConversationID),
		WithCorrelationID(c.env.CorrelationID),
	}
	return c.bus.Send(ctx, c.env.ResponseAddress, reply, append(base, opts...)...)
}

// Publish publishes msg within the inbound conversation.
func (c *ConsumeContext[M]) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	return c.bus.Publish(ctx, msg, append(c.follow(msg), opts...)...)
}

// Send sends msg to address within the inbound conversation.
func (c *ConsumeContext[M]) Send(ctx context.Context, address string, msg any, opts ...SendOption) error {
	return c.bus.Send(ctx, address, msg, append(c.follow(msg), opts...)...)
}

// follow keeps the conversation, and the correlation when msg carries none.
func (c *ConsumeContext[M]) follow(msg any) []SendOption {
	opts := []SendOption{WithConversationID(c.env.ConversationID)}
	if messages.CorrelationID(msg) == "" && c.env.CorrelationID != "" {
		opts = append(opts, WithCorrelationID(c.env.CorrelationID))
	}
	return opts
}

// RegisterConsumer registers handler for messages of type M. Consumers
// registered after Start listen immediately.
func RegisterConsumer[M any](b *Bus, reg ConsumerRegistration, handler ConsumerHandler[M]) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	typeName, err := registerMessageType[M](b, reg.MessageType)
	if err != nil {
		return err
	}
	if reg.ConsumerKey != "" && b.inbox == nil {
		return fmt.Errorf("%w: consumer key %q needs an inbox store", errspkg.ErrStoreRequired, reg.ConsumerKey)
	}
	name := reg.Name
	if name == "" {
		name = typeName
	}

	handle := func(ctx context.Context, env *transport.Message) error {
		msg, err := messages.Decode[M](b.serializers.For(env.ContentType), env.Body)
		if err != nil {
			// Redelivery cannot fix a body that does not decode.
			b.Logger.Error("Dropping undecodable message", err, loggingpkg.LogFields{
				"consumer":     name,
				"message_id":   env.MessageID,
				"message_type": env.MessageType,
			})
			return nil
		}
		mc := &ConsumeContext[M]{
			Message: msg,
			Info:    messages.ContextFrom(env),
			Logger: b.Logger.With(loggingpkg.LogFields{
				"consumer":       name,
				"message_id":     env.MessageID,
				"correlation_id": env.CorrelationID,
			}),
			bus: b,
			env: env,
		}
		return handler(ctx, mc)
	}
	if reg.ConsumerKey != "" {
		handle = b.inbox.Wrap(reg.ConsumerKey, handle)
	}

	return b.addConsumer(reg, &consumer{name: name, messageType: typeName, handle: handle})
}

// registerMessageType records M in the bus type registry and returns its wire
// name.
func registerMessageType[M any](b *Bus, override string) (string, error) {
	if override != "" {
		return override, messages.RegisterTypeAs[M](b.types, override)
	}
	name, err := messages.RegisterType[M](b.types)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", errspkg.ErrMessageTypeRequired
	}
	return name, nil
}

type consumer struct {
	name        string
	messageType string
	handle      transport.Handler
}

// endpoint groups the consumers sharing one subscription. Queue endpoints
// route by message type; topic endpoints carry a single type. Several
// consumers may handle one type; they run in registration order.
type endpoint struct {
	key  string
	host transport.Address
	ep   transport.Endpoint

	mu        sync.RWMutex
	consumers map[string][]*consumer
	listening bool
}

func (e *endpoint) lookup(messageType string) []*consumer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.consumers[messageType]
}

func consumerNames(cs []*consumer) string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.name
	}
	return strings.Join(names, ",")
}

func (b *Bus) endpointFor(reg ConsumerRegistration, messageType string) (transport.Address, transport.Endpoint, error) {
	addr := b.address
	if reg.Address != "" {
		parsed, err := transport.ParseAddress(reg.Address)
		if err != nil {
			return transport.Address{}, transport.Endpoint{}, err
		}
		addr = parsed
	}
	if !reg.Topic {
		return addr, transport.Endpoint{Address: addr}, nil
	}
	subscription := reg.Subscription
	if subscription == "" {
		subscription = b.Conf.ServiceName
	}
	return addr, transport.Endpoint{Address: addr, MessageType: messageType, Subscription: subscription}, nil
}

func (b *Bus) addConsumer(reg ConsumerRegistration, c *consumer) error {
	host, ep, err := b.endpointFor(reg, c.messageType)
	if err != nil {
		return err
	}
	key := host.Key() + "|" + ep.String()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return errspkg.ErrBusStopped
	}
	e, ok := b.endpoints[key]
	if !ok {
		e = &endpoint{key: key, host: host, ep: ep, consumers: map[string][]*consumer{}}
		b.endpoints[key] = e
		b.order = append(b.order, key)
	}
	e.mu.Lock()
	for _, existing := range e.consumers[c.messageType] {
		if existing.name == c.name {
			e.mu.Unlock()
			b.mu.Unlock()
			return fmt.Errorf("%w: %s for %s on %s", errspkg.ErrHandlerAlreadyExists, c.name, c.messageType, ep)
		}
	}
	e.consumers[c.messageType] = append(e.consumers[c.messageType], c)
	e.mu.Unlock()
	started := b.started
	b.mu.Unlock()

	b.Logger.Debug("Registered consumer", loggingpkg.LogFields{
		"consumer":     c.name,
		"message_type": c.messageType,
		"endpoint":     ep.String(),
	})
	if started {
		return b.listen(e)
	}
	return nil
}

// listen subscribes e once. Later calls are no-ops.
func (b *Bus) listen(e *endpoint) error {
	e.mu.Lock()
	if e.listening {
		e.mu.Unlock()
		return nil
	}
	e.listening = true
	e.mu.Unlock()

	host, err := b.provider.GetHost(b.runCtx, e.host)
	if err == nil {
		err = host.Listen(b.runCtx, e.ep, b.endpointHandler(e))
	}
	if err != nil {
		e.mu.Lock()
		e.listening = false
		e.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", e.ep, err)
	}
	b.Logger.Info("Listening", loggingpkg.LogFields{"endpoint": e.ep.String()})
	return nil
}

// endpointHandler routes deliveries of e through the middleware chain to the
// consumer registered for their type.
func (b *Bus) endpointHandler(e *endpoint) transport.Handler {
	name := e.ep.String()
	chained := b.chain(func(ctx context.Context, env *transport.Message) error {
		cs := e.lookup(env.MessageType)
		if len(cs) == 0 {
			b.Logger.Debug("No consumer for message type, acknowledging", loggingpkg.LogFields{
				"endpoint":     name,
				"message_id":   env.MessageID,
				"message_type": env.MessageType,
			})
			return nil
		}
		var errs []error
		for _, c := range cs {
			if err := c.handle(ctx, env); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return func(ctx context.Context, env *transport.Message) error {
		d := delivery{endpoint: name, consumer: consumerNames(e.lookup(env.MessageType))}
		return chained(withDelivery(ctx, d), env)
	}
}

type delivery struct {
	endpoint string
	consumer string
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, d delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

func deliveryFrom(ctx context.Context) delivery {
	d, _ := ctx.Value(deliveryKey{}).(delivery)
	return d
}
