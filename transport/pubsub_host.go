package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrHostClosed is returned by operations on a closed host.
var ErrHostClosed = errors.New("transport: host is closed")

// PubSubHostConfig assembles a Host from Watermill publisher/subscriber pairs.
type PubSubHostConfig struct {
	Settings     Settings
	Capabilities Capabilities

	// Queues carries point-to-point traffic.
	Queues Transport
	// Topics carries published traffic. Defaults to Queues.
	Topics Transport

	// SubscriberFor builds a dedicated subscriber for a named subscription on
	// a published type. When nil, Topics.Subscriber is used for every
	// subscription.
	SubscriberFor func(ep Endpoint) (message.Subscriber, error)

	// Closers release backend resources (connections, servers) after the
	// publishers and subscribers are closed.
	Closers []func() error

	Logger watermill.LoggerAdapter
}

// PubSubHost implements Host on top of Watermill. Queues map to topics named
// by Topology.QueueName and published types to topics named by
// Topology.TopicName.
type PubSubHost struct {
	address       Address
	capabilities  Capabilities
	topology      Topology
	queues        Transport
	topics        Transport
	subscriberFor func(ep Endpoint) (message.Subscriber, error)
	closers       []func() error
	logger        watermill.LoggerAdapter

	mu        sync.Mutex
	closed    bool
	cancels   []context.CancelFunc
	extraSubs []message.Subscriber
	wg        sync.WaitGroup
}

// NewPubSubHost validates cfg and returns the host.
func NewPubSubHost(cfg PubSubHostConfig) (*PubSubHost, error) {
	address, err := cfg.Settings.ParsedAddress()
	if err != nil {
		return nil, err
	}
	if cfg.Queues.Publisher == nil && cfg.Topics.Publisher == nil {
		return nil, errors.New("transport: host needs at least one publisher")
	}
	if cfg.Topics.Publisher == nil {
		cfg.Topics.Publisher = cfg.Queues.Publisher
	}
	if cfg.Topics.Subscriber == nil {
		cfg.Topics.Subscriber = cfg.Queues.Subscriber
	}
	if cfg.Queues.Publisher == nil {
		cfg.Queues.Publisher = cfg.Topics.Publisher
	}
	if cfg.Queues.Subscriber == nil {
		cfg.Queues.Subscriber = cfg.Topics.Subscriber
	}
	logger := cfg.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSubHost{
		address:       address,
		capabilities:  cfg.Capabilities,
		topology:      cfg.Settings.Topology,
		queues:        cfg.Queues,
		topics:        cfg.Topics,
		subscriberFor: cfg.SubscriberFor,
		closers:       cfg.Closers,
		logger:        logger.With(watermill.LogFields{"host": address.Key()}),
	}, nil
}

func (h *PubSubHost) Address() Address { return h.address }

func (h *PubSubHost) Capabilities() Capabilities { return h.capabilities }

// Topology returns the naming convention used by the host.
func (h *PubSubHost) Topology() Topology { return h.topology }

func (h *PubSubHost) Send(ctx context.Context, dest Address, msg *Message) error {
	if msg == nil {
		return errors.New("transport: message is required")
	}
	return h.publish(ctx, h.queues.Publisher, h.topology.QueueName(dest), msg)
}

func (h *PubSubHost) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("transport: message is required")
	}
	if msg.MessageType == "" {
		return errors.New("transport: published message needs a type")
	}
	return h.publish(ctx, h.topics.Publisher, h.topology.TopicName(msg.MessageType), msg)
}

func (h *PubSubHost) publish(ctx context.Context, pub message.Publisher, topic string, msg *Message) error {
	if h.isClosed() {
		return ErrHostClosed
	}
	wm := msg.ToWatermill()
	wm.SetContext(ctx)
	if err := pub.Publish(topic, wm); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", topic, err)
	}
	return nil
}

func (h *PubSubHost) Listen(ctx context.Context, ep Endpoint, handler Handler) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("transport: handler is required")
	}

	sub := h.queues.Subscriber
	topic := h.topology.QueueName(ep.Address)
	var dedicated message.Subscriber
	if ep.IsTopic() {
		sub = h.topics.Subscriber
		topic = h.topology.TopicName(ep.MessageType)
		if ep.Subscription != "" && h.subscriberFor != nil {
			s, err := h.subscriberFor(ep)
			if err != nil {
				return fmt.Errorf("transport: subscriber for %s: %w", ep, err)
			}
			sub, dedicated = s, s
		}
	}
	if sub == nil {
		return fmt.Errorf("transport: %s cannot consume %s", h.capabilities.Name, ep)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	lctx, cancel := context.WithCancel(ctx)
	h.cancels = append(h.cancels, cancel)
	if dedicated != nil {
		h.extraSubs = append(h.extraSubs, dedicated)
	}
	h.mu.Unlock()

	messages, err := sub.Subscribe(lctx, topic)
	if err != nil {
		cancel()
		return fmt.Errorf("transport: subscribe %s: %w", topic, err)
	}

	h.wg.Add(1)
	go h.consume(lctx, topic, messages, handler)
	return nil
}

func (h *PubSubHost) consume(ctx context.Context, topic string, messages <-chan *message.Message, handler Handler) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case wm, ok := <-messages:
			if !ok {
				return
			}
			env := FromWatermill(wm)
			if err := handler(ctx, env); err != nil {
				h.logger.Error("Handler failed, message nacked", err, watermill.LogFields{
					"topic":        topic,
					"message_id":   env.MessageID,
					"message_type": env.MessageType,
				})
				wm.Nack()
				continue
			}
			wm.Ack()
		}
	}
}

func (h *PubSubHost) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close stops all listeners and releases the backend.
func (h *PubSubHost) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancels := h.cancels
	extra := h.extraSubs
	h.cancels, h.extraSubs = nil, nil
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	var errs []error
	var seen []any
	closeOnce := func(c interface{ Close() error }) {
		if c == nil {
			return
		}
		for _, s := range seen {
			if s == c {
				return
			}
		}
		seen = append(seen, c)
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range extra {
		closeOnce(s)
	}
	closeOnce(h.queues.Subscriber)
	closeOnce(h.topics.Subscriber)
	closeOnce(h.queues.Publisher)
	closeOnce(h.topics.Publisher)

	h.wg.Wait()

	for _, c := range h.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
