// Package nats provides NATS transports. nats:// uses NATS Core: queue
// listeners join a queue group so instances compete for messages and
// published types reach every subscription. jetstream:// persists messages
// in JetStream streams with durable consumers and explicit acks.
package nats

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/transit/transport"
)

// Schemes handled by this transport.
var Schemes = []string{"nats"}

// JetStreamSchemes are served by the JetStream variant.
var JetStreamSchemes = []string{"jetstream"}

// DefaultQueueGroup is used for queue listeners when no consumer group is
// configured.
const DefaultQueueGroup = "transit"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the NATS Core and JetStream schemes to r.
func Register(r *transport.Registry) {
	for _, scheme := range Schemes {
		r.RegisterWithCapabilities(scheme, Build, transport.NATSCapabilities)
	}
	for _, scheme := range JetStreamSchemes {
		r.RegisterWithCapabilities(scheme, BuildJetStream, transport.NATSJetStreamCapabilities)
	}
}

// Build creates a new NATS Core host.
func Build(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	return build(settings, logger, transport.NATSCapabilities, func(string) nats.JetStreamConfig {
		return nats.JetStreamConfig{Disabled: true}
	})
}

// BuildJetStream creates a host backed by JetStream. Streams are provisioned
// on first use; every queue group or subscription gets its own durable
// consumer.
func BuildJetStream(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	return build(settings, logger, transport.NATSJetStreamCapabilities, func(durable string) nats.JetStreamConfig {
		return nats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			DurablePrefix: durable,
		}
	})
}

func build(settings transport.Settings, logger watermill.LoggerAdapter, caps transport.Capabilities, jetStream func(durable string) nats.JetStreamConfig) (transport.Host, error) {
	url := serverURL(settings)
	options := connectOptions(settings)
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   jetStream(""),
	}, logger)
	if err != nil {
		return nil, err
	}

	newSubscriber := func(queueGroup string) (message.Subscriber, error) {
		return SubscriberFactory(nats.SubscriberConfig{
			URL:              url,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: queueGroup,
			JetStream:        jetStream(queueGroup),
		}, logger)
	}

	group := settings.ConsumerGroup
	if group == "" {
		group = DefaultQueueGroup
	}
	queueSub, err := newSubscriber(group)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	topicSub, err := newSubscriber("")
	if err != nil {
		_ = publisher.Close()
		_ = queueSub.Close()
		return nil, err
	}

	return transport.NewPubSubHost(transport.PubSubHostConfig{
		Settings:     settings,
		Capabilities: caps,
		Queues:       transport.Transport{Publisher: publisher, Subscriber: queueSub},
		Topics:       transport.Transport{Publisher: publisher, Subscriber: topicSub},
		SubscriberFor: func(ep transport.Endpoint) (message.Subscriber, error) {
			return newSubscriber(ep.Subscription)
		},
		Logger: logger,
	})
}

func serverURL(settings transport.Settings) string {
	if settings.URL != "" {
		return settings.URL
	}
	address, err := settings.ParsedAddress()
	if err != nil || address.Authority == "" {
		return natsgo.DefaultURL
	}
	return "nats://" + address.Authority
}

func connectOptions(settings transport.Settings) []natsgo.Option {
	var opts []natsgo.Option
	if settings.ClientID != "" {
		opts = append(opts, natsgo.Name(settings.ClientID))
	}
	if settings.ConnectTimeout > 0 {
		opts = append(opts, natsgo.Timeout(settings.ConnectTimeout))
	}
	if settings.Username != "" {
		opts = append(opts, natsgo.UserInfo(settings.Username, settings.Password))
	}
	if settings.TLS || strings.HasPrefix(settings.URL, "tls://") {
		opts = append(opts, natsgo.Secure())
	}
	return opts
}

// Capabilities returns the capabilities of the NATS Core transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
