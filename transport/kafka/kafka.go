// Package kafka provides a Kafka transport. Queues and published types both map
// to topics; queue listeners share the host consumer group while published
// type subscriptions get a consumer group per subscription name.
package kafka

import (
	"context"
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/transit/transport"
)

// Schemes handled by this transport.
var Schemes = []string{"kafka", "topic"}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the Kafka schemes to r.
func Register(r *transport.Registry) {
	for _, scheme := range Schemes {
		r.RegisterWithCapabilities(scheme, Build, transport.KafkaCapabilities)
	}
}

// Build creates a new Kafka host.
func Build(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	brokers := resolveBrokers(settings)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}

	publisher, err := PublisherFactory(publisherConfig(settings, brokers), logger)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(subscriberConfig(settings, brokers, settings.ConsumerGroup), logger)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return transport.NewPubSubHost(transport.PubSubHostConfig{
		Settings:     settings,
		Capabilities: transport.KafkaCapabilities,
		Queues:       transport.Transport{Publisher: publisher, Subscriber: subscriber},
		SubscriberFor: func(ep transport.Endpoint) (message.Subscriber, error) {
			return SubscriberFactory(subscriberConfig(settings, brokers, ep.Subscription), logger)
		},
		Logger: logger,
	})
}

func publisherConfig(settings transport.Settings, brokers []string) kafka.PublisherConfig {
	cfg := kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: kafka.DefaultMarshaler{},
	}
	if settings.ClientID != "" || settings.ConnectTimeout > 0 {
		sarama := kafka.DefaultSaramaSyncPublisherConfig()
		if settings.ClientID != "" {
			sarama.ClientID = settings.ClientID
		}
		if settings.ConnectTimeout > 0 {
			sarama.Net.DialTimeout = settings.ConnectTimeout
		}
		cfg.OverwriteSaramaConfig = sarama
	}
	return cfg
}

func subscriberConfig(settings transport.Settings, brokers []string, group string) kafka.SubscriberConfig {
	cfg := kafka.SubscriberConfig{
		Brokers:       brokers,
		Unmarshaler:   kafka.DefaultMarshaler{},
		ConsumerGroup: group,
	}
	if settings.ClientID != "" || settings.ConnectTimeout > 0 {
		sarama := kafka.DefaultSaramaSubscriberConfig()
		if settings.ClientID != "" {
			sarama.ClientID = settings.ClientID
		}
		if settings.ConnectTimeout > 0 {
			sarama.Net.DialTimeout = settings.ConnectTimeout
		}
		cfg.OverwriteSaramaConfig = sarama
	}
	return cfg
}

// resolveBrokers returns the configured brokers, falling back to the
// comma-separated authority of the address (kafka://b1:9092,b2:9092).
func resolveBrokers(settings transport.Settings) []string {
	if len(settings.Brokers) > 0 {
		return settings.Brokers
	}
	address, err := settings.ParsedAddress()
	if err != nil || address.Authority == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(address.Authority, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
