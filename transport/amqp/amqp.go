// Package amqp provides a RabbitMQ/AMQP transport. Sends go to durable queues
// named after the destination path; published types go to a fanout exchange
// per type with one durable queue per subscription.
package amqp

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/transit/transport"
)

// Schemes handled by this transport.
var Schemes = []string{"amqp", "amqps", "rabbitmq", "queue"}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg wamqp.ConnectionConfig, logger watermill.LoggerAdapter) (*wamqp.ConnectionWrapper, error) {
	return wamqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wamqp.Config, logger watermill.LoggerAdapter, conn *wamqp.ConnectionWrapper) (message.Publisher, error) {
	return wamqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wamqp.Config, logger watermill.LoggerAdapter, conn *wamqp.ConnectionWrapper) (message.Subscriber, error) {
	return wamqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the AMQP schemes to r.
func Register(r *transport.Registry) {
	for _, scheme := range Schemes {
		r.RegisterWithCapabilities(scheme, Build, transport.AMQPCapabilities)
	}
}

// Build creates a new AMQP host sharing one connection between queue and
// exchange traffic.
func Build(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	uri := brokerURI(settings)
	if uri == "" {
		return nil, errors.New("amqp: broker URL is required")
	}

	connCfg := wamqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: wamqp.DefaultReconnectConfig(),
	}
	if settings.TLS {
		connCfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	conn, err := ConnectionFactory(connCfg, logger)
	if err != nil {
		return nil, err
	}

	closeConn := func() error {
		if conn == nil {
			return nil
		}
		return conn.Close()
	}

	queueCfg := wamqp.NewDurableQueueConfig(uri)
	topicCfg := wamqp.NewDurablePubSubConfig(uri, queueNameGenerator(settings.ConsumerGroup))

	queuePub, err := PublisherFactory(queueCfg, logger, conn)
	if err != nil {
		_ = closeConn()
		return nil, err
	}
	queueSub, err := SubscriberFactory(queueCfg, logger, conn)
	if err != nil {
		_ = closeConn()
		return nil, err
	}
	topicPub, err := PublisherFactory(topicCfg, logger, conn)
	if err != nil {
		_ = closeConn()
		return nil, err
	}
	topicSub, err := SubscriberFactory(topicCfg, logger, conn)
	if err != nil {
		_ = closeConn()
		return nil, err
	}

	return transport.NewPubSubHost(transport.PubSubHostConfig{
		Settings:     settings,
		Capabilities: transport.AMQPCapabilities,
		Queues:       transport.Transport{Publisher: queuePub, Subscriber: queueSub},
		Topics:       transport.Transport{Publisher: topicPub, Subscriber: topicSub},
		SubscriberFor: func(ep transport.Endpoint) (message.Subscriber, error) {
			cfg := wamqp.NewDurablePubSubConfig(uri, queueNameGenerator(ep.Subscription))
			return SubscriberFactory(cfg, logger, conn)
		},
		Closers: []func() error{closeConn},
		Logger:  logger,
	})
}

func brokerURI(settings transport.Settings) string {
	if settings.URL != "" {
		return settings.URL
	}
	address, err := settings.ParsedAddress()
	if err != nil || address.Authority == "" {
		return ""
	}
	scheme := "amqp"
	if address.Scheme == "amqps" || settings.TLS {
		scheme = "amqps"
	}
	return scheme + "://" + address.Authority + "/"
}

func queueNameGenerator(suffix string) wamqp.QueueNameGenerator {
	if suffix == "" {
		return wamqp.GenerateQueueNameTopicName
	}
	return wamqp.GenerateQueueNameTopicNameWithSuffix(suffix)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AMQPCapabilities
}
