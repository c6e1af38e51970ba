package amqp

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transit/transport"
	"github.com/drblury/transit/transport/transporttest"
)

type factories struct {
	publishers  []*transporttest.Publisher
	subscribers []*transporttest.Subscriber
	configs     []wamqp.Config
	connURI     string
}

func stubFactories(t *testing.T) *factories {
	t.Helper()
	origConn, origPub, origSub := ConnectionFactory, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		ConnectionFactory, PublisherFactory, SubscriberFactory = origConn, origPub, origSub
	})

	f := &factories{}
	ConnectionFactory = func(cfg wamqp.ConnectionConfig, logger watermill.LoggerAdapter) (*wamqp.ConnectionWrapper, error) {
		f.connURI = cfg.AmqpURI
		return nil, nil
	}
	PublisherFactory = func(cfg wamqp.Config, logger watermill.LoggerAdapter, conn *wamqp.ConnectionWrapper) (message.Publisher, error) {
		p := &transporttest.Publisher{}
		f.publishers = append(f.publishers, p)
		return p, nil
	}
	SubscriberFactory = func(cfg wamqp.Config, logger watermill.LoggerAdapter, conn *wamqp.ConnectionWrapper) (message.Subscriber, error) {
		s := &transporttest.Subscriber{}
		f.subscribers = append(f.subscribers, s)
		f.configs = append(f.configs, cfg)
		return s, nil
	}
	return f
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)
	assert.Equal(t, Schemes, reg.Schemes())
	assert.Equal(t, transport.AMQPCapabilities, reg.GetCapabilities("rabbitmq"))
	assert.Equal(t, transport.AMQPCapabilities, Capabilities())
}

func TestBuildSeparatesQueuesAndTopics(t *testing.T) {
	f := stubFactories(t)

	host, err := Build(context.Background(), transport.Settings{Address: "amqp://broker:5672/orders"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "amqp://broker:5672/", f.connURI)
	require.Len(t, f.publishers, 2)

	ctx := context.Background()
	require.NoError(t, host.Send(ctx, transport.MustParseAddress("amqp://broker:5672/bookings"), &transport.Message{MessageID: "1"}))
	require.NoError(t, host.Publish(ctx, &transport.Message{MessageID: "2", MessageType: "orders.OrderPlaced"}))

	assert.Equal(t, []string{"bookings"}, f.publishers[0].Topics())
	assert.Equal(t, []string{"orders.OrderPlaced"}, f.publishers[1].Topics())

	require.NoError(t, host.Listen(ctx, transport.Endpoint{MessageType: "orders.OrderPlaced", Subscription: "billing"}, func(context.Context, *transport.Message) error { return nil }))
	require.Len(t, f.configs, 3)
	assert.Equal(t, "orders.OrderPlaced_billing", f.configs[2].Queue.GenerateName("orders.OrderPlaced"))

	require.NoError(t, host.Close())
}

func TestBuildPrefersExplicitURL(t *testing.T) {
	f := stubFactories(t)
	_, err := Build(context.Background(), transport.Settings{Address: "rabbitmq://primary", URL: "amqp://user:pw@rmq:5672/vhost"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "amqp://user:pw@rmq:5672/vhost", f.connURI)
}

func TestBuildErrors(t *testing.T) {
	t.Run("missing broker", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), transport.Settings{Address: "queue:///orders"}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("connection failure", func(t *testing.T) {
		stubFactories(t)
		ConnectionFactory = func(cfg wamqp.ConnectionConfig, logger watermill.LoggerAdapter) (*wamqp.ConnectionWrapper, error) {
			return nil, errors.New("refused")
		}
		_, err := Build(context.Background(), transport.Settings{Address: "amqp://broker"}, watermill.NopLogger{})
		assert.EqualError(t, err, "refused")
	})

	t.Run("publisher failure", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg wamqp.Config, logger watermill.LoggerAdapter, conn *wamqp.ConnectionWrapper) (message.Publisher, error) {
			return nil, errors.New("no channel")
		}
		_, err := Build(context.Background(), transport.Settings{Address: "amqp://broker"}, watermill.NopLogger{})
		assert.EqualError(t, err, "no channel")
	})
}
