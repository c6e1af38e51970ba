package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChannelHost(t *testing.T) *PubSubHost {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	host, err := NewPubSubHost(PubSubHostConfig{
		Settings:     Settings{Address: "mem://local"},
		Capabilities: ChannelCapabilities,
		Queues:       Transport{Publisher: pubSub, Subscriber: pubSub},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })
	return host
}

func TestPubSubHostSendAndListen(t *testing.T) {
	host := newChannelHost(t)
	orders := MustParseAddress("mem://local/orders")

	received := make(chan *Message, 1)
	require.NoError(t, host.Listen(context.Background(), Endpoint{Address: orders}, func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	}))

	require.NoError(t, host.Send(context.Background(), orders, &Message{
		MessageID:     "m-1",
		MessageType:   "orders.PlaceOrder",
		CorrelationID: "order-1",
		Body:          []byte(`{}`),
	}))

	select {
	case msg := <-received:
		assert.Equal(t, "m-1", msg.MessageID)
		assert.Equal(t, "order-1", msg.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPubSubHostPublishFansOut(t *testing.T) {
	host := newChannelHost(t)

	got := make(chan string, 2)
	for _, sub := range []string{"billing", "shipping"} {
		sub := sub
		require.NoError(t, host.Listen(context.Background(), Endpoint{MessageType: "orders.OrderPlaced", Subscription: sub}, func(ctx context.Context, msg *Message) error {
			got <- sub
			return nil
		}))
	}

	require.NoError(t, host.Publish(context.Background(), &Message{MessageID: "e-1", MessageType: "orders.OrderPlaced"}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			seen[s] = true
		case <-time.After(2 * time.Second):
			t.Fatal("published message not delivered to every subscriber")
		}
	}
	assert.Len(t, seen, 2)
}

func TestPubSubHostRejectsInvalidInput(t *testing.T) {
	host := newChannelHost(t)

	assert.Error(t, host.Publish(context.Background(), &Message{MessageID: "x"}))
	assert.Error(t, host.Send(context.Background(), MustParseAddress("mem://local/q"), nil))
	assert.Error(t, host.Listen(context.Background(), Endpoint{}, func(context.Context, *Message) error { return nil }))
	assert.Error(t, host.Listen(context.Background(), Endpoint{MessageType: "t"}, nil))
}

func TestPubSubHostClosed(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubscriber{}
	closed := 0
	host, err := NewPubSubHost(PubSubHostConfig{
		Settings: Settings{Address: "amqp://broker", Topology: Topology{Prefix: "svc."}},
		Queues:   Transport{Publisher: pub, Subscriber: sub},
		Closers:  []func() error{func() error { closed++; return nil }},
	})
	require.NoError(t, err)

	require.NoError(t, host.Send(context.Background(), MustParseAddress("amqp://broker/orders"), &Message{MessageID: "1"}))
	require.NoError(t, host.Listen(context.Background(), Endpoint{MessageType: "*orders.Placed"}, func(context.Context, *Message) error { return nil }))
	assert.Contains(t, pub.published, "svc.orders")
	assert.Equal(t, []string{"svc.orders.Placed"}, sub.topics)

	require.NoError(t, host.Close())
	require.NoError(t, host.Close())
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
	assert.Equal(t, 1, closed)

	err = host.Send(context.Background(), MustParseAddress("amqp://broker/orders"), &Message{})
	assert.ErrorIs(t, err, ErrHostClosed)
	err = host.Listen(context.Background(), Endpoint{Address: MustParseAddress("amqp://broker/orders")}, func(context.Context, *Message) error { return nil })
	assert.ErrorIs(t, err, ErrHostClosed)
}

func TestPubSubHostWrapsPublishError(t *testing.T) {
	boom := errors.New("nope")
	host, err := NewPubSubHost(PubSubHostConfig{
		Settings: Settings{Address: "amqp://broker"},
		Queues:   Transport{Publisher: &mockPublisher{err: boom}},
	})
	require.NoError(t, err)

	err = host.Send(context.Background(), MustParseAddress("amqp://broker/orders"), &Message{})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "orders")
}

func TestNewPubSubHostValidation(t *testing.T) {
	_, err := NewPubSubHost(PubSubHostConfig{Settings: Settings{Address: "amqp://broker"}})
	assert.Error(t, err)
	_, err = NewPubSubHost(PubSubHostConfig{Queues: Transport{Publisher: &mockPublisher{}}})
	assert.Error(t, err)
}
