package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/transit/transport"
	"github.com/drblury/transit/transport/transporttest"
)

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	assert.Equal(t, Schemes, reg.Schemes())
	assert.Equal(t, transport.ChannelCapabilities, reg.GetCapabilities("loopback"))
	assert.True(t, transport.DefaultRegistry.Has("mem"))
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.False(t, caps.SupportsDelay)
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		assert.Equal(t, int64(DefaultBufferSize), cfg.OutputChannelBuffer)
		return pub, sub
	}

	host, err := Build(context.Background(), transport.Settings{Address: "mem://local"}, watermill.NopLogger{})
	require.NoError(t, err)

	require.NoError(t, host.Send(context.Background(), transport.MustParseAddress("mem://local/orders"), &transport.Message{MessageID: "1"}))
	assert.Contains(t, pub.Topics(), "orders")

	require.NoError(t, host.Close())
	assert.Equal(t, 1, pub.Closed)
	assert.Equal(t, 1, sub.Closed)
}

func TestLoopbackRoundTrip(t *testing.T) {
	host, err := Build(context.Background(), transport.Settings{Address: "mem://local"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer host.Close()

	done := make(chan string, 1)
	queue := transport.MustParseAddress("mem://local/bookings")
	require.NoError(t, host.Listen(context.Background(), transport.Endpoint{Address: queue}, func(ctx context.Context, msg *transport.Message) error {
		done <- string(msg.Body)
		return nil
	}))

	require.NoError(t, host.Send(context.Background(), queue, &transport.Message{MessageID: "b-1", Body: []byte("hello")}))

	select {
	case body := <-done:
		assert.Equal(t, "hello", body)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
