package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	"github.com/drblury/transit/transport"
)

func TestRequestReceivesReply(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{Address: "mem://local/pricing"}, func(ctx context.Context, mc *ConsumeContext[priceQuery]) error {
		return mc.Respond(ctx, priceReply{Sku: mc.Message.Sku, Price: 1299})
	}))
	startBus(t, b)

	reply, err := Request[priceReply](context.Background(), b, "mem://local/pricing", priceQuery{Sku: "sku-1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, priceReply{Sku: "sku-1", Price: 1299}, reply)
}

func TestRequestTimesOutAndForgetsWaiter(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	startBus(t, b)

	// Nobody listens on the queue, so the request is never answered.
	start := time.Now()
	_, err := Request[priceReply](context.Background(), b, "mem://local/nobody", priceQuery{Sku: "sku-2"}, 50*time.Millisecond)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.ErrorIs(t, err, errspkg.ErrRequestTimeout)

	var timeout *errspkg.RequestTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "runtime.priceQuery", timeout.MessageType)
	assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
	assert.False(t, b.requests.waiting(timeout.ConversationID))

	late := &transport.Message{MessageID: "late", ConversationID: timeout.ConversationID}
	assert.NoError(t, b.requests.deliver(context.Background(), late))
}

func TestRequestHonoursContext(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	startBus(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Request[priceReply](ctx, b, "mem://local/nobody", priceQuery{Sku: "sku-3"}, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestFailsWhenBusStops(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	startBus(t, b)

	errc := make(chan error, 1)
	go func() {
		_, err := Request[priceReply](context.Background(), b, "mem://local/nobody", priceQuery{Sku: "sku-4"}, time.Minute)
		errc <- err
	}()

	require.Eventually(t, func() bool {
		b.requests.mu.Lock()
		defer b.requests.mu.Unlock()
		return len(b.requests.pending) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Stop(context.Background()))

	assert.ErrorIs(t, receive(t, errc), errspkg.ErrBusStopped)
}

func TestRespondWithoutResponseAddress(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	mc := &ConsumeContext[priceQuery]{bus: b, env: &transport.Message{MessageID: "m-1"}}

	assert.ErrorIs(t, mc.Respond(context.Background(), priceReply{}), errspkg.ErrNoResponseAddress)
}

func TestDeliverDropsUnmatchedReplies(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	ch := b.requests.add("conv-1")
	defer b.requests.remove("conv-1")

	require.NoError(t, b.requests.deliver(context.Background(), &transport.Message{ConversationID: "conv-2"}))
	require.NoError(t, b.requests.deliver(context.Background(), &transport.Message{MessageID: "r-1", ConversationID: "conv-1"}))
	// A second reply for the same conversation does not block.
	require.NoError(t, b.requests.deliver(context.Background(), &transport.Message{MessageID: "r-2", ConversationID: "conv-1"}))

	assert.Equal(t, "r-1", receive(t, ch).MessageID)
}
