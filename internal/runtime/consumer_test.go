package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	"github.com/drblury/transit/internal/runtime/messages"
	"github.com/drblury/transit/transport"
)

func noopConsumer[M any](context.Context, *ConsumeContext[M]) error { return nil }

func TestRegisterConsumerRejectsDuplicates(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})

	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{}, noopConsumer[orderPlaced]))
	err := RegisterConsumer(b, ConsumerRegistration{}, noopConsumer[orderPlaced])
	assert.ErrorIs(t, err, errspkg.ErrHandlerAlreadyExists)

	// Another name on the same endpoint and type is fine.
	assert.NoError(t, RegisterConsumer(b, ConsumerRegistration{Name: "audit"}, noopConsumer[orderPlaced]))
}

func TestRegisterConsumerValidatesInput(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})

	assert.ErrorIs(t, RegisterConsumer[orderPlaced](nil, ConsumerRegistration{}, noopConsumer[orderPlaced]), errspkg.ErrBusRequired)
	assert.ErrorIs(t, RegisterConsumer[orderPlaced](b, ConsumerRegistration{}, nil), errspkg.ErrHandlerRequired)

	err := RegisterConsumer(b, ConsumerRegistration{ConsumerKey: "billing"}, noopConsumer[orderPlaced])
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)

	err = RegisterConsumer(b, ConsumerRegistration{Address: "://broken"}, noopConsumer[orderPlaced])
	assert.Error(t, err)
}

func TestRegisterConsumerRecordsType(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})

	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{MessageType: "orders.placed"}, noopConsumer[orderPlaced]))
	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{}, noopConsumer[*paymentReceived]))

	assert.True(t, b.Types().Has("orders.placed"))
	assert.True(t, b.Types().Has("runtime.paymentReceived"))
	v, err := b.Types().New("orders.placed")
	require.NoError(t, err)
	assert.IsType(t, &orderPlaced{}, v)
}

func TestEndpointHandlerRouting(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	var calls []string
	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{Name: "first"}, func(_ context.Context, mc *ConsumeContext[orderPlaced]) error {
		calls = append(calls, "first:"+mc.Message.OrderID)
		return nil
	}))
	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{Name: "second"}, func(_ context.Context, mc *ConsumeContext[orderPlaced]) error {
		calls = append(calls, "second:"+mc.Message.OrderID)
		return errors.New("second failed")
	}))

	e := b.endpoints[b.order[0]]
	h := b.endpointHandler(e)
	ctx := context.Background()

	env, err := b.newSend(testAddress, orderPlaced{OrderID: "o-1"})
	require.NoError(t, err)
	err = h(ctx, env)
	assert.EqualError(t, err, "second failed")
	assert.Equal(t, []string{"first:o-1", "second:o-1"}, calls)

	t.Run("unknown type is acknowledged", func(t *testing.T) {
		calls = nil
		unknown := &transport.Message{MessageID: "m-2", MessageType: "billing.Unknown", Body: []byte(`{}`)}
		assert.NoError(t, h(ctx, unknown))
		assert.Empty(t, calls)
	})

	t.Run("undecodable body is acknowledged", func(t *testing.T) {
		calls = nil
		broken := &transport.Message{MessageID: "m-3", MessageType: "runtime.orderPlaced", ContentType: messages.ContentTypeJSON, Body: []byte(`{"order_id":`)}
		assert.NoError(t, h(ctx, broken))
		assert.Empty(t, calls)
	})
}

func TestConsumeContextKeepsConversation(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	got := make(chan *ConsumeContext[paymentReceived], 1)
	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{Address: "mem://local/payments"}, func(_ context.Context, mc *ConsumeContext[paymentReceived]) error {
		got <- mc
		return nil
	}))
	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{}, func(ctx context.Context, mc *ConsumeContext[orderPlaced]) error {
		return mc.Send(ctx, "mem://local/payments", paymentReceived{Amount: mc.Message.Amount})
	}))
	startBus(t, b)

	require.NoError(t, b.Send(context.Background(), testAddress, orderPlaced{OrderID: "o-9", Amount: 10}, WithConversationID("conv-9")))

	mc := receive(t, got)
	assert.Equal(t, "conv-9", mc.Info.ConversationID)
	assert.Equal(t, "o-9", mc.Info.CorrelationID)
	assert.Equal(t, 10, mc.Message.Amount)
}
