package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	"github.com/drblury/transit/internal/runtime/messages"
	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/internal/runtime/persistence"
	"github.com/drblury/transit/transport"
)

func outboxRowAt(id string, enqueued time.Time) persistence.OutboxMessage {
	return persistence.OutboxMessage{
		ID:           id,
		MessageType:  "runtime.orderPlaced",
		Destination:  testAddress,
		ContentType:  messages.ContentTypeJSON,
		Body:         []byte(`{"order_id":"` + id + `"}`),
		EnqueuedTime: enqueued,
	}
}

func newTestOutboxProcessor(store persistence.OutboxStore, d Dispatcher, clock *fixedClock, cfg OutboxProcessorConfig) *OutboxProcessor {
	cfg.Clock = clock.Now
	cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	return NewOutboxProcessor(store, d, cfg)
}

func TestOutboxProcessorDeliversOldestFirst(t *testing.T) {
	clock := newFixedClock()
	store := persistence.NewMemoryOutboxStore()
	ctx := context.Background()
	base := clock.Now()
	require.NoError(t, store.Add(ctx, outboxRowAt("b", base.Add(time.Second))))
	require.NoError(t, store.Add(ctx, outboxRowAt("a", base)))

	d := &recordingDispatcher{}
	p := newTestOutboxProcessor(store, d, clock, OutboxProcessorConfig{SourceAddress: testAddress})

	sent, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	msgs := d.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].MessageID)
	assert.Equal(t, "b", msgs[1].MessageID)
	assert.Equal(t, testAddress, msgs[0].SourceAddress)

	row, ok := store.Get("a")
	require.True(t, ok)
	require.NotNil(t, row.SentTime)
	assert.False(t, row.IsPending())

	sent, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestOutboxProcessorRetriesUntilBrokerRecovers(t *testing.T) {
	clock := newFixedClock()
	store := persistence.NewMemoryOutboxStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, outboxRowAt("a", clock.Now())))

	down := true
	d := &recordingDispatcher{Fail: func(*transport.Message) error {
		if down {
			return errBrokerDown
		}
		return nil
	}}
	var hookErrs []error
	p := newTestOutboxProcessor(store, d, clock, OutboxProcessorConfig{
		MaxAttempts: 5,
		Hooks: JobHooks{OnJobError: func(job JobContext, err error) {
			assert.Equal(t, "outbox", job.HandlerName)
			hookErrs = append(hookErrs, err)
		}},
	})

	for range 2 {
		sent, err := p.PollOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, sent)
	}
	row, _ := store.Get("a")
	assert.Equal(t, 2, row.Attempts)
	assert.Contains(t, row.Error, "broker down")
	assert.Len(t, hookErrs, 2)

	down = false
	sent, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	row, _ = store.Get("a")
	assert.NotNil(t, row.SentTime)
	assert.Empty(t, row.Error)
}

func TestOutboxProcessorDeadLettersAfterMaxAttempts(t *testing.T) {
	clock := newFixedClock()
	store := persistence.NewMemoryOutboxStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, outboxRowAt("a", clock.Now())))

	const dlq = "mem://local/dead-letters"
	d := &recordingDispatcher{Fail: func(m *transport.Message) error {
		if m.DestinationAddress == dlq {
			return nil
		}
		return errBrokerDown
	}}
	p := newTestOutboxProcessor(store, d, clock, OutboxProcessorConfig{MaxAttempts: 2, DeadLetterAddress: dlq})

	for range 3 {
		_, err := p.PollOnce(ctx)
		require.NoError(t, err)
	}

	row, _ := store.Get("a")
	assert.Equal(t, 2, row.Attempts)
	require.NotNil(t, row.DeadLetteredTime)
	assert.Nil(t, row.SentTime)

	msgs := d.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, dlq, msgs[0].DestinationAddress)
	assert.Equal(t, "a", msgs[0].MessageID)
	assert.Contains(t, msgs[0].Headers[metadata.KeyDeadLetterReason], "broker down")
}

func TestOutboxProcessorKeepsRowWhenDeadLetterFails(t *testing.T) {
	clock := newFixedClock()
	store := persistence.NewMemoryOutboxStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, outboxRowAt("a", clock.Now())))

	d := &recordingDispatcher{Fail: func(*transport.Message) error { return errBrokerDown }}
	p := newTestOutboxProcessor(store, d, clock, OutboxProcessorConfig{MaxAttempts: 1, DeadLetterAddress: "mem://local/dead-letters"})

	_, err := p.PollOnce(ctx)
	require.NoError(t, err)
	row, _ := store.Get("a")
	assert.True(t, row.IsPending())
	assert.Equal(t, 1, row.Attempts)
}

func TestOutboxProcessorDeadLettersUnknownPublishedTypes(t *testing.T) {
	clock := newFixedClock()
	store := persistence.NewMemoryOutboxStore()
	ctx := context.Background()
	row := outboxRowAt("a", clock.Now())
	row.Destination = ""
	row.MessageType = "billing.Unknown"
	require.NoError(t, store.Add(ctx, row))

	types := messages.NewTypeRegistry()
	_, err := messages.RegisterType[orderPlaced](types)
	require.NoError(t, err)

	d := &recordingDispatcher{}
	p := newTestOutboxProcessor(store, d, clock, OutboxProcessorConfig{Types: types})

	sent, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, d.Messages())

	stored, _ := store.Get("a")
	require.NotNil(t, stored.DeadLetteredTime)
	assert.Contains(t, stored.Error, errspkg.ErrUnknownMessageType.Error())
}

func TestOutboxProcessorRecordsUnknownTypeWhenDeadLetterFails(t *testing.T) {
	clock := newFixedClock()
	store := persistence.NewMemoryOutboxStore()
	ctx := context.Background()
	row := outboxRowAt("a", clock.Now())
	row.Destination = ""
	row.MessageType = "billing.Unknown"
	require.NoError(t, store.Add(ctx, row))

	d := &recordingDispatcher{Fail: func(*transport.Message) error { return errBrokerDown }}
	p := newTestOutboxProcessor(store, d, clock, OutboxProcessorConfig{
		Types:             messages.NewTypeRegistry(),
		DeadLetterAddress: "mem://local/dead-letters",
	})

	_, err := p.PollOnce(ctx)
	require.NoError(t, err)
	stored, _ := store.Get("a")
	assert.True(t, stored.IsPending())
	assert.Contains(t, stored.Error, errspkg.ErrUnknownMessageType.Error())
}

func TestBusOutboxDeadLettersOnlyUnknownTypes(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	startBus(t, b)
	ctx := context.Background()
	store := b.Outbox().Store().(*persistence.MemoryOutboxStore)

	unknown := outboxRowAt("raw", time.Now())
	unknown.Destination = ""
	unknown.MessageType = "billing.Unknown"
	require.NoError(t, store.Add(ctx, unknown))
	require.NoError(t, b.Outbox().Publish(ctx, paymentReceived{OrderID: "o-1"}, WithMessageID("m-1")))

	sent, err := b.Outbox().processor().PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	published, ok := store.Get("m-1")
	require.True(t, ok)
	assert.NotNil(t, published.SentTime)
	assert.Nil(t, published.DeadLetteredTime)

	raw, ok := store.Get("raw")
	require.True(t, ok)
	assert.NotNil(t, raw.DeadLetteredTime)
	assert.Contains(t, raw.Error, "billing.Unknown")
}

func TestOutboxProcessorRemovesOldSentRows(t *testing.T) {
	clock := newFixedClock()
	store := persistence.NewMemoryOutboxStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, outboxRowAt("a", clock.Now())))

	p := newTestOutboxProcessor(store, &recordingDispatcher{}, clock, OutboxProcessorConfig{Retention: time.Hour})
	_, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	clock.Advance(2 * time.Hour)
	_, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, store.Len())
}

func TestOutboxStagesAndDeliversThroughBus(t *testing.T) {
	b := newTestBus(t, nil, BusDependencies{})
	got := make(chan *ConsumeContext[orderPlaced], 1)
	require.NoError(t, RegisterConsumer(b, ConsumerRegistration{}, func(_ context.Context, mc *ConsumeContext[orderPlaced]) error {
		got <- mc
		return nil
	}))
	startBus(t, b)
	ctx := context.Background()

	require.NoError(t, b.Outbox().Send(ctx, testAddress, orderPlaced{OrderID: "o-1"}, WithMessageID("m-1")))
	row, err := b.Outbox().NewPublish(orderPlaced{OrderID: "o-2"})
	require.NoError(t, err)
	assert.Empty(t, row.Destination)
	assert.Equal(t, "o-2", row.CorrelationID)

	store := b.Outbox().Store().(*persistence.MemoryOutboxStore)
	assert.Equal(t, 1, store.Len())

	sent, err := b.Outbox().processor().PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	mc := receive(t, got)
	assert.Equal(t, "m-1", mc.Info.MessageID)
	assert.Equal(t, "o-1", mc.Message.OrderID)
}

func TestOutboxProcessorStopsOnCancelledContext(t *testing.T) {
	clock := newFixedClock()
	store := persistence.NewMemoryOutboxStore()
	for i := range 3 {
		require.NoError(t, store.Add(context.Background(), outboxRowAt(fmt.Sprintf("r%d", i), clock.Now())))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &recordingDispatcher{}
	p := newTestOutboxProcessor(store, d, clock, OutboxProcessorConfig{})
	sent, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, d.Messages())
}
