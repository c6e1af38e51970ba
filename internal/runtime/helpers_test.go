package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/transit/internal/runtime/config"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/transport"
	"github.com/drblury/transit/transport/channel"
)

const testAddress = "mem://local/orders"

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func (o orderPlaced) GetCorrelationID() string { return o.OrderID }

type paymentReceived struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func (p paymentReceived) GetCorrelationID() string { return p.OrderID }

type priceQuery struct {
	Sku string `json:"sku"`
}

type priceReply struct {
	Sku   string `json:"sku"`
	Price int    `json:"price"`
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		ServiceName:     "orders",
		Address:         testAddress,
		RetryMaxRetries: -1,
		Outbox:          configpkg.OutboxConfig{Disabled: true},
		Scheduler:       configpkg.SchedulerConfig{Disabled: true},
	}
}

// newTestBus builds a bus on a private registry holding only the loopback
// transport. The bus is stopped when the test ends.
func newTestBus(t *testing.T, conf *configpkg.Config, deps BusDependencies) *Bus {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	if deps.Registry == nil {
		deps.Registry = transport.NewRegistry()
		channel.Register(deps.Registry)
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	b, err := NewBus(conf, loggingpkg.NewNopServiceLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func startBus(t *testing.T, b *Bus) {
	t.Helper()
	require.NoError(t, b.Start(context.Background()))
}

// receive waits for the next value on ch.
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		var zero T
		return zero
	}
}

// recordingDispatcher records dispatched envelopes. Fail lets a test reject
// selected envelopes.
type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []*transport.Message
	Fail       func(*transport.Message) error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg *transport.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		if err := d.Fail(msg); err != nil {
			return err
		}
	}
	d.dispatched = append(d.dispatched, msg)
	return nil
}

func (d *recordingDispatcher) Messages() []*transport.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*transport.Message(nil), d.dispatched...)
}

var errBrokerDown = errors.New("broker down")

// fixedClock returns a controllable clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
