package transit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/transit/transport/channel"
)

type bookingRequested struct {
	BookingID string `json:"booking_id"`
}

func (b bookingRequested) GetCorrelationID() string { return b.BookingID }

type bookingState struct {
	Requests int
}

func newExportedBus(t *testing.T) *Bus {
	t.Helper()
	registry := NewTransportRegistry()
	channel.Register(registry)
	b, err := NewBus(&Config{
		ServiceName:     "bookings",
		Address:         "mem://local/bookings",
		RetryMaxRetries: -1,
		Outbox:          OutboxConfig{Disabled: true},
		Scheduler:       SchedulerConfig{Disabled: true},
	}, NewNopServiceLogger(), BusDependencies{
		Registry:          registry,
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func TestGenericExportsRequireBus(t *testing.T) {
	handler := func(context.Context, *ConsumeContext[bookingRequested]) error { return nil }
	if err := RegisterConsumer(nil, ConsumerRegistration{}, handler); !errors.Is(err, ErrBusRequired) {
		t.Fatalf("expected bus required error, got %v", err)
	}

	saga := func(context.Context, *SagaContext[bookingState, bookingRequested]) error { return nil }
	if err := RegisterSaga(nil, SagaRegistration{}, saga); !errors.Is(err, ErrBusRequired) {
		t.Fatalf("expected bus required error, got %v", err)
	}

	if _, err := Request[bookingState](context.Background(), nil, "mem://local/x", bookingRequested{}, time.Second); !errors.Is(err, ErrBusRequired) {
		t.Fatalf("expected bus required error, got %v", err)
	}

	if _, err := RegisterType[bookingRequested](nil); !errors.Is(err, ErrBusRequired) {
		t.Fatalf("expected bus required error, got %v", err)
	}
}

func TestExportedBusRoundTrip(t *testing.T) {
	b := newExportedBus(t)
	got := make(chan bookingRequested, 1)

	err := RegisterConsumer(b, ConsumerRegistration{Name: "desk"}, func(_ context.Context, mc *ConsumeContext[bookingRequested]) error {
		got <- mc.Message
		return nil
	})
	if err != nil {
		t.Fatalf("register consumer: %v", err)
	}
	err = RegisterSaga(b, SagaRegistration{SagaType: "booking"}, func(_ context.Context, sc *SagaContext[bookingState, bookingRequested]) error {
		sc.State.Requests++
		return nil
	})
	if err != nil {
		t.Fatalf("register saga: %v", err)
	}

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Send(ctx, "mem://local/bookings", bookingRequested{BookingID: "b-1"}, WithHeader("tenant", "acme")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-got:
		if msg.BookingID != "b-1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRegisterTypeAsExport(t *testing.T) {
	b := newExportedBus(t)
	if err := RegisterTypeAs[bookingRequested](b, "bookings.requested"); err != nil {
		t.Fatalf("register type: %v", err)
	}
	if name, err := RegisterType[bookingRequested](b); err != nil || name != TypeName(bookingRequested{}) {
		t.Fatalf("unexpected type name %q (%v)", name, err)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestMemoryStoreExports(t *testing.T) {
	var _ OutboxStore = NewMemoryOutboxStore()
	var _ InboxStore = NewMemoryInboxStore()
	var _ ScheduledMessageStore = NewMemoryScheduledMessageStore()
	var _ SagaStore = NewMemorySagaStore()

	if CreateULID() == "" {
		t.Fatal("expected ulid")
	}
}
