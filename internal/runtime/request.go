package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	idspkg "github.com/drblury/transit/internal/runtime/ids"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/messages"
	"github.com/drblury/transit/transport"
)

// requestClient owns the reply endpoint of a bus instance and the table of
// requests waiting for a reply, keyed by conversation id.
type requestClient struct {
	bus     *Bus
	address transport.Address

	listenMu  sync.Mutex
	listening bool

	mu      sync.Mutex
	pending map[string]chan *transport.Message
}

func newRequestClient(b *Bus) *requestClient {
	return &requestClient{
		bus:     b,
		address: b.address.Join("responses", idspkg.CreateULID()),
		pending: map[string]chan *transport.Message{},
	}
}

// ensureListening subscribes the reply endpoint on first use.
func (r *requestClient) ensureListening(ctx context.Context) error {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	if r.listening {
		return nil
	}
	host, err := r.bus.provider.GetHost(ctx, r.address)
	if err != nil {
		return err
	}
	if err := host.Listen(r.bus.runCtx, transport.Endpoint{Address: r.address}, r.deliver); err != nil {
		return fmt.Errorf("listen for replies on %s: %w", r.address, err)
	}
	r.listening = true
	return nil
}

func (r *requestClient) add(conversationID string) chan *transport.Message {
	ch := make(chan *transport.Message, 1)
	r.mu.Lock()
	r.pending[conversationID] = ch
	r.mu.Unlock()
	r.bus.metrics.pendingRequests.Inc()
	return ch
}

func (r *requestClient) remove(conversationID string) {
	r.mu.Lock()
	_, ok := r.pending[conversationID]
	delete(r.pending, conversationID)
	r.mu.Unlock()
	if ok {
		r.bus.metrics.pendingRequests.Dec()
	}
}

func (r *requestClient) waiting(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[conversationID]
	return ok
}

// deliver hands a reply to its waiter. Replies nobody waits for are dropped.
func (r *requestClient) deliver(_ context.Context, env *transport.Message) error {
	r.mu.Lock()
	ch, ok := r.pending[env.ConversationID]
	r.mu.Unlock()
	if !ok {
		r.bus.Logger.Debug("Dropping unmatched reply", loggingpkg.LogFields{
			"conversation_id": env.ConversationID,
			"message_id":      env.MessageID,
			"message_type":    env.MessageType,
		})
		return nil
	}
	select {
	case ch <- env:
	default:
	}
	return nil
}

// Request sends req to address and waits for the reply decoded as TRes. A
// zero timeout uses the configured default. When no reply arrives in time a
// *errors.RequestTimeoutError is returned.
func Request[TRes, TReq any](ctx context.Context, b *Bus, address string, req TReq, timeout time.Duration, opts ...SendOption) (TRes, error) {
	var zero TRes
	if b == nil {
		return zero, errspkg.ErrBusRequired
	}
	if timeout <= 0 {
		timeout = b.Conf.DefaultRequestTimeout
	}
	if err := b.requests.ensureListening(ctx); err != nil {
		return zero, err
	}

	conversationID := idspkg.CreateULID()
	opts = append(opts,
		WithConversationID(conversationID),
		WithResponseAddress(b.requests.address.String()),
	)
	env, err := b.newSend(address, req, opts...)
	if err != nil {
		return zero, err
	}

	ch := b.requests.add(conversationID)
	defer b.requests.remove(conversationID)

	if err := b.Dispatch(ctx, env); err != nil {
		return zero, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return messages.Decode[TRes](b.serializers.For(reply.ContentType), reply.Body)
	case <-timer.C:
		b.metrics.requestTimeouts.WithLabelValues(env.MessageType).Inc()
		return zero, &errspkg.RequestTimeoutError{
			ConversationID: conversationID,
			MessageType:    env.MessageType,
			Timeout:        timeout,
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-b.done:
		return zero, errspkg.ErrBusStopped
	}
}
