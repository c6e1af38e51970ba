package runtime

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/persistence"
	"github.com/drblury/transit/transport"
)

// InboxConfig holds the optional collaborators of an Inbox.
type InboxConfig struct {
	Logger  loggingpkg.ServiceLogger
	Metrics *Metrics
	Clock   func() time.Time
}

// Inbox deduplicates deliveries per consumer key.
type Inbox struct {
	store   persistence.InboxStore
	logger  loggingpkg.ServiceLogger
	metrics *Metrics
	now     func() time.Time
}

// NewInbox returns an Inbox over store.
func NewInbox(store persistence.InboxStore, cfg InboxConfig) *Inbox {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Inbox{
		store:   store,
		logger:  loggingpkg.OrNop(cfg.Logger),
		metrics: metrics,
		now:     now,
	}
}

// Process runs fn unless messageID was already processed under consumerKey,
// in which case errors.ErrDuplicateDelivery is returned without calling fn.
// The row is marked processed only when fn succeeds.
func (i *Inbox) Process(ctx context.Context, consumerKey, messageID string, fn func() error) error {
	if messageID == "" {
		return fn()
	}
	state, _, err := i.store.Claim(ctx, messageID, consumerKey, i.now().UTC())
	if err != nil {
		return err
	}
	if state.IsProcessed() {
		return errspkg.ErrDuplicateDelivery
	}
	if err := fn(); err != nil {
		return err
	}
	return i.store.MarkProcessed(ctx, messageID, consumerKey, i.now().UTC())
}

// Wrap returns a handler that skips deliveries already processed under
// consumerKey. Duplicates are acknowledged.
func (i *Inbox) Wrap(consumerKey string, next transport.Handler) transport.Handler {
	return func(ctx context.Context, env *transport.Message) error {
		err := i.Process(ctx, consumerKey, env.MessageID, func() error { return next(ctx, env) })
		if errors.Is(err, errspkg.ErrDuplicateDelivery) {
			i.metrics.duplicates.WithLabelValues(consumerKey).Inc()
			i.logger.Debug("Skipping duplicate delivery", loggingpkg.LogFields{
				"consumer_key": consumerKey,
				"message_id":   env.MessageID,
				"message_type": env.MessageType,
			})
			return nil
		}
		return err
	}
}

// Cleanup removes rows processed longer than retention ago.
func (i *Inbox) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return i.store.DeleteProcessedBefore(ctx, i.now().Add(-retention))
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (i *Inbox) RunCleanup(ctx context.Context, interval, retention time.Duration) error {
	return runEvery(ctx, interval, func(ctx context.Context) {
		n, err := i.Cleanup(ctx, retention)
		if err != nil {
			i.logger.Error("Inbox cleanup failed", err, nil)
			return
		}
		if n > 0 {
			i.logger.Debug("Inbox cleanup removed rows", loggingpkg.LogFields{"rows": n})
		}
	})
}

// runEvery calls fn immediately and then on every tick until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
