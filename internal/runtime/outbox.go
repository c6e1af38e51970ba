package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/messages"
	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/internal/runtime/persistence"
	"github.com/drblury/transit/transport"
)

// Dispatcher delivers a serialized envelope. *Bus implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *transport.Message) error
}

// Outbox stages messages in an OutboxStore instead of delivering them
// directly. The outbox processor delivers them later.
type Outbox struct {
	bus   *Bus
	store persistence.OutboxStore
}

func newOutbox(b *Bus, store persistence.OutboxStore) *Outbox {
	return &Outbox{bus: b, store: store}
}

// Store returns the underlying store.
func (o *Outbox) Store() persistence.OutboxStore { return o.store }

// NewSend builds the outbox row for sending msg to address without storing
// it. Pass it to a transactional store method (sqlstore.OutboxStore.AddTx)
// to commit it together with business data.
func (o *Outbox) NewSend(address string, msg any, opts ...SendOption) (persistence.OutboxMessage, error) {
	env, err := o.bus.newSend(address, msg, opts...)
	if err != nil {
		return persistence.OutboxMessage{}, err
	}
	return outboxRow(env), nil
}

// NewPublish builds the outbox row for publishing msg without storing it.
func (o *Outbox) NewPublish(msg any, opts ...SendOption) (persistence.OutboxMessage, error) {
	env, err := o.bus.envelope(msg, collectOptions(opts))
	if err != nil {
		return persistence.OutboxMessage{}, err
	}
	return outboxRow(env), nil
}

// Send stages msg for point-to-point delivery to address.
func (o *Outbox) Send(ctx context.Context, address string, msg any, opts ...SendOption) error {
	row, err := o.NewSend(address, msg, opts...)
	if err != nil {
		return err
	}
	return o.store.Add(ctx, row)
}

// Publish stages msg for publication.
func (o *Outbox) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	row, err := o.NewPublish(msg, opts...)
	if err != nil {
		return err
	}
	return o.store.Add(ctx, row)
}

func (o *Outbox) processor() *OutboxProcessor {
	c := o.bus.Conf
	return NewOutboxProcessor(o.store, o.bus, OutboxProcessorConfig{
		PollInterval:      c.Outbox.PollInterval,
		BatchSize:         c.Outbox.BatchSize,
		MaxAttempts:       c.Outbox.MaxAttempts,
		Retention:         c.Outbox.Retention,
		DeadLetterAddress: c.DeadLetterAddress,
		SourceAddress:     o.bus.address.String(),
		Types:             o.bus.types,
		Logger:            o.bus.Logger,
		Metrics:           o.bus.metrics,
		Hooks:             o.bus.hooks,
		Clock:             o.bus.now,
	})
}

// outboxRow copies env into a pending row. The message id doubles as the row
// id, so redelivered rows keep the id consumers deduplicate on.
func outboxRow(env *transport.Message) persistence.OutboxMessage {
	return persistence.OutboxMessage{
		ID:             env.MessageID,
		MessageType:    env.MessageType,
		Destination:    env.DestinationAddress,
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		ContentType:    env.ContentType,
		Headers:        env.Headers.Clone(),
		Body:           env.Body,
		EnqueuedTime:   env.SentTime,
	}
}

func outboxEnvelope(row persistence.OutboxMessage, source string, now time.Time) *transport.Message {
	return &transport.Message{
		MessageID:          row.ID,
		MessageType:        row.MessageType,
		CorrelationID:      row.CorrelationID,
		ConversationID:     row.ConversationID,
		SourceAddress:      source,
		DestinationAddress: row.Destination,
		ContentType:        row.ContentType,
		SentTime:           now.UTC(),
		Headers:            row.Headers.Clone(),
		Body:               row.Body,
	}
}

// OutboxProcessorConfig tunes an OutboxProcessor. Zero values use the
// defaults of config.Config.
type OutboxProcessorConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// Retention removes sent rows older than this after each poll. Zero
	// keeps them.
	Retention time.Duration
	// DeadLetterAddress receives rows given up on. Empty only marks them.
	DeadLetterAddress string
	// Types, when set, dead-letters published rows whose type is unknown.
	Types *messages.TypeRegistry
	// SourceAddress is stamped on dispatched envelopes.
	SourceAddress string

	Logger  loggingpkg.ServiceLogger
	Metrics *Metrics
	Hooks   JobHooks
	Clock   func() time.Time
}

// OutboxProcessor delivers pending outbox rows oldest first.
type OutboxProcessor struct {
	store      persistence.OutboxStore
	dispatcher Dispatcher
	cfg        OutboxProcessorConfig
	logger     loggingpkg.ServiceLogger
}

// NewOutboxProcessor returns a processor delivering rows of store through
// dispatcher.
func NewOutboxProcessor(store persistence.OutboxStore, dispatcher Dispatcher, cfg OutboxProcessorConfig) *OutboxProcessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &OutboxProcessor{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     loggingpkg.OrNop(cfg.Logger).With(loggingpkg.LogFields{"processor": "outbox"}),
	}
}

// Run polls until ctx is done.
func (p *OutboxProcessor) Run(ctx context.Context) error {
	return runEvery(ctx, p.cfg.PollInterval, func(ctx context.Context) {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Outbox poll failed", err, nil)
		}
	})
}

// PollOnce delivers one batch and returns how many rows were sent. Delivery
// failures stay on their rows; only store errors are returned.
func (p *OutboxProcessor) PollOnce(ctx context.Context) (int, error) {
	rows, err := p.store.Pending(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: load pending: %w", err)
	}

	sent := 0
	updated := make([]persistence.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if row.Destination == "" && p.cfg.Types != nil && !p.cfg.Types.Has(row.MessageType) {
			reason := fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageType, row.MessageType)
			row.Error = reason.Error()
			p.deadLetter(ctx, &row, reason)
			updated = append(updated, row)
			continue
		}

		env := outboxEnvelope(row, p.cfg.SourceAddress, p.cfg.Clock())
		job := JobContext{
			HandlerName: "outbox",
			Endpoint:    destinationLabel(row.Destination),
			MessageID:   row.ID,
			MessageType: row.MessageType,
			Headers:     row.Headers,
			Context:     ctx,
			Attempt:     row.Attempts + 1,
		}
		err := p.cfg.Hooks.run(job, func() error { return p.dispatcher.Dispatch(ctx, env) })
		if err == nil {
			at := p.cfg.Clock().UTC()
			row.SentTime = &at
			row.Error = ""
			sent++
			p.cfg.Metrics.outboxDispatched.WithLabelValues(row.MessageType).Inc()
			updated = append(updated, row)
			continue
		}

		failure := &errspkg.PublishFailure{
			MessageID:   row.ID,
			MessageType: row.MessageType,
			Destination: row.Destination,
			Err:         err,
		}
		row.Attempts++
		row.Error = failure.Error()
		p.cfg.Metrics.outboxFailed.WithLabelValues(row.MessageType).Inc()
		p.logger.Error("Outbox delivery failed", failure, loggingpkg.LogFields{
			"message_id": row.ID,
			"attempts":   row.Attempts,
		})
		if row.Attempts >= p.cfg.MaxAttempts {
			p.deadLetter(ctx, &row, failure)
		}
		updated = append(updated, row)
	}

	if len(updated) > 0 {
		if err := p.store.Update(ctx, updated...); err != nil {
			return sent, fmt.Errorf("outbox: save delivery state: %w", err)
		}
	}
	if p.cfg.Retention > 0 {
		if _, err := p.store.DeleteSentBefore(ctx, p.cfg.Clock().Add(-p.cfg.Retention)); err != nil {
			return sent, fmt.Errorf("outbox: cleanup: %w", err)
		}
	}
	return sent, nil
}

// deadLetter forwards row to the dead-letter address, if any, and marks it.
// A row whose forward fails stays pending.
func (p *OutboxProcessor) deadLetter(ctx context.Context, row *persistence.OutboxMessage, reason error) {
	if p.cfg.DeadLetterAddress != "" {
		env := outboxEnvelope(*row, p.cfg.SourceAddress, p.cfg.Clock())
		env.DestinationAddress = p.cfg.DeadLetterAddress
		env.Headers = env.Headers.With(metadata.KeyDeadLetterReason, reason.Error())
		if err := p.dispatcher.Dispatch(ctx, env); err != nil {
			p.logger.Error("Forwarding to dead letter address failed", err, loggingpkg.LogFields{
				"message_id":  row.ID,
				"dead_letter": transport.RedactURL(p.cfg.DeadLetterAddress),
			})
			return
		}
	}
	at := p.cfg.Clock().UTC()
	row.DeadLetteredTime = &at
	p.cfg.Metrics.outboxDeadLettered.WithLabelValues(row.MessageType).Inc()
	p.logger.Info("Outbox message dead-lettered", loggingpkg.LogFields{
		"message_id":   row.ID,
		"message_type": row.MessageType,
		"attempts":     row.Attempts,
		"reason":       reason.Error(),
	})
}

func destinationLabel(destination string) string {
	if destination == "" {
		return "publish"
	}
	return transport.RedactURL(destination)
}
