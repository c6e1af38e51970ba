package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	idspkg "github.com/drblury/transit/internal/runtime/ids"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/internal/runtime/persistence"
	"github.com/drblury/transit/transport"
)

// Scheduler holds messages back until their due time.
type Scheduler struct {
	bus   *Bus
	store persistence.ScheduledMessageStore
}

func newScheduler(b *Bus, store persistence.ScheduledMessageStore) *Scheduler {
	return &Scheduler{bus: b, store: store}
}

// Store returns the underlying store.
func (s *Scheduler) Store() persistence.ScheduledMessageStore { return s.store }

// Schedule publishes msg once due has passed and returns the token that
// cancels it.
func (s *Scheduler) Schedule(ctx context.Context, msg any, due time.Time, opts ...SendOption) (string, error) {
	env, err := s.bus.envelope(msg, collectOptions(opts))
	if err != nil {
		return "", err
	}
	return s.add(ctx, env, due)
}

// ScheduleSend sends msg to address once due has passed.
func (s *Scheduler) ScheduleSend(ctx context.Context, address string, msg any, due time.Time, opts ...SendOption) (string, error) {
	env, err := s.bus.newSend(address, msg, opts...)
	if err != nil {
		return "", err
	}
	return s.add(ctx, env, due)
}

// Cancel removes a scheduled message. Unknown or already delivered tokens
// return errors.ErrScheduledTokenNotFound.
func (s *Scheduler) Cancel(ctx context.Context, token string) error {
	return s.store.Delete(ctx, token)
}

func (s *Scheduler) add(ctx context.Context, env *transport.Message, due time.Time) (string, error) {
	token := idspkg.CreateULID()
	row := persistence.ScheduledMessage{
		TokenID:        token,
		MessageType:    env.MessageType,
		Destination:    env.DestinationAddress,
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		ContentType:    env.ContentType,
		Headers:        env.Headers,
		Body:           env.Body,
		DueTime:        due.UTC(),
		CreatedTime:    s.bus.now().UTC(),
	}
	if err := s.store.Add(ctx, row); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Scheduler) processor() *ScheduledMessageProcessor {
	c := s.bus.Conf
	return NewScheduledMessageProcessor(s.store, s.bus, ScheduledMessageProcessorConfig{
		PollInterval:      c.Scheduler.PollInterval,
		BatchSize:         c.Scheduler.BatchSize,
		MaxAttempts:       c.Scheduler.MaxAttempts,
		DeadLetterAddress: c.DeadLetterAddress,
		SourceAddress:     s.bus.address.String(),
		Logger:            s.bus.Logger,
		Metrics:           s.bus.metrics,
		Hooks:             s.bus.hooks,
		Clock:             s.bus.now,
	})
}

// ScheduledMessageProcessorConfig tunes a ScheduledMessageProcessor.
type ScheduledMessageProcessorConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	MaxAttempts       int
	DeadLetterAddress string
	SourceAddress     string

	Logger  loggingpkg.ServiceLogger
	Metrics *Metrics
	Hooks   JobHooks
	Clock   func() time.Time
}

// ScheduledMessageProcessor delivers due messages in due-time order.
type ScheduledMessageProcessor struct {
	store      persistence.ScheduledMessageStore
	dispatcher Dispatcher
	cfg        ScheduledMessageProcessorConfig
	logger     loggingpkg.ServiceLogger
}

// NewScheduledMessageProcessor returns a processor delivering rows of store
// through dispatcher.
func NewScheduledMessageProcessor(store persistence.ScheduledMessageStore, dispatcher Dispatcher, cfg ScheduledMessageProcessorConfig) *ScheduledMessageProcessor {
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
	return &ScheduledMessageProcessor{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     loggingpkg.OrNop(cfg.Logger).With(loggingpkg.LogFields{"processor": "scheduler"}),
	}
}

// Run polls until ctx is done.
func (p *ScheduledMessageProcessor) Run(ctx context.Context) error {
	return runEvery(ctx, p.cfg.PollInterval, func(ctx context.Context) {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Scheduler poll failed", err, nil)
		}
	})
}

// PollOnce delivers the rows due now and returns how many were delivered.
// The token is used as message id.
func (p *ScheduledMessageProcessor) PollOnce(ctx context.Context) (int, error) {
	rows, err := p.store.Due(ctx, p.cfg.Clock(), p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: load due: %w", err)
	}

	delivered := 0
	var errs []error
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		env := p.envelope(row)
		job := JobContext{
			HandlerName: "scheduler",
			Endpoint:    destinationLabel(row.Destination),
			MessageID:   row.TokenID,
			MessageType: row.MessageType,
			Headers:     row.Headers,
			Context:     ctx,
			Attempt:     row.Attempts + 1,
		}
		err := p.cfg.Hooks.run(job, func() error { return p.dispatcher.Dispatch(ctx, env) })
		if err == nil {
			if err := p.store.Delete(ctx, row.TokenID); err != nil && !errors.Is(err, errspkg.ErrScheduledTokenNotFound) {
				errs = append(errs, err)
			}
			delivered++
			p.cfg.Metrics.scheduledDelivered.WithLabelValues(row.MessageType).Inc()
			continue
		}

		failure := &errspkg.PublishFailure{
			MessageID:   row.TokenID,
			MessageType: row.MessageType,
			Destination: row.Destination,
			Err:         err,
		}
		row.Attempts++
		row.Error = failure.Error()
		p.cfg.Metrics.scheduledFailed.WithLabelValues(row.MessageType).Inc()
		p.logger.Error("Scheduled delivery failed", failure, loggingpkg.LogFields{
			"token":    row.TokenID,
			"attempts": row.Attempts,
		})
		if row.Attempts >= p.cfg.MaxAttempts && p.deadLetter(ctx, row, failure) {
			if err := p.store.Delete(ctx, row.TokenID); err != nil && !errors.Is(err, errspkg.ErrScheduledTokenNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if err := p.store.Update(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return delivered, fmt.Errorf("scheduler: save delivery state: %w", err)
	}
	return delivered, nil
}

func (p *ScheduledMessageProcessor) envelope(row persistence.ScheduledMessage) *transport.Message {
	return &transport.Message{
		MessageID:          row.TokenID,
		MessageType:        row.MessageType,
		CorrelationID:      row.CorrelationID,
		ConversationID:     row.ConversationID,
		SourceAddress:      p.cfg.SourceAddress,
		DestinationAddress: row.Destination,
		ContentType:        row.ContentType,
		SentTime:           p.cfg.Clock().UTC(),
		Headers:            row.Headers.With(metadata.KeyScheduledToken, row.TokenID),
		Body:               row.Body,
	}
}

// deadLetter forwards row to the dead-letter address, if any. It reports
// whether the row may be removed.
func (p *ScheduledMessageProcessor) deadLetter(ctx context.Context, row persistence.ScheduledMessage, reason error) bool {
	if p.cfg.DeadLetterAddress != "" {
		env := p.envelope(row)
		env.DestinationAddress = p.cfg.DeadLetterAddress
		env.Headers = env.Headers.With(metadata.KeyDeadLetterReason, reason.Error())
		if err := p.dispatcher.Dispatch(ctx, env); err != nil {
			p.logger.Error("Forwarding to dead letter address failed", err, loggingpkg.LogFields{
				"token":       row.TokenID,
				"dead_letter": transport.RedactURL(p.cfg.DeadLetterAddress),
			})
			return false
		}
	}
	p.cfg.Metrics.scheduledDeadLettered.WithLabelValues(row.MessageType).Inc()
	p.logger.Info("Scheduled message dead-lettered", loggingpkg.LogFields{
		"token":        row.TokenID,
		"message_type": row.MessageType,
		"attempts":     row.Attempts,
		"reason":       reason.Error(),
	})
	return true
}
