package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/messages"
	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/internal/runtime/persistence"
	"github.com/drblury/transit/transport"
)

// sagaStateSerializer encodes saga state. Protobuf states go through
// protojson, everything else through sonic.
var sagaStateSerializer messages.Serializer = messages.JSONSerializer{}

// SagaEngine runs saga handlers against persisted state, one message per
// saga instance at a time.
type SagaEngine struct {
	bus   *Bus
	store persistence.SagaStore
	locks *keyedMutex

	mu         sync.Mutex
	registered map[string]struct{}
}

// NewSagaEngine returns an engine persisting state in store.
func NewSagaEngine(b *Bus, store persistence.SagaStore) *SagaEngine {
	return &SagaEngine{
		bus:        b,
		store:      store,
		locks:      newKeyedMutex(),
		registered: map[string]struct{}{},
	}
}

// Store returns the saga store.
func (e *SagaEngine) Store() persistence.SagaStore { return e.store }

// SagaRegistration describes where a saga handler listens.
type SagaRegistration struct {
	// Address, Topic and Subscription select the endpoint like
	// ConsumerRegistration does.
	Address      string
	Topic        bool
	Subscription string
	// SagaType names the saga. Defaults to the type name of the state.
	SagaType string
	// MessageType overrides the type name derived from the message.
	MessageType string
	// RequireExisting ignores messages whose saga instance does not exist
	// yet instead of starting one.
	RequireExisting bool
}

// SagaHandler applies one message to saga state.
type SagaHandler[S, M any] func(ctx context.Context, sc *SagaContext[S, M]) error

// SagaContext gives a saga handler the message, the mutable state and
// messaging helpers. Messages sent through it are held back until the state
// is saved and dropped when the handler fails or the save is retried.
type SagaContext[S, M any] struct {
	*ConsumeContext[M]

	State         *S
	SagaType      string
	CorrelationID string
	// IsNew reports whether this message started the saga instance.
	IsNew bool

	completed bool
	outgoing  []*transport.Message
}

// MarkCompleted finishes the saga. Later messages for it are ignored.
func (c *SagaContext[S, M]) MarkCompleted() { c.completed = true }

// IsCompleted reports whether MarkCompleted was called.
func (c *SagaContext[S, M]) IsCompleted() bool { return c.completed }

// Publish queues msg for publication once the state is saved.
func (c *SagaContext[S, M]) Publish(_ context.Context, msg any, opts ...SendOption) error {
	env, err := c.bus.envelope(msg, collectOptions(append(c.follow(msg), opts...)))
	if err != nil {
		return err
	}
	c.outgoing = append(c.outgoing, env)
	return nil
}

// Send queues msg for address once the state is saved.
func (c *SagaContext[S, M]) Send(_ context.Context, address string, msg any, opts ...SendOption) error {
	env, err := c.bus.newSend(address, msg, append(c.follow(msg), opts...)...)
	if err != nil {
		return err
	}
	c.outgoing = append(c.outgoing, env)
	return nil
}

// Respond queues a reply to the requester once the state is saved.
func (c *SagaContext[S, M]) Respond(_ context.Context, reply any, opts ...SendOption) error {
	if c.env.ResponseAddress == "" {
		return errspkg.ErrNoResponseAddress
	}
	base := []SendOption{
		WithConversationID(c.env.ConversationID),
		WithCorrelationID(c.env.CorrelationID),
	}
	env, err := c.bus.newSend(c.env.ResponseAddress, reply, append(base, opts...)...)
	if err != nil {
		return err
	}
	c.outgoing = append(c.outgoing, env)
	return nil
}

// flush delivers the queued messages after the state has been saved. The
// save is already committed, so a failed dispatch is staged in the outbox
// for redelivery instead of failing the saga message.
func (c *SagaContext[S, M]) flush(ctx context.Context) {
	b := c.bus
	for _, env := range c.outgoing {
		err := b.Dispatch(ctx, env)
		if err == nil {
			continue
		}
		if !b.Conf.Outbox.Disabled {
			stageErr := b.outbox.store.Add(ctx, outboxRow(env))
			if stageErr == nil {
				c.Logger.Info("Saga message staged in outbox after dispatch failure", loggingpkg.LogFields{
					"outgoing_id":   env.MessageID,
					"outgoing_type": env.MessageType,
					"error":         err.Error(),
				})
				continue
			}
			err = errors.Join(err, stageErr)
		}
		b.metrics.sagaFlushFailed.WithLabelValues(c.SagaType, env.MessageType).Inc()
		c.Logger.Error("Saga message lost after state was saved", err, loggingpkg.LogFields{
			"outgoing_id":   env.MessageID,
			"outgoing_type": env.MessageType,
		})
	}
	c.outgoing = nil
}

// SagaStatus is the outcome of ExecuteSteps.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaCompensated  SagaStatus = "compensated"
	SagaFailed       SagaStatus = "failed"
)

// SagaStep is one forward action of a saga with its optional compensation.
type SagaStep[S any] struct {
	Name       string
	Execute    func(ctx context.Context, state *S) error
	Compensate func(ctx context.Context, state *S) error
}

// ExecuteSteps runs steps in order. When a step fails, the compensations of
// the steps that already ran are called in reverse order. The result is
// SagaCompleted, SagaCompensated (step error returned) or SagaFailed (step
// and compensation errors returned). The saga is not marked completed.
func (c *SagaContext[S, M]) ExecuteSteps(ctx context.Context, steps ...SagaStep[S]) (SagaStatus, error) {
	for i, step := range steps {
		if step.Execute == nil {
			continue
		}
		err := step.Execute(ctx, c.State)
		if err == nil {
			continue
		}
		stepErr := fmt.Errorf("saga step %s: %w", step.Name, err)
		c.Logger.Info("Saga step failed, compensating", loggingpkg.LogFields{
			"saga_type": c.SagaType,
			"step":      step.Name,
			"status":    string(SagaCompensating),
		})

		errs := []error{stepErr}
		for j := i - 1; j >= 0; j-- {
			comp := steps[j].Compensate
			if comp == nil {
				continue
			}
			if cerr := comp(ctx, c.State); cerr != nil {
				errs = append(errs, fmt.Errorf("compensate %s: %w", steps[j].Name, cerr))
			}
		}
		if len(errs) > 1 {
			return SagaFailed, errors.Join(errs...)
		}
		return SagaCompensated, stepErr
	}
	return SagaCompleted, nil
}

// RegisterSaga registers handler for messages of type M on saga state S.
// Each (state, message) pair may be registered once.
func RegisterSaga[S, M any](e *SagaEngine, reg SagaRegistration, handler SagaHandler[S, M]) error {
	if e == nil || e.bus == nil {
		return errspkg.ErrBusRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if e.store == nil {
		return errspkg.ErrStoreRequired
	}

	sagaType := reg.SagaType
	if sagaType == "" {
		sagaType = messages.TypeName(new(S))
	}
	msgType, err := registerMessageType[M](e.bus, reg.MessageType)
	if err != nil {
		return err
	}

	key := sagaType + "|" + msgType
	e.mu.Lock()
	if _, dup := e.registered[key]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%w: saga %s already handles %s", errspkg.ErrHandlerAlreadyExists, sagaType, msgType)
	}
	e.registered[key] = struct{}{}
	e.mu.Unlock()

	name := "saga:" + sagaType
	c := &consumer{
		name:        name,
		messageType: msgType,
		handle: func(ctx context.Context, env *transport.Message) error {
			return handleSaga(ctx, e, reg, sagaType, env, handler)
		},
	}
	err = e.bus.addConsumer(ConsumerRegistration{
		Name:         name,
		Address:      reg.Address,
		Topic:        reg.Topic,
		Subscription: reg.Subscription,
		MessageType:  msgType,
	}, c)
	if err != nil {
		e.mu.Lock()
		delete(e.registered, key)
		e.mu.Unlock()
	}
	return err
}

// sagaCorrelationID picks the instance key: the message's own correlation
// id, then the one the envelope arrived with. Ids filled in on receipt are
// not used, so such messages are dropped rather than each starting an
// instance of their own.
func sagaCorrelationID(msg any, env *transport.Message) string {
	if id := messages.CorrelationID(msg); id != "" {
		return id
	}
	if env.Headers[metadata.KeyCorrelationGenerated] != "" {
		return ""
	}
	return env.CorrelationID
}

func handleSaga[S, M any](ctx context.Context, e *SagaEngine, reg SagaRegistration, sagaType string, env *transport.Message, handler SagaHandler[S, M]) error {
	b := e.bus
	msg, err := messages.Decode[M](b.serializers.For(env.ContentType), env.Body)
	if err != nil {
		b.Logger.Error("Dropping undecodable saga message", err, loggingpkg.LogFields{
			"saga_type":    sagaType,
			"message_id":   env.MessageID,
			"message_type": env.MessageType,
		})
		return nil
	}

	correlationID := sagaCorrelationID(msg, env)
	if correlationID == "" {
		b.Logger.Error("Dropping saga message without correlation", errspkg.ErrCorrelationIDRequired, loggingpkg.LogFields{
			"saga_type":  sagaType,
			"message_id": env.MessageID,
		})
		return nil
	}

	unlock := e.locks.Lock(sagaType + "/" + correlationID)
	defer unlock()

	logger := b.Logger.With(loggingpkg.LogFields{
		"saga_type":      sagaType,
		"correlation_id": correlationID,
		"message_type":   env.MessageType,
		"message_id":     env.MessageID,
	})

	for attempt := 0; ; attempt++ {
		rec, err := e.store.Load(ctx, sagaType, correlationID)
		state := new(S)
		isNew := false
		switch {
		case errors.Is(err, errspkg.ErrSagaStateNotFound):
			if reg.RequireExisting {
				logger.Debug("No saga instance for message, ignoring", nil)
				return nil
			}
			isNew = true
			now := b.now().UTC()
			rec = persistence.SagaRecord{
				SagaType:       sagaType,
				CorrelationID:  correlationID,
				ConversationID: env.ConversationID,
				CreatedTime:    now,
			}
		case err != nil:
			return fmt.Errorf("saga %s: load %s: %w", sagaType, correlationID, err)
		default:
			if rec.Completed {
				b.metrics.sagaCompletedIgnored.WithLabelValues(sagaType, env.MessageType).Inc()
				logger.Info("Saga already completed, ignoring message", nil)
				return nil
			}
			if err := sagaStateSerializer.Unmarshal(rec.State, state); err != nil {
				return fmt.Errorf("saga %s: decode state of %s: %w", sagaType, correlationID, err)
			}
		}

		sc := &SagaContext[S, M]{
			ConsumeContext: &ConsumeContext[M]{
				Message: msg,
				Info:    messages.ContextFrom(env),
				Logger:  logger,
				bus:     b,
				env:     env,
			},
			State:         state,
			SagaType:      sagaType,
			CorrelationID: correlationID,
			IsNew:         isNew,
		}
		if err := handler(ctx, sc); err != nil {
			return &errspkg.SagaHandlerError{
				SagaType:      sagaType,
				MessageType:   env.MessageType,
				CorrelationID: correlationID,
				Err:           err,
			}
		}

		data, err := sagaStateSerializer.Marshal(state)
		if err != nil {
			return fmt.Errorf("saga %s: encode state of %s: %w", sagaType, correlationID, err)
		}
		rec.State = data
		rec.Completed = sc.completed
		rec.UpdatedTime = b.now().UTC()

		if _, err := e.store.Save(ctx, rec); err != nil {
			if !errors.Is(err, errspkg.ErrConcurrencyConflict) {
				return fmt.Errorf("saga %s: save %s: %w", sagaType, correlationID, err)
			}
			b.metrics.sagaConflicts.WithLabelValues(sagaType).Inc()
			if attempt < b.Conf.Saga.MaxConflictRetries {
				logger.Debug("Saga version conflict, reloading", loggingpkg.LogFields{"attempt": attempt + 1})
				continue
			}
			return fmt.Errorf("saga %s: save %s after %d attempts: %w", sagaType, correlationID, attempt+1, err)
		}

		b.metrics.sagaHandled.WithLabelValues(sagaType, env.MessageType).Inc()
		if sc.completed {
			logger.Info("Saga completed", nil)
		}
		sc.flush(ctx)
		return nil
	}
}
