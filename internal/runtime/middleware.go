package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/transit/internal/runtime/ids"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/transport"
)

const tracerName = "github.com/drblury/transit"

// Middleware wraps the handler every inbound envelope passes through before
// it is routed to a consumer.
type Middleware func(transport.Handler) transport.Handler

// MiddlewareBuilder constructs a middleware using the provided bus instance.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Bus) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a
// Bus. The first registration is the outermost wrapper.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by NewBus.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// FromWatermillMiddleware adapts a Watermill handler middleware so it can wrap
// envelope handlers. Messages produced by the Watermill handler are dropped.
func FromWatermillMiddleware(mw message.HandlerMiddleware) Middleware {
	return func(next transport.Handler) transport.Handler {
		wrapped := mw(func(wm *message.Message) ([]*message.Message, error) {
			return nil, next(wm.Context(), transport.FromWatermill(wm))
		})
		return func(ctx context.Context, msg *transport.Message) error {
			wm := msg.ToWatermill()
			wm.SetContext(ctx)
			_, err := wrapped(wm)
			return err
		}
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation
// identifier. The conversation id is used when present, otherwise a new ULID.
// Filled ids are marked with metadata.KeyCorrelationGenerated.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(next transport.Handler) transport.Handler {
	return func(ctx context.Context, msg *transport.Message) error {
		if msg.CorrelationID == "" {
			msg.CorrelationID = msg.ConversationID
			if msg.CorrelationID == "" {
				msg.CorrelationID = idspkg.CreateULID()
			}
			msg.Headers = msg.Headers.With(metadata.KeyCorrelationGenerated, "true")
		}
		return next(ctx, msg)
	}
}

// LogMessagesMiddleware logs the payload and envelope of handled messages at
// debug level. A nil logger uses the bus logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(b *Bus) (Middleware, error) {
			l := logger
			if l == nil {
				l = b.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, msg *transport.Message) error {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_id":      msg.MessageID,
				"message_type":    msg.MessageType,
				"correlation_id":  msg.CorrelationID,
				"conversation_id": msg.ConversationID,
				"source":          msg.SourceAddress,
				"endpoint":        deliveryFrom(ctx).endpoint,
				"payload":         string(msg.Body),
				"headers":         msg.Headers,
			})
			return next(ctx, msg)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(next transport.Handler) transport.Handler {
	return func(ctx context.Context, msg *transport.Message) error {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "transit.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.message.id", msg.MessageID),
				attribute.String("messaging.message.type", msg.MessageType),
				attribute.String("messaging.message.conversation_id", msg.ConversationID),
				attribute.String("messaging.destination.name", deliveryFrom(ctx).endpoint),
			),
		)
		defer span.End()

		err := next(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// MetricsMiddleware counts handled and failed deliveries and records their
// duration.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Bus) (Middleware, error) {
			return metricsMiddleware(b.metrics), nil
		},
	}
}

func metricsMiddleware(m *Metrics) Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, msg *transport.Message) error {
			endpoint := deliveryFrom(ctx).endpoint
			start := time.Now()
			err := next(ctx, msg)
			m.consumeDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				m.consumeFailed.WithLabelValues(endpoint, msg.MessageType).Inc()
			} else {
				m.consumed.WithLabelValues(endpoint, msg.MessageType).Inc()
			}
			return err
		}
	}
}

// RetryMiddleware retries handler execution with exponential backoff. Zero
// values fall back to the bus configuration, then to library defaults. A
// negative MaxRetries disables the middleware.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(b *Bus) (Middleware, error) {
			c := cfg
			if c.MaxRetries == 0 {
				c.MaxRetries = b.Conf.RetryMaxRetries
			}
			if c.InitialInterval == 0 {
				c.InitialInterval = b.Conf.RetryInitialInterval
			}
			if c.MaxInterval == 0 {
				c.MaxInterval = b.Conf.RetryMaxInterval
			}
			if c.MaxRetries < 0 {
				return nil, nil
			}
			return retryMiddlewareWithConfig(c, b.wmLogger), nil
		},
	}
}

func retryMiddlewareWithConfig(cfg RetryMiddlewareConfig, logger watermill.LoggerAdapter) Middleware {
	normalized := cfg.withDefaults()
	retry := middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if normalized.RetryIf != nil {
				return normalized.RetryIf(params.Err)
			}
			return true
		},
		Logger: logger,
	}
	return FromWatermillMiddleware(retry.Middleware)
}

// RecovererMiddleware converts panics into handler errors so the delivery can
// be retried or redelivered.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: FromWatermillMiddleware(middleware.Recoverer),
	}
}

// RegisterMiddleware appends mw to the chain. Middlewares must be registered
// before consumers start listening.
func (b *Bus) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(b)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	b.mu.Lock()
	b.middlewares = append(b.middlewares, mw)
	b.mu.Unlock()
	return nil
}

// chain wraps h with the registered middlewares, first registered outermost.
func (b *Bus) chain(h transport.Handler) transport.Handler {
	b.mu.Lock()
	mws := append([]Middleware(nil), b.middlewares...)
	b.mu.Unlock()

	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
