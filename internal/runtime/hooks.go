package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/transport"
)

// JobContext provides information about a job execution to hooks. Jobs are
// consumer deliveries as well as outbox and scheduler dispatches.
type JobContext struct {
	// HandlerName is the consumer name, or "outbox" / "scheduler" for
	// background dispatches.
	HandlerName string
	// Endpoint is the endpoint the message was received from, or the
	// destination a background dispatch targets.
	Endpoint string
	// MessageID is the unique identifier of the message.
	MessageID   string
	MessageType string
	// Headers contains the application headers.
	Headers metadata.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Attempt counts background dispatch attempts, starting at 1. Zero for
	// consumer deliveries.
	Attempt int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler or dispatch runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when a handler successfully completes processing.
	// Duration will be set to how long the handler took.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when a handler returns an error.
	// Duration will be set to how long the handler took before failing.
	OnJobError func(ctx JobContext, err error)
}

// IsZero reports whether no hook is set.
func (h JobHooks) IsZero() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// run invokes fn between the start and completion hooks.
func (h JobHooks) run(job JobContext, fn func() error) error {
	job.StartedAt = time.Now()
	if h.OnJobStart != nil {
		h.OnJobStart(job)
	}

	err := fn()

	job.Duration = time.Since(job.StartedAt)
	if err != nil {
		if h.OnJobError != nil {
			h.OnJobError(job, err)
		}
	} else if h.OnJobDone != nil {
		h.OnJobDone(job)
	}
	return err
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// around every consumer delivery.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) Middleware {
	return func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, msg *transport.Message) error {
			job := JobContext{
				HandlerName: deliveryFrom(ctx).consumer,
				Endpoint:    deliveryFrom(ctx).endpoint,
				MessageID:   msg.MessageID,
				MessageType: msg.MessageType,
				Headers:     msg.Headers,
				Context:     ctx,
			}
			return hooks.run(job, func() error { return next(ctx, msg) })
		}
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"endpoint":     ctx.Endpoint,
				"message_id":   ctx.MessageID,
				"message_type": ctx.MessageType,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"endpoint":    ctx.Endpoint,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"endpoint":    ctx.Endpoint,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"attempt":     ctx.Attempt,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(handlerName, endpoint string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Endpoint)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Endpoint)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Endpoint)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
