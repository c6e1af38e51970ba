package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// Resilience configures retry and circuit breaking around Send and Publish.
// The zero value disables both.
type Resilience struct {
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	BreakerEnabled bool
	// BreakerFailureRatio trips the breaker once this share of requests in the
	// sampling window has failed.
	BreakerFailureRatio float64
	// BreakerMinRequests is the minimum throughput before the ratio is evaluated.
	BreakerMinRequests uint32
	// BreakerInterval is the sampling window of the closed state.
	BreakerInterval time.Duration
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// DefaultResilience retries three times with jittered exponential backoff from
// 200ms and breaks for 10s once half of at least 10 requests failed within 30s.
func DefaultResilience() Resilience {
	return Resilience{
		RetryMaxAttempts:     3,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		BreakerEnabled:       true,
		BreakerFailureRatio:  0.5,
		BreakerMinRequests:   10,
		BreakerInterval:      30 * time.Second,
		BreakerTimeout:       10 * time.Second,
	}
}

// Enabled reports whether any policy is active.
func (r Resilience) Enabled() bool {
	return r.RetryMaxAttempts > 1 || r.BreakerEnabled
}

func (r Resilience) validate() []error {
	var errs []error
	if r.RetryMaxAttempts < 0 {
		errs = append(errs, errors.New("resilience: retry attempts cannot be negative"))
	}
	if r.RetryInitialInterval < 0 || r.RetryMaxInterval < 0 {
		errs = append(errs, errors.New("resilience: retry intervals cannot be negative"))
	}
	if r.RetryMaxInterval > 0 && r.RetryInitialInterval > r.RetryMaxInterval {
		errs = append(errs, errors.New("resilience: initial interval cannot exceed max interval"))
	}
	if r.BreakerFailureRatio < 0 || r.BreakerFailureRatio > 1 {
		errs = append(errs, errors.New("resilience: breaker failure ratio must be within [0,1]"))
	}
	return errs
}

func (r Resilience) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2
	if r.RetryInitialInterval > 0 {
		b.InitialInterval = r.RetryInitialInterval
	}
	if r.RetryMaxInterval > 0 {
		b.MaxInterval = r.RetryMaxInterval
	}
	return b
}

func (r Resilience) newBreaker(name string) *gobreaker.CircuitBreaker {
	ratio := r.BreakerFailureRatio
	if ratio == 0 {
		ratio = 0.5
	}
	minRequests := r.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: r.BreakerInterval,
		Timeout:  r.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// WithResilience wraps host so Send and Publish run through the configured
// circuit breaker and retry policy. Listen and Close pass through. The host is
// returned unchanged when no policy is enabled.
func WithResilience(host Host, policy Resilience) Host {
	if host == nil || !policy.Enabled() {
		return host
	}
	rh := &resilientHost{Host: host, policy: policy}
	if policy.BreakerEnabled {
		rh.breaker = policy.newBreaker(host.Address().Key())
	}
	return rh
}

type resilientHost struct {
	Host
	policy  Resilience
	breaker *gobreaker.CircuitBreaker
}

func (h *resilientHost) Send(ctx context.Context, dest Address, msg *Message) error {
	return h.run(ctx, func() error { return h.Host.Send(ctx, dest, msg) })
}

func (h *resilientHost) Publish(ctx context.Context, msg *Message) error {
	return h.run(ctx, func() error { return h.Host.Publish(ctx, msg) })
}

// Start forwards to the wrapped host when it is a Starter.
func (h *resilientHost) Start(ctx context.Context) error {
	if s, ok := h.Host.(Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

// Unwrap returns the wrapped host.
func (h *resilientHost) Unwrap() Host { return h.Host }

func (h *resilientHost) run(ctx context.Context, op func() error) error {
	attempt := op
	if h.breaker != nil {
		attempt = func() error {
			_, err := h.breaker.Execute(func() (interface{}, error) {
				return nil, op()
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
	}

	tries := h.policy.RetryMaxAttempts
	if tries < 1 {
		tries = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, attempt()
	}, backoff.WithBackOff(h.policy.newBackOff()), backoff.WithMaxTries(uint(tries)), backoff.WithMaxElapsedTime(0))
	return err
}
