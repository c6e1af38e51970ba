package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/drblury/transit/transport"
)

// Defaults applied by WithDefaults to zero values.
const (
	DefaultRequestTimeout     = 30 * time.Second
	DefaultPollInterval       = 10 * time.Second
	DefaultBatchSize          = 100
	DefaultMaxAttempts        = 5
	DefaultMaxConflictRetries = 3
)

// Config groups the settings required to initialise a Bus.
type Config struct {
	// ServiceName is reported in logs and used as the default consumer key.
	ServiceName string

	// Address is the bus's own address. Replies to requests are received at
	// <Address>/responses/<instance>, and publishes without a route use the
	// host of this address. Example: "amqp://broker/bookings".
	Address string

	// Hosts carries per-backend settings. Addresses without an entry are
	// built from the address alone.
	Hosts []transport.Settings

	// DefaultRequestTimeout applies when Request is called without a timeout.
	DefaultRequestTimeout time.Duration

	// DeadLetterAddress receives envelopes the outbox and scheduler gave up
	// on. Empty keeps them on their rows only.
	DeadLetterAddress string

	Outbox    OutboxConfig
	Scheduler SchedulerConfig
	Inbox     InboxConfig
	Saga      SagaConfig

	// Consumer retry tuning. Zero values fall back to library defaults;
	// RetryMaxRetries < 0 disables the retry middleware.
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Metrics configuration.
	MetricsEnabled bool
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int
}

// OutboxConfig tunes the outbox processor.
type OutboxConfig struct {
	Disabled     bool
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts is the number of failed publishes before a row is
	// dead-lettered.
	MaxAttempts int
	// Retention removes sent rows older than this. Zero keeps them.
	Retention time.Duration
}

// SchedulerConfig tunes the scheduled message processor.
type SchedulerConfig struct {
	Disabled     bool
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// InboxConfig tunes inbox garbage collection.
type InboxConfig struct {
	// Retention removes processed rows older than this. Zero keeps them.
	Retention       time.Duration
	CleanupInterval time.Duration
}

// SagaConfig tunes the saga engine.
type SagaConfig struct {
	// MaxConflictRetries bounds reloads after an optimistic version conflict.
	MaxConflictRetries int
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.DefaultRequestTimeout == 0 {
		c.DefaultRequestTimeout = DefaultRequestTimeout
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = DefaultPollInterval
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = DefaultBatchSize
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = DefaultMaxAttempts
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = DefaultPollInterval
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = DefaultBatchSize
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = DefaultMaxAttempts
	}
	if c.Inbox.CleanupInterval == 0 {
		c.Inbox.CleanupInterval = time.Hour
	}
	if c.Saga.MaxConflictRetries == 0 {
		c.Saga.MaxConflictRetries = DefaultMaxConflictRetries
	}
	return c
}

// SettingsFor returns the configured settings for address, or settings
// derived from the address alone.
func (c *Config) SettingsFor(address transport.Address) transport.Settings {
	for _, s := range c.Hosts {
		if parsed, err := s.ParsedAddress(); err == nil && parsed.Key() == address.Key() {
			return s
		}
	}
	return transport.SettingsFor(address)
}

func (c Config) String() string {
	// Hosts redact themselves through Settings.String.
	copy := c
	copy.DeadLetterAddress = transport.RedactURL(copy.DeadLetterAddress)
	copy.Address = transport.RedactURL(copy.Address)
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateAddresses()...)
	errs = append(errs, c.validateProcessors()...)
	errs = append(errs, c.validateRetry()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateAddresses() []error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address: bus address is required"))
	} else if _, err := transport.ParseAddress(c.Address); err != nil {
		errs = append(errs, fmt.Errorf("address: %w", err))
	}
	if c.DeadLetterAddress != "" {
		if _, err := transport.ParseAddress(c.DeadLetterAddress); err != nil {
			errs = append(errs, fmt.Errorf("dead letter address: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, h := range c.Hosts {
		if err := h.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("hosts[%d]: %w", i, err))
			continue
		}
		addr, _ := h.ParsedAddress()
		if seen[addr.Key()] {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate host %s", i, addr.Key()))
		}
		seen[addr.Key()] = true
	}
	return errs
}

func (c *Config) validateProcessors() []error {
	var errs []error
	if c.DefaultRequestTimeout < 0 {
		errs = append(errs, errors.New("request: default timeout cannot be negative"))
	}
	if c.Outbox.PollInterval < 0 || c.Scheduler.PollInterval < 0 || c.Inbox.CleanupInterval < 0 {
		errs = append(errs, errors.New("processors: poll interval cannot be negative"))
	}
	if c.Outbox.BatchSize < 0 || c.Scheduler.BatchSize < 0 {
		errs = append(errs, errors.New("processors: batch size cannot be negative"))
	}
	if c.Outbox.MaxAttempts < 0 || c.Scheduler.MaxAttempts < 0 {
		errs = append(errs, errors.New("processors: max attempts cannot be negative"))
	}
	if c.Outbox.Retention < 0 || c.Inbox.Retention < 0 {
		errs = append(errs, errors.New("processors: retention cannot be negative"))
	}
	if c.Saga.MaxConflictRetries < 0 {
		errs = append(errs, errors.New("saga: max conflict retries cannot be negative"))
	}
	return errs
}

// validateRetry checks retry configuration values.
func (c *Config) validateRetry() []error {
	var errs []error
	if c.RetryInitialInterval < 0 {
		errs = append(errs, errors.New("retry: initial interval cannot be negative"))
	}
	if c.RetryMaxInterval < 0 {
		errs = append(errs, errors.New("retry: max interval cannot be negative"))
	}
	if c.RetryMaxInterval > 0 && c.RetryInitialInterval > 0 && c.RetryInitialInterval > c.RetryMaxInterval {
		errs = append(errs, errors.New("retry: initial interval cannot exceed max interval"))
	}
	return errs
}

// validatePorts checks port configuration values.
func (c *Config) validatePorts() []error {
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return []error{fmt.Errorf("metrics: invalid port %d", c.MetricsPort)}
	}
	return nil
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
