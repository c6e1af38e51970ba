package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"golang.org/x/sync/singleflight"
)

// ErrProviderClosed is returned by GetHost once the provider is closed.
var ErrProviderClosed = errors.New("transport: host provider is closed")

// HostProvider hands out one shared Host per address key, building it on first
// use. Concurrent first-time callers for the same key share a single build.
type HostProvider struct {
	registry *Registry
	logger   watermill.LoggerAdapter
	settings map[string]Settings

	mu     sync.RWMutex
	hosts  map[string]Host
	order  []string
	closed bool

	group singleflight.Group
}

// NewHostProvider creates a provider resolving builders through registry.
// settings supply per-host configuration keyed by their address; addresses
// without explicit settings are built with defaults.
func NewHostProvider(registry *Registry, logger watermill.LoggerAdapter, settings ...Settings) (*HostProvider, error) {
	if registry == nil {
		registry = DefaultRegistry
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	byKey := make(map[string]Settings, len(settings))
	for _, s := range settings {
		addr, err := s.ParsedAddress()
		if err != nil {
			return nil, err
		}
		if _, dup := byKey[addr.Key()]; dup {
			return nil, fmt.Errorf("transport: duplicate host settings for %s", addr.Key())
		}
		byKey[addr.Key()] = s
	}
	return &HostProvider{
		registry: registry,
		logger:   logger,
		settings: byKey,
		hosts:    make(map[string]Host),
	}, nil
}

// GetHost returns the host serving address, building it if needed.
func (p *HostProvider) GetHost(ctx context.Context, address Address) (Host, error) {
	key := address.Key()

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	host, ok := p.hosts[key]
	p.mu.RUnlock()
	if ok {
		return host, nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		p.mu.RLock()
		existing, ok := p.hosts[key]
		p.mu.RUnlock()
		if ok {
			return existing, nil
		}
		return p.build(context.WithoutCancel(ctx), key, address)
	})
	if err != nil {
		return nil, err
	}
	return v.(Host), nil
}

func (p *HostProvider) build(ctx context.Context, key string, address Address) (Host, error) {
	settings, ok := p.settings[key]
	if !ok {
		settings = SettingsFor(Address{Scheme: address.Scheme, Authority: address.Authority})
	}

	host, err := p.registry.Build(ctx, settings, p.logger.With(watermill.LogFields{"host": key}))
	if err != nil {
		return nil, err
	}
	host = WithResilience(host, settings.Resilience)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = host.Close()
		return nil, ErrProviderClosed
	}
	p.hosts[key] = host
	p.order = append(p.order, key)
	return host, nil
}

// Hosts returns the hosts built so far in creation order.
func (p *HostProvider) Hosts() []Host {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Host, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, p.hosts[key])
	}
	return out
}

// Close closes every host. Further GetHost calls fail with ErrProviderClosed.
func (p *HostProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hosts := make([]Host, 0, len(p.order))
	for i := len(p.order) - 1; i >= 0; i-- {
		hosts = append(hosts, p.hosts[p.order[i]])
	}
	p.hosts = map[string]Host{}
	p.order = nil
	p.mu.Unlock()

	var errs []error
	for _, h := range hosts {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
