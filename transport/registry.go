package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// UnsupportedTransportError is returned when no registered builder handles an
// address scheme.
type UnsupportedTransportError struct {
	Scheme     string
	Registered []string
}

func (e *UnsupportedTransportError) Error() string {
	return fmt.Sprintf("transport: unsupported scheme %q (registered: %v)", e.Scheme, e.Registered)
}

type registration struct {
	scheme       string
	builder      Builder
	capabilities Capabilities
}

// Registry maps address schemes to host builders. Resolution follows
// registration order and the first registration of a scheme wins.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

// DefaultRegistry is the registry backend packages register with from init.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a builder for scheme. Registering a scheme twice keeps the
// first builder.
func (r *Registry) Register(scheme string, builder Builder) {
	r.RegisterWithCapabilities(scheme, builder, Capabilities{Name: scheme})
}

// RegisterWithCapabilities adds a builder and its capabilities for scheme.
func (r *Registry) RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	if builder == nil {
		return
	}
	scheme = strings.ToLower(scheme)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.scheme == scheme {
			return
		}
	}
	r.entries = append(r.entries, registration{scheme: scheme, builder: builder, capabilities: caps})
}

// Resolve returns the builder handling address.
func (r *Registry) Resolve(address Address) (Builder, error) {
	scheme := strings.ToLower(address.Scheme)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.scheme == scheme {
			return e.builder, nil
		}
	}
	return nil, &UnsupportedTransportError{Scheme: scheme, Registered: r.schemesLocked()}
}

// Build resolves the builder for settings.Address and invokes it.
func (r *Registry) Build(ctx context.Context, settings Settings, logger watermill.LoggerAdapter) (Host, error) {
	address, err := settings.ParsedAddress()
	if err != nil {
		return nil, err
	}
	builder, err := r.Resolve(address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return builder(ctx, settings, logger)
}

// GetCapabilities returns the capabilities registered for scheme, or a zero
// value carrying only the name when the scheme is unknown.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	scheme = strings.ToLower(scheme)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.scheme == scheme {
			return e.capabilities
		}
	}
	return Capabilities{Name: scheme}
}

// Schemes returns the registered schemes in registration order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemesLocked()
}

func (r *Registry) schemesLocked() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.scheme)
	}
	return out
}

// Has reports whether scheme is registered.
func (r *Registry) Has(scheme string) bool {
	_, err := r.Resolve(Address{Scheme: scheme})
	return err == nil
}

// Clone returns an independent copy, letting callers extend the default set
// without mutating it.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Registry{entries: append([]registration(nil), r.entries...)}
}

// Register adds a builder to the default registry.
func Register(scheme string, builder Builder) {
	DefaultRegistry.Register(scheme, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default
// registry.
func RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(scheme, builder, caps)
}
