// Package http provides a webhook style transport. Sends and publishes are
// POSTed to the remote authority; listeners are routes on a local server
// bound to Settings.ListenAddress.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/transit/transport"
)

// Schemes handled by this transport.
var Schemes = []string{"http", "https", "webhook"}

// DefaultListenAddress is used when Settings.ListenAddress is empty.
const DefaultListenAddress = ":8080"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

// ServerStarter runs the subscriber's HTTP server. It blocks until the server
// stops.
var ServerStarter = func(sub message.Subscriber) error {
	if s, ok := sub.(*http.Subscriber); ok {
		return s.StartHTTPServer()
	}
	return nil
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the HTTP schemes to r.
func Register(r *transport.Registry) {
	for _, scheme := range Schemes {
		r.RegisterWithCapabilities(scheme, Build, transport.HTTPCapabilities)
	}
}

// Host is an HTTP host. Listeners must be registered before Start.
type Host struct {
	*transport.PubSubHost

	subscriber message.Subscriber
	logger     watermill.LoggerAdapter

	mu      sync.Mutex
	started bool
}

// Build creates a new HTTP host.
func Build(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	baseURL, err := baseURL(settings)
	if err != nil {
		return nil, err
	}
	if settings.Topology.Prefix == "" {
		settings.Topology.Prefix = "/"
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(baseURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	listen := settings.ListenAddress
	if listen == "" {
		listen = DefaultListenAddress
	}
	subscriber, err := SubscriberFactory(
		listen,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	inner, err := transport.NewPubSubHost(transport.PubSubHostConfig{
		Settings:     settings,
		Capabilities: transport.HTTPCapabilities,
		Queues:       transport.Transport{Publisher: publisher, Subscriber: subscriber},
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return &Host{PubSubHost: inner, subscriber: subscriber, logger: logger}, nil
}

// Listen registers a route for ep. Routes cannot be added after Start.
func (h *Host) Listen(ctx context.Context, ep transport.Endpoint, handler transport.Handler) error {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if started {
		return transport.ErrListenAfterStart
	}
	return h.PubSubHost.Listen(ctx, ep, handler)
}

// Start serves the registered routes in the background.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	h.started = true
	go func() {
		if err := ServerStarter(h.subscriber); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			h.logger.Error("HTTP subscriber server stopped", err, nil)
		}
	}()
	return nil
}

func baseURL(settings transport.Settings) (string, error) {
	if settings.URL != "" {
		return trimSlash(settings.URL), nil
	}
	address, err := settings.ParsedAddress()
	if err != nil {
		return "", err
	}
	if address.Authority == "" {
		return "", errors.New("http: remote authority is required")
	}
	scheme := address.Scheme
	if scheme == "webhook" {
		scheme = "http"
		if settings.TLS {
			scheme = "https"
		}
	}
	return scheme + "://" + address.Authority, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
