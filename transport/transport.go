// Package transport defines the host contract every message backend
// implements, the address model, and the registry and provider that resolve
// addresses to live hosts. Each backend (amqp, kafka, nats, aws, ...) lives in
// its own sub-package and registers its schemes with a Registry.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Host is a live connection to one backend instance. Hosts are shared by all
// callers resolving the same address key and must be safe for concurrent use.
type Host interface {
	// Address is the base address the host was built for.
	Address() Address
	Capabilities() Capabilities
	// Send delivers msg point-to-point to the queue named by dest.
	Send(ctx context.Context, dest Address, msg *Message) error
	// Publish fans msg out to every subscriber of msg.MessageType.
	Publish(ctx context.Context, msg *Message) error
	// Listen starts consuming ep in the background and returns once the
	// subscription is established. Consumption stops when ctx is cancelled or
	// the host is closed.
	Listen(ctx context.Context, ep Endpoint, handler Handler) error
	Close() error
}

// Endpoint selects what a listener consumes: the queue at Address, or, when
// MessageType is set, every published message of that type.
type Endpoint struct {
	Address     Address
	MessageType string
	// Subscription names the durable subscriber group for published types.
	// Listeners sharing a subscription compete for messages.
	Subscription string
}

// IsTopic reports whether the endpoint subscribes to a published type.
func (e Endpoint) IsTopic() bool {
	return e.MessageType != ""
}

// Validate checks the endpoint is usable.
func (e Endpoint) Validate() error {
	if e.Address.IsZero() && e.MessageType == "" {
		return errors.New("transport: endpoint needs an address or a message type")
	}
	return nil
}

func (e Endpoint) String() string {
	if e.IsTopic() {
		if e.Subscription != "" {
			return fmt.Sprintf("topic:%s[%s]", e.MessageType, e.Subscription)
		}
		return "topic:" + e.MessageType
	}
	return e.Address.String()
}

// Transport combines a Watermill publisher and subscriber pair.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a host from its settings. Each backend package provides one.
type Builder func(ctx context.Context, settings Settings, logger watermill.LoggerAdapter) (Host, error)

// CapabilitiesProvider is implemented by anything able to report backend
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Starter is implemented by hosts that serve inbound traffic themselves and
// must be started once their listeners are registered.
type Starter interface {
	Start(ctx context.Context) error
}

// ErrListenAfterStart is returned by push hosts when a listener is added after
// the server started.
var ErrListenAfterStart = errors.New("transport: listener registered after host start")
