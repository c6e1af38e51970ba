// Package channel provides an in-process loopback transport backed by Go
// channels. Useful for tests, local development and single-process setups.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/transit/transport"
)

// Schemes handled by this transport.
var Schemes = []string{"mem", "loopback", "channel"}

// DefaultBufferSize is the per-subscriber output buffer.
const DefaultBufferSize = 256

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the loopback schemes to r.
func Register(r *transport.Registry) {
	for _, scheme := range Schemes {
		r.RegisterWithCapabilities(scheme, Build, transport.ChannelCapabilities)
	}
}

// Build creates a loopback host. Every host owns its own in-memory bus, so
// senders and listeners must share the host (same address key) to see each
// other.
func Build(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: DefaultBufferSize}, logger)
	return transport.NewPubSubHost(transport.PubSubHostConfig{
		Settings:     settings,
		Capabilities: transport.ChannelCapabilities,
		Queues:       transport.Transport{Publisher: pub, Subscriber: sub},
		Logger:       logger,
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
