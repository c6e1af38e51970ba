package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builderNamed(name string) Builder {
	return func(ctx context.Context, settings Settings, logger watermill.LoggerAdapter) (Host, error) {
		addr, err := settings.ParsedAddress()
		if err != nil {
			return nil, err
		}
		return &stubHost{name: name, address: addr}, nil
	}
}

func TestRegistryResolveFirstRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mem", builderNamed("first"))
	reg.Register("MEM", builderNamed("second"))
	reg.RegisterWithCapabilities("amqp", builderNamed("amqp"), AMQPCapabilities)

	assert.Equal(t, []string{"mem", "amqp"}, reg.Schemes())

	host, err := reg.Build(context.Background(), Settings{Address: "mem://local"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", host.(*stubHost).name)

	assert.Equal(t, AMQPCapabilities, reg.GetCapabilities("AMQP"))
	assert.Equal(t, Capabilities{Name: "mem"}, reg.GetCapabilities("mem"))
	assert.Equal(t, Capabilities{Name: "nope"}, reg.GetCapabilities("nope"))
}

func TestRegistryUnsupportedScheme(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mem", builderNamed("mem"))

	_, err := reg.Resolve(MustParseAddress("carrier-pigeon://coop/q"))
	require.Error(t, err)

	var unsupported *UnsupportedTransportError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "carrier-pigeon", unsupported.Scheme)
	assert.Equal(t, []string{"mem"}, unsupported.Registered)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestRegistryIgnoresNilBuilder(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mem", nil)
	assert.False(t, reg.Has("mem"))
}

func TestRegistryCloneIsIndependent(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mem", builderNamed("mem"))

	clone := reg.Clone()
	clone.Register("kafka", builderNamed("kafka"))

	assert.True(t, clone.Has("kafka"))
	assert.False(t, reg.Has("kafka"))
	assert.True(t, clone.Has("mem"))
}

func TestRegistryBuildRejectsBadAddress(t *testing.T) {
	_, err := NewRegistry().Build(context.Background(), Settings{Address: "no-scheme"}, nil)
	assert.Error(t, err)
}
