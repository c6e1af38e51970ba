package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		scheme    string
		authority string
		queue     string
		key       string
	}{
		{name: "queue path", raw: "amqp://broker:5672/orders", scheme: "amqp", authority: "broker:5672", queue: "orders", key: "amqp://broker:5672"},
		{name: "upper case scheme", raw: "MEM://Local/bookings/", scheme: "mem", authority: "Local", queue: "bookings", key: "mem://local"},
		{name: "no path", raw: "kafka://cluster", scheme: "kafka", authority: "cluster", queue: DefaultQueueName, key: "kafka://cluster"},
		{name: "nested path", raw: "sqs://eu-west-1/123/orders", scheme: "sqs", authority: "eu-west-1", queue: "123/orders", key: "sqs://eu-west-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, addr.Scheme)
			assert.Equal(t, tt.authority, addr.Authority)
			assert.Equal(t, tt.queue, addr.QueueName())
			assert.Equal(t, tt.key, addr.Key())
		})
	}
}

func TestParseAddressErrors(t *testing.T) {
	for _, raw := range []string{"", "   ", "orders", "://missing"} {
		_, err := ParseAddress(raw)
		assert.Error(t, err, raw)
	}
}

func TestAddressJoinAndString(t *testing.T) {
	addr := MustParseAddress("mem://local/orders?durable=true")
	assert.Equal(t, "mem://local/orders?durable=true", addr.String())

	reply := addr.Join("responses", "abc")
	assert.Equal(t, "mem://local/orders/responses/abc", reply.String())
	assert.Equal(t, "orders/responses/abc", reply.QueueName())
	assert.Equal(t, addr.Key(), reply.Key())
}

func TestMustParseAddressPanics(t *testing.T) {
	assert.Panics(t, func() { MustParseAddress("") })
	assert.True(t, Address{}.IsZero())
	assert.Equal(t, "", Address{}.String())
}
