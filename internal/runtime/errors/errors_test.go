package errors

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrorsArePrefixed(t *testing.T) {
	for _, err := range []error{
		ErrBusRequired,
		ErrHandlerRequired,
		ErrMessageRequired,
		ErrAddressRequired,
		ErrConcurrencyConflict,
		ErrDuplicateDelivery,
		ErrRequestTimeout,
	} {
		assert.True(t, strings.HasPrefix(err.Error(), "transit: "), err.Error())
	}
}

func TestRequestTimeoutErrorUnwrapsToSentinel(t *testing.T) {
	err := error(&RequestTimeoutError{ConversationID: "c1", MessageType: "orders.Get", Timeout: time.Second})

	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Contains(t, err.Error(), "c1")
	assert.Contains(t, err.Error(), "1s")

	var timeout *RequestTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "orders.Get", timeout.MessageType)
}

func TestPublishFailure(t *testing.T) {
	inner := errors.New("broker unreachable")
	err := &PublishFailure{MessageID: "m1", MessageType: "orders.Created", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "to publish")

	err.Destination = "amqp://broker/orders"
	assert.Contains(t, err.Error(), "amqp://broker/orders")
}

func TestSagaHandlerError(t *testing.T) {
	inner := errors.New("booking rejected")
	err := &SagaHandlerError{SagaType: "BookingState", MessageType: "CreateBooking", CorrelationID: "o-1", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "o-1")
}

func TestNewConfigValidationError(t *testing.T) {
	assert.NoError(t, NewConfigValidationError(nil))

	inner := errors.New("bad config")
	err := NewConfigValidationError(inner)

	var cfgErr ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Same(t, inner, cfgErr.Err)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "transit: invalid configuration: bad config", err.Error())
}
