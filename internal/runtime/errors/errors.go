package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrBusRequired             = sterrors.New("transit: bus is required")
	ErrHandlerRequired         = sterrors.New("transit: handler function is required")
	ErrMessageRequired         = sterrors.New("transit: message is required")
	ErrAddressRequired         = sterrors.New("transit: destination address is required")
	ErrMessageTypeRequired     = sterrors.New("transit: message type is required")
	ErrEndpointRequired        = sterrors.New("transit: consumer endpoint is required")
	ErrCorrelationIDRequired   = sterrors.New("transit: correlation id is required")
	ErrStoreRequired           = sterrors.New("transit: store is required")
	ErrConfigRequired          = sterrors.New("transit: config is required")
	ErrLoggerRequired          = sterrors.New("transit: logger is required")
	ErrHandlerAlreadyExists    = sterrors.New("transit: handler already registered")
	ErrUnknownMessageType      = sterrors.New("transit: unknown message type")
	ErrBusStopped              = sterrors.New("transit: bus is stopped")
	ErrNoResponseAddress       = sterrors.New("transit: message has no response address")
	ErrScheduledTokenNotFound  = sterrors.New("transit: scheduled message not found")
	ErrSagaStateNotFound       = sterrors.New("transit: saga state not found")
	ErrRequestTimeout          = sterrors.New("transit: request timed out")
	ErrConcurrencyConflict     = sterrors.New("transit: saga version conflict")
	ErrDuplicateDelivery       = sterrors.New("transit: duplicate delivery")
	ErrDeadLetterAddressNotSet = sterrors.New("transit: dead letter address is not configured")
)

// RequestTimeoutError is returned by Request when no reply arrives within the
// configured window.
type RequestTimeoutError struct {
	ConversationID string
	MessageType    string
	Timeout        time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("transit: request %s (conversation %s) timed out after %s", e.MessageType, e.ConversationID, e.Timeout)
}

func (e *RequestTimeoutError) Unwrap() error { return ErrRequestTimeout }

// PublishFailure records a backend rejection for a stored message. Background
// processors keep it on the row instead of returning it.
type PublishFailure struct {
	MessageID   string
	MessageType string
	Destination string
	Err         error
}

func (e *PublishFailure) Error() string {
	dest := e.Destination
	if dest == "" {
		dest = "publish"
	}
	return fmt.Sprintf("transit: delivering %s (%s) to %s: %v", e.MessageID, e.MessageType, dest, e.Err)
}

func (e *PublishFailure) Unwrap() error { return e.Err }

// SagaHandlerError wraps a failing saga handler. The state is not persisted
// when this error is returned.
type SagaHandlerError struct {
	SagaType      string
	MessageType   string
	CorrelationID string
	Err           error
}

func (e *SagaHandlerError) Error() string {
	return fmt.Sprintf("transit: saga %s handling %s for %s: %v", e.SagaType, e.MessageType, e.CorrelationID, e.Err)
}

func (e *SagaHandlerError) Unwrap() error { return e.Err }

// ConfigValidationError wraps problems found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "transit: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
