// Package persistence defines the records kept by the reliability features
// (outbox, inbox, scheduled messages, sagas), the store contracts, and
// in-memory stores for development and tests. Durable stores live in the
// sqlstore and redisstore sub-packages.
package persistence

import (
	"context"
	"time"

	"github.com/drblury/transit/internal/runtime/metadata"
)

// OutboxMessage is a message staged for delivery. An empty Destination means
// the message is published by type.
type OutboxMessage struct {
	ID             string
	MessageType    string
	Destination    string
	CorrelationID  string
	ConversationID string
	ContentType    string
	Headers        metadata.Metadata
	Body           []byte

	EnqueuedTime time.Time
	SentTime     *time.Time
	// Error holds the last delivery failure.
	Error    string
	Attempts int
	// DeadLetteredTime is set when delivery was abandoned after too many
	// failures. Dead-lettered rows are never returned as pending.
	DeadLetteredTime *time.Time
}

// IsPending reports whether the row still waits for delivery.
func (m OutboxMessage) IsPending() bool {
	return m.SentTime == nil && m.DeadLetteredTime == nil
}

// InboxState records that a consumer has seen a message. The pair
// (MessageID, ConsumerKey) is unique.
type InboxState struct {
	MessageID     string
	ConsumerKey   string
	ReceivedTime  time.Time
	ProcessedTime *time.Time
}

// IsProcessed reports whether handling completed.
func (s InboxState) IsProcessed() bool {
	return s.ProcessedTime != nil
}

// ScheduledMessage is a message held back until DueTime. An empty
// Destination means the message is published by type.
type ScheduledMessage struct {
	TokenID        string
	MessageType    string
	Destination    string
	CorrelationID  string
	ConversationID string
	ContentType    string
	Headers        metadata.Metadata
	Body           []byte

	DueTime     time.Time
	CreatedTime time.Time
	Attempts    int
	Error       string
}

// SagaRecord is the persisted state of one saga instance. State holds the
// serialized domain fields.
type SagaRecord struct {
	SagaType       string
	CorrelationID  string
	ConversationID string
	State          []byte
	// Version is incremented on every save. Zero means the record has never
	// been saved.
	Version     int64
	Completed   bool
	CreatedTime time.Time
	UpdatedTime time.Time
}

// OutboxStore stages outgoing messages.
type OutboxStore interface {
	// Add stores msg as pending.
	Add(ctx context.Context, msg OutboxMessage) error
	// Pending returns up to limit pending rows, oldest EnqueuedTime first.
	Pending(ctx context.Context, limit int) ([]OutboxMessage, error)
	// Update persists delivery state (SentTime, Error, Attempts,
	// DeadLetteredTime) of the given rows.
	Update(ctx context.Context, msgs ...OutboxMessage) error
	// DeleteSentBefore removes rows sent before cutoff and returns how many
	// were removed.
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// InboxStore records consumed messages.
type InboxStore interface {
	// Claim inserts a row for (messageID, consumerKey) unless one exists. It
	// returns the stored row and whether this call created it.
	Claim(ctx context.Context, messageID, consumerKey string, now time.Time) (InboxState, bool, error)
	// MarkProcessed sets ProcessedTime on the row.
	MarkProcessed(ctx context.Context, messageID, consumerKey string, at time.Time) error
	// DeleteProcessedBefore removes rows processed before cutoff.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ScheduledMessageStore holds messages until they are due.
type ScheduledMessageStore interface {
	Add(ctx context.Context, msg ScheduledMessage) error
	// Get returns the row for token or errors.ErrScheduledTokenNotFound.
	Get(ctx context.Context, token string) (ScheduledMessage, error)
	// Due returns up to limit rows with DueTime <= now, ascending by DueTime.
	Due(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error)
	// Update persists Attempts and Error of msg.
	Update(ctx context.Context, msg ScheduledMessage) error
	// Delete removes the row or returns errors.ErrScheduledTokenNotFound.
	Delete(ctx context.Context, token string) error
}

// SagaStore persists saga state with optimistic concurrency.
type SagaStore interface {
	// Load returns the record or errors.ErrSagaStateNotFound.
	Load(ctx context.Context, sagaType, correlationID string) (SagaRecord, error)
	// Save inserts or updates rec. The stored version must equal
	// rec.Version (zero for a new record), otherwise
	// errors.ErrConcurrencyConflict is returned. On success the stored
	// version is rec.Version+1, which is returned.
	Save(ctx context.Context, rec SagaRecord) (int64, error)
}
