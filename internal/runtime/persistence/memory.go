package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
)

// MemoryOutboxStore is an OutboxStore held in process memory.
type MemoryOutboxStore struct {
	mu   sync.Mutex
	rows map[string]*OutboxMessage
	seq  map[string]int
	next int
}

// NewMemoryOutboxStore returns an empty store.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{rows: map[string]*OutboxMessage{}, seq: map[string]int{}}
}

func (s *MemoryOutboxStore) Add(_ context.Context, msg OutboxMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("outbox: message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[msg.ID]; ok {
		return fmt.Errorf("outbox: message %s already exists", msg.ID)
	}
	cp := cloneOutbox(msg)
	s.rows[msg.ID] = &cp
	s.next++
	s.seq[msg.ID] = s.next
	return nil
}

func (s *MemoryOutboxStore) Pending(_ context.Context, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.rows))
	for _, row := range s.rows {
		if row.IsPending() {
			out = append(out, cloneOutbox(*row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedTime.Equal(out[j].EnqueuedTime) {
			return out[i].EnqueuedTime.Before(out[j].EnqueuedTime)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOutboxStore) Update(_ context.Context, msgs ...OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		row, ok := s.rows[msg.ID]
		if !ok {
			return fmt.Errorf("outbox: message %s not found", msg.ID)
		}
		row.SentTime = copyTime(msg.SentTime)
		row.Error = msg.Error
		row.Attempts = msg.Attempts
		row.DeadLetteredTime = copyTime(msg.DeadLetteredTime)
	}
	return nil
}

func (s *MemoryOutboxStore) DeleteSentBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if row.SentTime != nil && row.SentTime.Before(cutoff) {
			delete(s.rows, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the row with id. Intended for tests and tooling.
func (s *MemoryOutboxStore) Get(id string) (OutboxMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return OutboxMessage{}, false
	}
	return cloneOutbox(*row), true
}

// Len returns the number of stored rows.
func (s *MemoryOutboxStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// MemoryInboxStore is an InboxStore held in process memory.
type MemoryInboxStore struct {
	mu   sync.Mutex
	rows map[inboxKey]InboxState
}

type inboxKey struct{ messageID, consumerKey string }

// NewMemoryInboxStore returns an empty store.
func NewMemoryInboxStore() *MemoryInboxStore {
	return &MemoryInboxStore{rows: map[inboxKey]InboxState{}}
}

func (s *MemoryInboxStore) Claim(_ context.Context, messageID, consumerKey string, now time.Time) (InboxState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey{messageID, consumerKey}
	if row, ok := s.rows[key]; ok {
		row.ProcessedTime = copyTime(row.ProcessedTime)
		return row, false, nil
	}
	row := InboxState{MessageID: messageID, ConsumerKey: consumerKey, ReceivedTime: now}
	s.rows[key] = row
	return row, true, nil
}

func (s *MemoryInboxStore) MarkProcessed(_ context.Context, messageID, consumerKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey{messageID, consumerKey}
	row, ok := s.rows[key]
	if !ok {
		row = InboxState{MessageID: messageID, ConsumerKey: consumerKey, ReceivedTime: at}
	}
	row.ProcessedTime = &at
	s.rows[key] = row
	return nil
}

func (s *MemoryInboxStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, row := range s.rows {
		if row.ProcessedTime != nil && row.ProcessedTime.Before(cutoff) {
			delete(s.rows, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows.
func (s *MemoryInboxStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// MemoryScheduledMessageStore is a ScheduledMessageStore held in process
// memory.
type MemoryScheduledMessageStore struct {
	mu   sync.Mutex
	rows map[string]ScheduledMessage
}

// NewMemoryScheduledMessageStore returns an empty store.
func NewMemoryScheduledMessageStore() *MemoryScheduledMessageStore {
	return &MemoryScheduledMessageStore{rows: map[string]ScheduledMessage{}}
}

func (s *MemoryScheduledMessageStore) Add(_ context.Context, msg ScheduledMessage) error {
	if msg.TokenID == "" {
		return fmt.Errorf("scheduler: token id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[msg.TokenID]; ok {
		return fmt.Errorf("scheduler: token %s already exists", msg.TokenID)
	}
	s.rows[msg.TokenID] = cloneScheduled(msg)
	return nil
}

func (s *MemoryScheduledMessageStore) Get(_ context.Context, token string) (ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[token]
	if !ok {
		return ScheduledMessage{}, errspkg.ErrScheduledTokenNotFound
	}
	return cloneScheduled(row), nil
}

func (s *MemoryScheduledMessageStore) Due(_ context.Context, now time.Time, limit int) ([]ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledMessage
	for _, row := range s.rows {
		if !row.DueTime.After(now) {
			out = append(out, cloneScheduled(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueTime.Equal(out[j].DueTime) {
			return out[i].DueTime.Before(out[j].DueTime)
		}
		return out[i].TokenID < out[j].TokenID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryScheduledMessageStore) Update(_ context.Context, msg ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[msg.TokenID]
	if !ok {
		return errspkg.ErrScheduledTokenNotFound
	}
	row.Attempts = msg.Attempts
	row.Error = msg.Error
	s.rows[msg.TokenID] = row
	return nil
}

func (s *MemoryScheduledMessageStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[token]; !ok {
		return errspkg.ErrScheduledTokenNotFound
	}
	delete(s.rows, token)
	return nil
}

// Len returns the number of stored rows.
func (s *MemoryScheduledMessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// MemorySagaStore is a SagaStore held in process memory.
type MemorySagaStore struct {
	mu   sync.Mutex
	rows map[sagaKey]SagaRecord
}

type sagaKey struct{ sagaType, correlationID string }

// NewMemorySagaStore returns an empty store.
func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{rows: map[sagaKey]SagaRecord{}}
}

func (s *MemorySagaStore) Load(_ context.Context, sagaType, correlationID string) (SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[sagaKey{sagaType, correlationID}]
	if !ok {
		return SagaRecord{}, errspkg.ErrSagaStateNotFound
	}
	rec.State = append([]byte(nil), rec.State...)
	return rec, nil
}

func (s *MemorySagaStore) Save(_ context.Context, rec SagaRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sagaKey{rec.SagaType, rec.CorrelationID}
	current, exists := s.rows[key]
	switch {
	case !exists && rec.Version != 0:
		return 0, errspkg.ErrConcurrencyConflict
	case exists && current.Version != rec.Version:
		return 0, errspkg.ErrConcurrencyConflict
	}
	if exists {
		rec.CreatedTime = current.CreatedTime
	}
	rec.Version++
	rec.State = append([]byte(nil), rec.State...)
	s.rows[key] = rec
	return rec.Version, nil
}

// Len returns the number of stored sagas.
func (s *MemorySagaStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func cloneOutbox(m OutboxMessage) OutboxMessage {
	m.Headers = m.Headers.Clone()
	m.Body = append([]byte(nil), m.Body...)
	m.SentTime = copyTime(m.SentTime)
	m.DeadLetteredTime = copyTime(m.DeadLetteredTime)
	return m
}

func cloneScheduled(m ScheduledMessage) ScheduledMessage {
	m.Headers = m.Headers.Clone()
	m.Body = append([]byte(nil), m.Body...)
	return m
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
