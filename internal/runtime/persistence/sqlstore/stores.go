package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/transit/internal/runtime/errors"
	"github.com/drblury/transit/internal/runtime/persistence"
)

var (
	_ persistence.OutboxStore           = (*OutboxStore)(nil)
	_ persistence.InboxStore            = (*InboxStore)(nil)
	_ persistence.ScheduledMessageStore = (*ScheduledMessageStore)(nil)
	_ persistence.SagaStore             = (*SagaStore)(nil)
)

// OutboxStore is a persistence.OutboxStore backed by SQL.
type OutboxStore struct{ s *Store }

const outboxColumns = `id, message_type, destination, correlation_id, conversation_id, content_type, headers, body, enqueued_time, sent_time, error, attempts, dead_lettered_time`

func (o *OutboxStore) Add(ctx context.Context, msg persistence.OutboxMessage) error {
	return o.AddTx(ctx, o.s.db, msg)
}

// AddTx stores msg through exec, typically the *sql.Tx that also carries the
// producer's business writes. A rolled back transaction leaves no row.
func (o *OutboxStore) AddTx(ctx context.Context, exec Executor, msg persistence.OutboxMessage) error {
	if msg.ID == "" {
		return errors.New("outbox: message id is required")
	}
	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return err
	}
	query := o.s.rebind(`INSERT INTO ` + o.s.table("outbox") + ` (` + outboxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = exec.ExecContext(ctx, query,
		msg.ID, msg.MessageType, msg.Destination, msg.CorrelationID, msg.ConversationID, msg.ContentType,
		headers, msg.Body, nanos(msg.EnqueuedTime), nullNanos(msg.SentTime), msg.Error, msg.Attempts,
		nullNanos(msg.DeadLetteredTime))
	if err != nil {
		return fmt.Errorf("outbox: insert %s: %w", msg.ID, err)
	}
	return nil
}

func (o *OutboxStore) Pending(ctx context.Context, limit int) ([]persistence.OutboxMessage, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	query := o.s.rebind(`SELECT ` + outboxColumns + ` FROM ` + o.s.table("outbox") + `
		WHERE sent_time IS NULL AND dead_lettered_time IS NULL
		ORDER BY enqueued_time, seq LIMIT ?`)
	rows, err := o.s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending: %w", err)
	}
	defer rows.Close()

	var out []persistence.OutboxMessage
	for rows.Next() {
		var (
			m              persistence.OutboxMessage
			headers        sql.NullString
			enqueued       int64
			sent, deadTime sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.MessageType, &m.Destination, &m.CorrelationID, &m.ConversationID,
			&m.ContentType, &headers, &m.Body, &enqueued, &sent, &m.Error, &m.Attempts, &deadTime); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		if m.Headers, err = decodeHeaders(headers); err != nil {
			return nil, err
		}
		m.EnqueuedTime = fromNanos(enqueued)
		m.SentTime = fromNullNanos(sent)
		m.DeadLetteredTime = fromNullNanos(deadTime)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (o *OutboxStore) Update(ctx context.Context, msgs ...persistence.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := o.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := o.s.rebind(`UPDATE ` + o.s.table("outbox") + `
		SET sent_time = ?, error = ?, attempts = ?, dead_lettered_time = ? WHERE id = ?`)
	for _, m := range msgs {
		res, err := tx.ExecContext(ctx, query, nullNanos(m.SentTime), m.Error, m.Attempts, nullNanos(m.DeadLetteredTime), m.ID)
		if err != nil {
			return fmt.Errorf("outbox: update %s: %w", m.ID, err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("outbox: message %s not found", m.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox: commit: %w", err)
	}
	return nil
}

func (o *OutboxStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := o.s.db.ExecContext(ctx, o.s.rebind(`DELETE FROM `+o.s.table("outbox")+`
		WHERE sent_time IS NOT NULL AND sent_time < ?`), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("outbox: delete sent: %w", err)
	}
	return affected(res)
}

// InboxStore is a persistence.InboxStore backed by SQL.
type InboxStore struct{ s *Store }

func (i *InboxStore) Claim(ctx context.Context, messageID, consumerKey string, now time.Time) (persistence.InboxState, bool, error) {
	res, err := i.s.db.ExecContext(ctx, i.s.rebind(`INSERT INTO `+i.s.table("inbox")+`
		(message_id, consumer_key, received_time) VALUES (?, ?, ?)
		ON CONFLICT (message_id, consumer_key) DO NOTHING`), messageID, consumerKey, now.UnixNano())
	if err != nil {
		return persistence.InboxState{}, false, fmt.Errorf("inbox: claim %s: %w", messageID, err)
	}
	n, err := affected(res)
	if err != nil {
		return persistence.InboxState{}, false, err
	}
	if n == 1 {
		return persistence.InboxState{MessageID: messageID, ConsumerKey: consumerKey, ReceivedTime: now.UTC()}, true, nil
	}

	var (
		received  int64
		processed sql.NullInt64
	)
	err = i.s.db.QueryRowContext(ctx, i.s.rebind(`SELECT received_time, processed_time FROM `+i.s.table("inbox")+`
		WHERE message_id = ? AND consumer_key = ?`), messageID, consumerKey).Scan(&received, &processed)
	if err != nil {
		return persistence.InboxState{}, false, fmt.Errorf("inbox: load %s: %w", messageID, err)
	}
	return persistence.InboxState{
		MessageID:     messageID,
		ConsumerKey:   consumerKey,
		ReceivedTime:  fromNanos(received),
		ProcessedTime: fromNullNanos(processed),
	}, false, nil
}

func (i *InboxStore) MarkProcessed(ctx context.Context, messageID, consumerKey string, at time.Time) error {
	_, err := i.s.db.ExecContext(ctx, i.s.rebind(`INSERT INTO `+i.s.table("inbox")+`
		(message_id, consumer_key, received_time, processed_time) VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, consumer_key) DO UPDATE SET processed_time = excluded.processed_time`),
		messageID, consumerKey, at.UnixNano(), at.UnixNano())
	if err != nil {
		return fmt.Errorf("inbox: mark processed %s: %w", messageID, err)
	}
	return nil
}

func (i *InboxStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := i.s.db.ExecContext(ctx, i.s.rebind(`DELETE FROM `+i.s.table("inbox")+`
		WHERE processed_time IS NOT NULL AND processed_time < ?`), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("inbox: delete processed: %w", err)
	}
	return affected(res)
}

// ScheduledMessageStore is a persistence.ScheduledMessageStore backed by SQL.
type ScheduledMessageStore struct{ s *Store }

const scheduledColumns = `token_id, message_type, destination, correlation_id, conversation_id, content_type, headers, body, due_time, created_time, attempts, error`

func (m *ScheduledMessageStore) Add(ctx context.Context, msg persistence.ScheduledMessage) error {
	if msg.TokenID == "" {
		return errors.New("scheduler: token id is required")
	}
	headers, err := encodeHeaders(msg.Headers)
	if err != nil {
		return err
	}
	_, err = m.s.db.ExecContext(ctx, m.s.rebind(`INSERT INTO `+m.s.table("scheduled")+` (`+scheduledColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.TokenID, msg.MessageType, msg.Destination, msg.CorrelationID, msg.ConversationID, msg.ContentType,
		headers, msg.Body, nanos(msg.DueTime), nanos(msg.CreatedTime), msg.Attempts, msg.Error)
	if err != nil {
		return fmt.Errorf("scheduler: insert %s: %w", msg.TokenID, err)
	}
	return nil
}

func (m *ScheduledMessageStore) Get(ctx context.Context, token string) (persistence.ScheduledMessage, error) {
	rows, err := m.s.db.QueryContext(ctx, m.s.rebind(`SELECT `+scheduledColumns+` FROM `+m.s.table("scheduled")+`
		WHERE token_id = ?`), token)
	if err != nil {
		return persistence.ScheduledMessage{}, fmt.Errorf("scheduler: get %s: %w", token, err)
	}
	out, err := scanScheduled(rows)
	if err != nil {
		return persistence.ScheduledMessage{}, err
	}
	if len(out) == 0 {
		return persistence.ScheduledMessage{}, errspkg.ErrScheduledTokenNotFound
	}
	return out[0], nil
}

func (m *ScheduledMessageStore) Due(ctx context.Context, now time.Time, limit int) ([]persistence.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := m.s.db.QueryContext(ctx, m.s.rebind(`SELECT `+scheduledColumns+` FROM `+m.s.table("scheduled")+`
		WHERE due_time <= ? ORDER BY due_time, token_id LIMIT ?`), now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: query due: %w", err)
	}
	return scanScheduled(rows)
}

func (m *ScheduledMessageStore) Update(ctx context.Context, msg persistence.ScheduledMessage) error {
	res, err := m.s.db.ExecContext(ctx, m.s.rebind(`UPDATE `+m.s.table("scheduled")+`
		SET attempts = ?, error = ? WHERE token_id = ?`), msg.Attempts, msg.Error, msg.TokenID)
	if err != nil {
		return fmt.Errorf("scheduler: update %s: %w", msg.TokenID, err)
	}
	return notFoundIfNone(res, errspkg.ErrScheduledTokenNotFound)
}

func (m *ScheduledMessageStore) Delete(ctx context.Context, token string) error {
	res, err := m.s.db.ExecContext(ctx, m.s.rebind(`DELETE FROM `+m.s.table("scheduled")+` WHERE token_id = ?`), token)
	if err != nil {
		return fmt.Errorf("scheduler: delete %s: %w", token, err)
	}
	return notFoundIfNone(res, errspkg.ErrScheduledTokenNotFound)
}

func scanScheduled(rows *sql.Rows) ([]persistence.ScheduledMessage, error) {
	defer rows.Close()
	var out []persistence.ScheduledMessage
	for rows.Next() {
		var (
			msg          persistence.ScheduledMessage
			headers      sql.NullString
			due, created int64
		)
		if err := rows.Scan(&msg.TokenID, &msg.MessageType, &msg.Destination, &msg.CorrelationID, &msg.ConversationID,
			&msg.ContentType, &headers, &msg.Body, &due, &created, &msg.Attempts, &msg.Error); err != nil {
			return nil, fmt.Errorf("scheduler: scan: %w", err)
		}
		h, err := decodeHeaders(headers)
		if err != nil {
			return nil, err
		}
		msg.Headers = h
		msg.DueTime = fromNanos(due)
		msg.CreatedTime = fromNanos(created)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SagaStore is a persistence.SagaStore backed by SQL. Versions are checked
// in the WHERE clause, so concurrent writers across processes conflict too.
type SagaStore struct{ s *Store }

func (g *SagaStore) Load(ctx context.Context, sagaType, correlationID string) (persistence.SagaRecord, error) {
	var (
		rec              persistence.SagaRecord
		completed        int
		created, updated int64
	)
	err := g.s.db.QueryRowContext(ctx, g.s.rebind(`SELECT conversation_id, state, version, completed, created_time, updated_time
		FROM `+g.s.table("sagas")+` WHERE saga_type = ? AND correlation_id = ?`), sagaType, correlationID).
		Scan(&rec.ConversationID, &rec.State, &rec.Version, &completed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.SagaRecord{}, errspkg.ErrSagaStateNotFound
	}
	if err != nil {
		return persistence.SagaRecord{}, fmt.Errorf("saga: load %s/%s: %w", sagaType, correlationID, err)
	}
	rec.SagaType = sagaType
	rec.CorrelationID = correlationID
	rec.Completed = completed != 0
	rec.CreatedTime = fromNanos(created)
	rec.UpdatedTime = fromNanos(updated)
	return rec, nil
}

func (g *SagaStore) Save(ctx context.Context, rec persistence.SagaRecord) (int64, error) {
	next := rec.Version + 1
	var (
		res sql.Result
		err error
	)
	if rec.Version == 0 {
		res, err = g.s.db.ExecContext(ctx, g.s.rebind(`INSERT INTO `+g.s.table("sagas")+`
			(saga_type, correlation_id, conversation_id, state, version, completed, created_time, updated_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (saga_type, correlation_id) DO NOTHING`),
			rec.SagaType, rec.CorrelationID, rec.ConversationID, rec.State, next, boolInt(rec.Completed),
			nanos(rec.CreatedTime), nanos(rec.UpdatedTime))
	} else {
		res, err = g.s.db.ExecContext(ctx, g.s.rebind(`UPDATE `+g.s.table("sagas")+`
			SET conversation_id = ?, state = ?, version = ?, completed = ?, updated_time = ?
			WHERE saga_type = ? AND correlation_id = ? AND version = ?`),
			rec.ConversationID, rec.State, next, boolInt(rec.Completed), nanos(rec.UpdatedTime),
			rec.SagaType, rec.CorrelationID, rec.Version)
	}
	if err != nil {
		return 0, fmt.Errorf("saga: save %s/%s: %w", rec.SagaType, rec.CorrelationID, err)
	}
	if err := notFoundIfNone(res, errspkg.ErrConcurrencyConflict); err != nil {
		return 0, err
	}
	return next, nil
}

func notFoundIfNone(res sql.Result, sentinel error) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}
