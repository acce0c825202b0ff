package store

import (
	"context"
	"database/sql"
	"time"
)

const eventColumns = `id, user_id, type, event, payload, priority, expires_at, is_processed, processed_at, created_at`

func scanEvent(row rowScanner) (*SecurityEvent, error) {
	var (
		e                  SecurityEvent
		payload            string
		expiresAt, created int64
		processedAt        sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.Type, &e.Event, &payload, &e.Priority,
		&expiresAt, &e.IsProcessed, &processedAt, &created); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.ExpiresAt = fromNanos(expiresAt)
	e.ProcessedAt = fromNullNanos(processedAt)
	e.CreatedAt = fromNanos(created)
	return &e, nil
}

// InsertEvent appends an event to the queue.
func (d *DB) InsertEvent(ctx context.Context, e *SecurityEvent) error {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := d.exec(ctx, d.db, `INSERT INTO security_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Type, e.Event, payload, e.Priority,
		toNanos(e.ExpiresAt), e.IsProcessed, nullNanos(e.ProcessedAt), toNanos(e.CreatedAt))
	return err
}

// UnprocessedEvents returns the user's pending, unexpired events, highest
// priority first and oldest first within a priority.
func (d *DB) UnprocessedEvents(ctx context.Context, userID string, now time.Time) ([]SecurityEvent, error) {
	rows, err := d.query(ctx, d.db, `SELECT `+eventColumns+` FROM security_events
		WHERE user_id = ? AND is_processed = ? AND expires_at > ?
		ORDER BY priority DESC, created_at ASC, id ASC`, userID, false, toNanos(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SecurityEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// HasUnprocessedEvents reports whether the user has anything pending.
func (d *DB) HasUnprocessedEvents(ctx context.Context, userID string, now time.Time) (bool, error) {
	var n int
	err := d.queryRow(ctx, d.db, `SELECT COUNT(1) FROM security_events
		WHERE user_id = ? AND is_processed = ? AND expires_at > ?`, userID, false, toNanos(now)).Scan(&n)
	return n > 0, err
}

// MarkEventsProcessed flags the given events of userID as delivered. Ids
// owned by other users are ignored.
func (d *DB) MarkEventsProcessed(ctx context.Context, userID string, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+3)
	args = append(args, true, toNanos(now), userID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := d.exec(ctx, d.db, `UPDATE security_events SET is_processed = ?, processed_at = ?
		WHERE user_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	return affected(res), err
}

// DeleteExpiredEvents removes unprocessed events whose TTL ran out.
func (d *DB) DeleteExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.exec(ctx, d.db, `DELETE FROM security_events WHERE is_processed = ? AND expires_at <= ?`,
		false, toNanos(now))
	return affected(res), err
}

// DeleteProcessedEvents removes delivered events processed before cutoff.
func (d *DB) DeleteProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.exec(ctx, d.db, `DELETE FROM security_events WHERE is_processed = ? AND processed_at < ?`,
		true, toNanos(cutoff))
	return affected(res), err
}
