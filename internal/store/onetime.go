package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateOneTimeToken stores a hashed single-use token.
func (d *DB) CreateOneTimeToken(ctx context.Context, t *OneTimeToken) error {
	_, err := d.exec(ctx, d.db, `INSERT INTO one_time_tokens (id, purpose, hash, user_id, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Purpose), t.Hash, t.UserID, toNanos(t.ExpiresAt), nullNanos(t.UsedAt), toNanos(t.CreatedAt))
	return err
}

// ConsumeOneTimeToken marks the token with the given hash and purpose as
// used and returns it. The update only matches an unused, unexpired row, so
// of any number of concurrent callers exactly one succeeds; the others get
// ErrNotFound.
func (d *DB) ConsumeOneTimeToken(ctx context.Context, purpose Purpose, hash string, now time.Time) (*OneTimeToken, error) {
	var (
		t                  OneTimeToken
		expiresAt, created int64
	)
	err := d.queryRow(ctx, d.db, `UPDATE one_time_tokens SET used_at = ?
		WHERE hash = ? AND purpose = ? AND used_at IS NULL AND expires_at > ?
		RETURNING id, user_id, expires_at, created_at`,
		toNanos(now), hash, string(purpose), toNanos(now)).Scan(&t.ID, &t.UserID, &expiresAt, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Purpose = purpose
	t.Hash = hash
	t.ExpiresAt = fromNanos(expiresAt)
	t.CreatedAt = fromNanos(created)
	t.UsedAt = now
	return &t, nil
}

// InvalidateOneTimeTokens burns every outstanding token of purpose for the
// user. Issuing a fresh token calls this first.
func (d *DB) InvalidateOneTimeTokens(ctx context.Context, userID string, purpose Purpose, now time.Time) (int64, error) {
	res, err := d.exec(ctx, d.db, `UPDATE one_time_tokens SET used_at = ?
		WHERE user_id = ? AND purpose = ? AND used_at IS NULL`, toNanos(now), userID, string(purpose))
	return affected(res), err
}

// DeleteExpiredOneTimeTokens removes tokens that expired before cutoff,
// used or not.
func (d *DB) DeleteExpiredOneTimeTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.exec(ctx, d.db, `DELETE FROM one_time_tokens WHERE expires_at < ?`, toNanos(cutoff))
	return affected(res), err
}
