package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const sessionColumns = `id, family_id, token_id, refresh_hash, user_id, is_active, is_current,
	expires_at, last_active_at, created_at, revoked_at, replaced_by,
	device_fingerprint, user_agent, ip_address, location`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*RefreshSession, error) {
	var (
		s                              RefreshSession
		expiresAt, lastActive, created int64
		revokedAt                      sql.NullInt64
		replacedBy                     sql.NullString
	)
	err := row.Scan(&s.ID, &s.FamilyID, &s.TokenID, &s.RefreshHash, &s.UserID, &s.IsActive, &s.IsCurrent,
		&expiresAt, &lastActive, &created, &revokedAt, &replacedBy,
		&s.Device.Fingerprint, &s.Device.UserAgent, &s.Device.IP, &s.Device.Location)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.ExpiresAt = fromNanos(expiresAt)
	s.LastActiveAt = fromNanos(lastActive)
	s.CreatedAt = fromNanos(created)
	s.RevokedAt = fromNullNanos(revokedAt)
	s.ReplacedBy = replacedBy.String
	return &s, nil
}

func (d *DB) insertSession(ctx context.Context, q querier, s *RefreshSession) error {
	_, err := d.exec(ctx, q, `INSERT INTO refresh_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.FamilyID, s.TokenID, s.RefreshHash, s.UserID, s.IsActive, s.IsCurrent,
		toNanos(s.ExpiresAt), toNanos(s.LastActiveAt), toNanos(s.CreatedAt), nullNanos(s.RevokedAt), nullString(s.ReplacedBy),
		s.Device.Fingerprint, s.Device.UserAgent, s.Device.IP, s.Device.Location)
	return err
}

// CreateSession inserts the first generation of a family. A refresh hash
// collision is reported as ErrConflict.
func (d *DB) CreateSession(ctx context.Context, s *RefreshSession) error {
	return d.insertSession(ctx, d.db, s)
}

// SessionByHash looks a generation up by the hash of its bearer token.
func (d *DB) SessionByHash(ctx context.Context, hash string) (*RefreshSession, error) {
	return scanSession(d.queryRow(ctx, d.db, `SELECT `+sessionColumns+` FROM refresh_sessions WHERE refresh_hash = ?`, hash))
}

// SessionByTokenID looks a generation up by its token (generation) id.
func (d *DB) SessionByTokenID(ctx context.Context, tokenID string) (*RefreshSession, error) {
	return scanSession(d.queryRow(ctx, d.db, `SELECT `+sessionColumns+` FROM refresh_sessions WHERE token_id = ?`, tokenID))
}

// FamilySessions returns every generation of a family, oldest first.
func (d *DB) FamilySessions(ctx context.Context, familyID string) ([]RefreshSession, error) {
	return d.listSessions(ctx, `SELECT `+sessionColumns+` FROM refresh_sessions WHERE family_id = ? ORDER BY created_at, id`, familyID)
}

// ActiveSessions returns the current, active, unexpired generation of
// each of the user's families, most recently active first.
func (d *DB) ActiveSessions(ctx context.Context, userID string, now time.Time) ([]RefreshSession, error) {
	return d.listSessions(ctx, `SELECT `+sessionColumns+` FROM refresh_sessions
		WHERE user_id = ? AND is_active = ? AND is_current = ? AND expires_at > ?
		ORDER BY last_active_at DESC, id`, userID, true, true, toNanos(now))
}

func (d *DB) listSessions(ctx context.Context, query string, args ...any) ([]RefreshSession, error) {
	rows, err := d.query(ctx, d.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RefreshSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// RotateSession redeems the generation currentID and inserts next as the
// new current generation of the same family, in one transaction. The
// redeem is a compare-and-swap on (is_active, is_current): when another
// rotation already won, ErrStaleGeneration is returned and nothing changes.
func (d *DB) RotateSession(ctx context.Context, currentID string, next *RefreshSession, now time.Time) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := d.exec(ctx, tx, `UPDATE refresh_sessions
			SET is_active = ?, is_current = ?, revoked_at = ?, replaced_by = ?
			WHERE id = ? AND family_id = ? AND is_active = ? AND is_current = ?`,
			false, false, toNanos(now), next.TokenID, currentID, next.FamilyID, true, true)
		if err != nil {
			return err
		}
		if affected(res) != 1 {
			return ErrStaleGeneration
		}
		return d.insertSession(ctx, tx, next)
	})
}

// RevokeFamily deactivates every active generation of a family and
// returns how many rows changed.
func (d *DB) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	res, err := d.exec(ctx, d.db, `UPDATE refresh_sessions SET is_active = ?, revoked_at = ?
		WHERE family_id = ? AND is_active = ?`, false, toNanos(now), familyID, true)
	return affected(res), err
}

// RevokeUserFamily is RevokeFamily restricted to families owned by userID.
func (d *DB) RevokeUserFamily(ctx context.Context, userID, familyID string, now time.Time) (int64, error) {
	res, err := d.exec(ctx, d.db, `UPDATE refresh_sessions SET is_active = ?, revoked_at = ?
		WHERE user_id = ? AND family_id = ? AND is_active = ?`, false, toNanos(now), userID, familyID, true)
	return affected(res), err
}

// RevokeUserSessions deactivates every active generation the user owns.
func (d *DB) RevokeUserSessions(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := d.exec(ctx, d.db, `UPDATE refresh_sessions SET is_active = ?, revoked_at = ?
		WHERE user_id = ? AND is_active = ?`, false, toNanos(now), userID, true)
	return affected(res), err
}

// DeleteExpiredSessions removes generations that expired before cutoff.
func (d *DB) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.exec(ctx, d.db, `DELETE FROM refresh_sessions WHERE expires_at < ?`, toNanos(cutoff))
	return affected(res), err
}
