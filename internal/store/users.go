package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const userColumns = `id, email, password_hash, two_factor_enabled, email_verified, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var (
		u                User
		created, updated int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TwoFactorEnabled, &u.EmailVerified, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

// CreateUser inserts u. A duplicate email is reported as ErrConflict.
func (d *DB) CreateUser(ctx context.Context, u *User) error {
	_, err := d.exec(ctx, d.db, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.TwoFactorEnabled, u.EmailVerified, toNanos(u.CreatedAt), toNanos(u.UpdatedAt))
	return err
}

func (d *DB) UserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(d.queryRow(ctx, d.db, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

func (d *DB) UserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(d.queryRow(ctx, d.db, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// CountUsersByEmail is used by tests and the duplicate-submission checks.
func (d *DB) CountUsersByEmail(ctx context.Context, email string) (int, error) {
	var n int
	err := d.queryRow(ctx, d.db, `SELECT COUNT(1) FROM users WHERE email = ?`, email).Scan(&n)
	return n, err
}

func (d *DB) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	return d.updateUser(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, toNanos(now), userID)
}

func (d *DB) SetTwoFactor(ctx context.Context, userID string, enabled bool, now time.Time) error {
	return d.updateUser(ctx, `UPDATE users SET two_factor_enabled = ?, updated_at = ? WHERE id = ?`, enabled, toNanos(now), userID)
}

func (d *DB) MarkEmailVerified(ctx context.Context, userID string, now time.Time) error {
	return d.updateUser(ctx, `UPDATE users SET email_verified = ?, updated_at = ? WHERE id = ?`, true, toNanos(now), userID)
}

func (d *DB) updateUser(ctx context.Context, query string, args ...any) error {
	res, err := d.exec(ctx, d.db, query, args...)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}
