package store

import "time"

// DeviceInfo is advisory client metadata recorded with a session. It is
// not a security boundary.
type DeviceInfo struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	IP          string `json:"ip,omitempty"`
	Location    string `json:"location,omitempty"`
}

// RefreshSession is one issued refresh-token generation.
type RefreshSession struct {
	ID           string
	FamilyID     string
	TokenID      string
	RefreshHash  string
	UserID       string
	IsActive     bool
	IsCurrent    bool
	ExpiresAt    time.Time
	LastActiveAt time.Time
	CreatedAt    time.Time
	RevokedAt    time.Time
	ReplacedBy   string
	Device       DeviceInfo
}

// Expired reports whether the generation can no longer be redeemed at now.
func (s *RefreshSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Purpose of a one-time token.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposePasswordReset     Purpose = "password_reset"
	PurposeRecovery          Purpose = "recovery"
)

// OneTimeToken is a single-use, hashed token bound to a user and purpose.
type OneTimeToken struct {
	ID        string
	Purpose   Purpose
	Hash      string
	UserID    string
	ExpiresAt time.Time
	UsedAt    time.Time
	CreatedAt time.Time
}

// SecurityEvent is a persisted queue entry. Payload is opaque JSON and
// Priority is the numeric rank used for ordering.
type SecurityEvent struct {
	ID          string
	UserID      string
	Type        string
	Event       string
	Payload     []byte
	Priority    int
	ExpiresAt   time.Time
	IsProcessed bool
	ProcessedAt time.Time
	CreatedAt   time.Time
}

// User is the minimal account record the trust-changing flows act on.
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	TwoFactorEnabled bool
	EmailVerified    bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
