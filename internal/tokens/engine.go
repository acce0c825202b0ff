// Package tokens issues and rotates refresh-token families and validates
// access tokens.
//
// Every login starts a family. Each refresh redeems the current generation
// of the family and inserts its successor in one compare-and-swap
// transaction. Presenting a generation that was already redeemed is treated
// as theft: the whole family is revoked and an urgent force_logout event is
// queued for the user.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/sessioncore/internal/events"
	"github.com/example/sessioncore/internal/metrics"
	"github.com/example/sessioncore/internal/session"
	"github.com/example/sessioncore/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the family persistence the engine needs; *store.DB implements it.
type Store interface {
	CreateSession(ctx context.Context, s *store.RefreshSession) error
	SessionByHash(ctx context.Context, hash string) (*store.RefreshSession, error)
	RotateSession(ctx context.Context, currentID string, next *store.RefreshSession, now time.Time) error
	RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error)
	RevokeUserFamily(ctx context.Context, userID, familyID string, now time.Time) (int64, error)
	RevokeUserSessions(ctx context.Context, userID string, now time.Time) (int64, error)
	ActiveSessions(ctx context.Context, userID string, now time.Time) ([]store.RefreshSession, error)
}

// Cache is the session cache as seen by the engine; *session.Cache
// implements it.
type Cache interface {
	Get(ctx context.Context, userID, tokenID string) (*session.Entry, error)
	Lookup(ctx context.Context, userID, tokenID string) (*session.Entry, bool)
	Prime(ctx context.Context, e *session.Entry)
	Touch(ctx context.Context, userID, tokenID string)
	Invalidate(ctx context.Context, userID, tokenID string)
	InvalidateFamily(ctx context.Context, userID, familyID string)
	InvalidateAll(ctx context.Context, userID string)
}

// Publisher queues security events; *events.Queue implements it.
type Publisher interface {
	Publish(ctx context.Context, m events.Message) (*events.Event, error)
}

// Config holds signing keys and lifetimes.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenPair is returned by Issue and Rotate.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	UserID           string
	FamilyID         string
	TokenID          string
}

// SessionView is one device as listed to its owner.
type SessionView struct {
	ID           string           `json:"id"`
	Device       store.DeviceInfo `json:"device"`
	CreatedAt    time.Time        `json:"createdAt"`
	LastActiveAt time.Time        `json:"lastActiveAt"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	Current      bool             `json:"current"`
}

// Engine is safe for concurrent use.
type Engine struct {
	store  Store
	cache  Cache
	events Publisher
	signer *signer
	cfg    Config
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewEngine wires an engine.
func NewEngine(s Store, cache Cache, pub Publisher, cfg Config, log logrus.FieldLogger) *Engine {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if len(cfg.RefreshSecret) == 0 {
		cfg.RefreshSecret = cfg.AccessSecret
	}
	e := &Engine{
		store:  s,
		cache:  cache,
		events: pub,
		cfg:    cfg,
		log:    log.WithField("component", "token_engine"),
		now:    time.Now,
	}
	e.signer = &signer{
		accessKey:  cfg.AccessSecret,
		refreshKey: cfg.RefreshSecret,
		issuer:     cfg.Issuer,
		now:        func() time.Time { return e.now() },
	}
	return e
}

// Issue starts a new family for userID.
func (e *Engine) Issue(ctx context.Context, userID string, device store.DeviceInfo) (*TokenPair, error) {
	now := e.now()
	gen, pair, err := e.generation(userID, uuid.NewString(), device, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateSession(ctx, gen); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	e.cache.Prime(ctx, session.FromSession(gen))
	return pair, nil
}

// generation builds the next row of a family and the tokens bound to it.
func (e *Engine) generation(userID, familyID string, device store.DeviceInfo, now time.Time) (*store.RefreshSession, *TokenPair, error) {
	tokenID := uuid.NewString()
	pair := &TokenPair{
		AccessExpiresAt:  now.Add(e.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(e.cfg.RefreshTTL),
		UserID:           userID,
		FamilyID:         familyID,
		TokenID:          tokenID,
	}
	var err error
	if pair.AccessToken, err = e.signer.sign(useAccess, userID, familyID, tokenID, now, pair.AccessExpiresAt); err != nil {
		return nil, nil, fmt.Errorf("sign access token: %w", err)
	}
	if pair.RefreshToken, err = e.signer.sign(useRefresh, userID, familyID, tokenID, now, pair.RefreshExpiresAt); err != nil {
		return nil, nil, fmt.Errorf("sign refresh token: %w", err)
	}
	gen := &store.RefreshSession{
		ID:           uuid.NewString(),
		FamilyID:     familyID,
		TokenID:      tokenID,
		RefreshHash:  HashToken(pair.RefreshToken),
		UserID:       userID,
		IsActive:     true,
		IsCurrent:    true,
		ExpiresAt:    pair.RefreshExpiresAt,
		LastActiveAt: now,
		CreatedAt:    now,
		Device:       device,
	}
	return gen, pair, nil
}

// Rotate redeems presented and returns tokens for the next generation.
//
// A lost compare-and-swap or a transient store error is retried once from
// the lookup. The retry then sees the generation as redeemed and reports
// reuse, so a concurrent double refresh never yields two winners.
func (e *Engine) Rotate(ctx context.Context, presented string, device store.DeviceInfo) (*TokenPair, error) {
	claims, err := e.signer.parse(useRefresh, presented)
	if err != nil {
		metrics.RotationOutcomes.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRefreshToken
	}
	hash := HashToken(presented)

	for attempt := 0; ; attempt++ {
		pair, err := e.rotateOnce(ctx, claims, hash, device)
		if err == nil {
			metrics.RotationOutcomes.WithLabelValues("rotated").Inc()
			return pair, nil
		}
		retry := errors.Is(err, store.ErrStaleGeneration) || store.IsTransient(err)
		if retry && attempt == 0 {
			e.log.WithError(err).WithField("family_id", claims.FamilyID).Debug("retrying refresh rotation")
			continue
		}
		switch {
		case errors.Is(err, ErrTokenReuseDetected):
			metrics.RotationOutcomes.WithLabelValues("reuse_detected").Inc()
		case errors.Is(err, ErrInvalidRefreshToken), errors.Is(err, store.ErrStaleGeneration):
			metrics.RotationOutcomes.WithLabelValues("invalid").Inc()
			return nil, ErrInvalidRefreshToken
		default:
			metrics.RotationOutcomes.WithLabelValues("error").Inc()
			e.log.WithError(err).WithField("family_id", claims.FamilyID).Error("refresh rotation failed")
		}
		return nil, err
	}
}

func (e *Engine) rotateOnce(ctx context.Context, claims *Claims, hash string, device store.DeviceInfo) (*TokenPair, error) {
	now := e.now()
	cur, err := e.store.SessionByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup refresh session: %w", err)
	}
	if cur.UserID != claims.Subject || cur.FamilyID != claims.FamilyID || cur.TokenID != claims.ID {
		return nil, ErrInvalidRefreshToken
	}
	if cur.Expired(now) {
		return nil, ErrInvalidRefreshToken
	}
	if !cur.IsActive || !cur.IsCurrent {
		return nil, e.reuse(ctx, cur)
	}

	gen, pair, err := e.generation(cur.UserID, cur.FamilyID, mergeDevice(cur.Device, device), now)
	if err != nil {
		return nil, err
	}
	if err := e.store.RotateSession(ctx, cur.ID, gen, now); err != nil {
		if errors.Is(err, store.ErrStaleGeneration) || store.IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	e.cache.Invalidate(ctx, cur.UserID, cur.TokenID)
	e.cache.Prime(ctx, session.FromSession(gen))
	return pair, nil
}

// reuse revokes the family of a redeemed generation that was presented
// again. The force_logout event is only queued by the call that actually
// deactivated rows, so replays of the same stale token queue one event.
func (e *Engine) reuse(ctx context.Context, s *store.RefreshSession) error {
	n, err := e.store.RevokeFamily(ctx, s.FamilyID, e.now())
	if err != nil {
		return fmt.Errorf("revoke family after reuse: %w", err)
	}
	e.cache.InvalidateFamily(ctx, s.UserID, s.FamilyID)
	e.log.WithFields(logrus.Fields{
		"event":     "refresh_token_reuse",
		"user_id":   s.UserID,
		"family_id": s.FamilyID,
		"token_id":  s.TokenID,
		"revoked":   n,
	}).Warn("refresh token reuse detected, family revoked")
	if n > 0 {
		e.publishLogout(ctx, s.UserID, events.ForceLogout{Reason: events.ReasonTokenReuse, FamilyID: s.FamilyID})
	}
	return ErrTokenReuseDetected
}

func (e *Engine) publishLogout(ctx context.Context, userID string, p events.ForceLogout) {
	_, err := e.events.Publish(ctx, events.Message{
		UserID:   userID,
		Type:     events.TypeSecurity,
		Payload:  p,
		Priority: events.PriorityUrgent,
	})
	if err != nil {
		e.log.WithError(err).WithField("user_id", userID).Error("failed to queue force_logout")
	}
}

func mergeDevice(prev, next store.DeviceInfo) store.DeviceInfo {
	if next.Fingerprint != "" {
		prev.Fingerprint = next.Fingerprint
	}
	if next.UserAgent != "" {
		prev.UserAgent = next.UserAgent
	}
	if next.IP != "" {
		prev.IP = next.IP
	}
	if next.Location != "" {
		prev.Location = next.Location
	}
	return prev
}

// RevokeAllSessions deactivates every session of userID and queues an
// urgent force_logout. Callers changing account trust must not report
// success before this returns nil. A failure to queue the event is logged,
// not returned, since the sessions are already dead.
func (e *Engine) RevokeAllSessions(ctx context.Context, userID, reason string) (int64, error) {
	n, err := e.store.RevokeUserSessions(ctx, userID, e.now())
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	e.cache.InvalidateAll(ctx, userID)
	e.log.WithFields(logrus.Fields{"user_id": userID, "reason": reason, "revoked": n}).Info("all sessions revoked")
	e.publishLogout(ctx, userID, events.ForceLogout{Reason: reason})
	return n, nil
}

// RevokeSession logs out one device (family). Revoking the caller's own
// session needs confirmCurrent.
func (e *Engine) RevokeSession(ctx context.Context, userID, familyID, currentFamilyID string, confirmCurrent bool) error {
	if familyID == currentFamilyID && !confirmCurrent {
		return ErrCurrentSession
	}
	n, err := e.store.RevokeUserFamily(ctx, userID, familyID, e.now())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	e.cache.InvalidateFamily(ctx, userID, familyID)
	e.publishLogout(ctx, userID, events.ForceLogout{Reason: events.ReasonSessionRevoked, FamilyID: familyID})
	return nil
}

// Logout revokes the family of presented. It queues no event since the
// caller asked for it.
func (e *Engine) Logout(ctx context.Context, presented string) error {
	claims, err := e.signer.parse(useRefresh, presented)
	if err != nil {
		return ErrInvalidRefreshToken
	}
	s, err := e.store.SessionByHash(ctx, HashToken(presented))
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidRefreshToken
	}
	if err != nil {
		return fmt.Errorf("lookup refresh session: %w", err)
	}
	if s.FamilyID != claims.FamilyID || s.UserID != claims.Subject {
		return ErrInvalidRefreshToken
	}
	if _, err := e.store.RevokeFamily(ctx, s.FamilyID, e.now()); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	e.cache.InvalidateFamily(ctx, s.UserID, s.FamilyID)
	return nil
}

// ListSessions returns the user's live devices. Activity recorded in the
// cache since the last rotation wins over the stored timestamp.
func (e *Engine) ListSessions(ctx context.Context, userID, currentFamilyID string) ([]SessionView, error) {
	rows, err := e.store.ActiveSessions(ctx, userID, e.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionView, 0, len(rows))
	for _, r := range rows {
		v := SessionView{
			ID:           r.FamilyID,
			Device:       r.Device,
			CreatedAt:    r.CreatedAt,
			LastActiveAt: r.LastActiveAt,
			ExpiresAt:    r.ExpiresAt,
			Current:      r.FamilyID == currentFamilyID,
		}
		if c, ok := e.cache.Lookup(ctx, userID, r.TokenID); ok && c.LastActiveAt.After(v.LastActiveAt) {
			v.LastActiveAt = c.LastActiveAt
		}
		out = append(out, v)
	}
	return out, nil
}

// Authenticate validates an access token and returns its principal. The
// token is only accepted while the generation it was issued for is still
// active, so rotation and revocation cut off derived access tokens.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := e.signer.parse(useAccess, accessToken)
	if err != nil {
		return nil, ErrInvalidAccessToken
	}
	entry, err := e.cache.Get(ctx, claims.Subject, claims.ID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrInvalidAccessToken
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !entry.IsActive || entry.FamilyID != claims.FamilyID || (!entry.ExpiresAt.IsZero() && !entry.ExpiresAt.After(e.now())) {
		return nil, ErrInvalidAccessToken
	}
	e.cache.Touch(ctx, claims.Subject, claims.ID)
	return &Principal{UserID: claims.Subject, FamilyID: claims.FamilyID, TokenID: claims.ID}, nil
}
