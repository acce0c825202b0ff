// Package account implements the flows that change how much an account can
// be trusted: password change and reset, two-factor toggles, email
// verification and recovery. Every flow that weakens or replaces a
// credential revokes all sessions before it reports success.
package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/example/sessioncore/internal/events"
	"github.com/example/sessioncore/internal/store"
	"github.com/example/sessioncore/internal/tokens"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Users is the account persistence; *store.DB implements it.
type Users interface {
	CreateUser(ctx context.Context, u *store.User) error
	UserByEmail(ctx context.Context, email string) (*store.User, error)
	UserByID(ctx context.Context, id string) (*store.User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error
	SetTwoFactor(ctx context.Context, userID string, enabled bool, now time.Time) error
	MarkEmailVerified(ctx context.Context, userID string, now time.Time) error
}

// OneTimeTokens persists single-use tokens; *store.DB implements it.
type OneTimeTokens interface {
	CreateOneTimeToken(ctx context.Context, t *store.OneTimeToken) error
	ConsumeOneTimeToken(ctx context.Context, purpose store.Purpose, hash string, now time.Time) (*store.OneTimeToken, error)
	InvalidateOneTimeTokens(ctx context.Context, userID string, purpose store.Purpose, now time.Time) (int64, error)
}

// Revoker ends sessions; *tokens.Engine implements it.
type Revoker interface {
	RevokeAllSessions(ctx context.Context, userID, reason string) (int64, error)
}

// Publisher queues notifications; *events.Queue implements it.
type Publisher interface {
	Publish(ctx context.Context, m events.Message) (*events.Event, error)
}

// Config tunes the service.
type Config struct {
	BcryptCost        int
	MinPasswordLength int
	ResetTTL          time.Duration
	VerificationTTL   time.Duration
	RecoveryTTL       time.Duration
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Users    Users
	Tokens   OneTimeTokens
	Sessions Revoker
	Events   Publisher
	Notifier Notifier
}

type Service struct {
	users    Users
	otts     OneTimeTokens
	sessions Revoker
	events   Publisher
	notifier Notifier
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(d Deps, cfg Config, log logrus.FieldLogger) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 8
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = 24 * time.Hour
	}
	if cfg.RecoveryTTL <= 0 {
		cfg.RecoveryTTL = time.Hour
	}
	log = log.WithField("component", "account")
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Log: log}
	}
	return &Service{
		users:    d.Users,
		otts:     d.Tokens,
		sessions: d.Sessions,
		events:   d.Events,
		notifier: d.Notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "is not a valid address")
	}
	return email, nil
}

func (s *Service) checkPassword(field, password string) error {
	if len(password) < s.cfg.MinPasswordLength {
		return invalid(field, fmt.Sprintf("must be at least %d characters", s.cfg.MinPasswordLength))
	}
	if len(password) > 72 {
		return invalid(field, "must be at most 72 bytes")
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	return string(b), err
}

func comparePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Register creates a user.
func (s *Service) Register(ctx context.Context, email, password string) (*store.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.checkPassword("password", password); err != nil {
		return nil, err
	}
	hash, err := s.hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	u := &store.User{ID: uuid.NewString(), Email: email, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Authenticate checks a password login.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.users.UserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !comparePassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// ChangePassword replaces the password of an authenticated user and ends
// every session, including the caller's.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := s.checkPassword("newPassword", next); err != nil {
		return err
	}
	u, err := s.user(ctx, userID)
	if err != nil {
		return err
	}
	if !comparePassword(u.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	if err := s.setPassword(ctx, userID, next); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAllSessions(ctx, userID, events.ReasonPasswordChanged); err != nil {
		return err
	}
	s.notify(ctx, userID, events.TypeNotification, events.PriorityNormal, events.PasswordChanged{At: s.now(), Via: "change"})
	return nil
}

// RequestPasswordReset issues a reset token. Unknown emails succeed
// silently so the endpoint cannot be used to probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	return s.requestByEmail(ctx, email, store.PurposePasswordReset, s.cfg.ResetTTL)
}

// ConfirmPasswordReset consumes a reset token and sets a new password.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	return s.replacePassword(ctx, store.PurposePasswordReset, token, newPassword, events.ReasonPasswordReset, "reset")
}

// RequestRecovery issues an account recovery token.
func (s *Service) RequestRecovery(ctx context.Context, email string) error {
	return s.requestByEmail(ctx, email, store.PurposeRecovery, s.cfg.RecoveryTTL)
}

// ConfirmRecovery consumes a recovery token, sets a new password and turns
// two-factor authentication off, since recovery exists for users who lost
// their second factor.
func (s *Service) ConfirmRecovery(ctx context.Context, token, newPassword string) error {
	return s.replacePassword(ctx, store.PurposeRecovery, token, newPassword, events.ReasonRecovery, "recovery")
}

func (s *Service) replacePassword(ctx context.Context, purpose store.Purpose, token, newPassword, reason, via string) error {
	if err := s.checkPassword("newPassword", newPassword); err != nil {
		return err
	}
	ott, err := s.consume(ctx, purpose, token)
	if err != nil {
		return err
	}
	if err := s.setPassword(ctx, ott.UserID, newPassword); err != nil {
		return err
	}
	if purpose == store.PurposeRecovery {
		if err := s.users.SetTwoFactor(ctx, ott.UserID, false, s.now()); err != nil {
			return fmt.Errorf("disable two-factor: %w", err)
		}
	}
	if _, err := s.sessions.RevokeAllSessions(ctx, ott.UserID, reason); err != nil {
		return err
	}
	s.notify(ctx, ott.UserID, events.TypeNotification, events.PriorityHigh, events.PasswordChanged{At: s.now(), Via: via})
	return nil
}

// EnableTwoFactor turns on the second factor. Sessions survive since the
// account only gets stronger.
func (s *Service) EnableTwoFactor(ctx context.Context, userID string) error {
	if err := s.users.SetTwoFactor(ctx, userID, true, s.now()); err != nil {
		return mapUserErr(err)
	}
	s.notify(ctx, userID, events.TypeSecurity, events.PriorityNormal, events.TwoFactorEnabled{At: s.now()})
	return nil
}

// DisableTwoFactor needs the password and ends every session.
func (s *Service) DisableTwoFactor(ctx context.Context, userID, password string) error {
	u, err := s.user(ctx, userID)
	if err != nil {
		return err
	}
	if !comparePassword(u.PasswordHash, password) {
		return ErrInvalidCredentials
	}
	if err := s.users.SetTwoFactor(ctx, userID, false, s.now()); err != nil {
		return mapUserErr(err)
	}
	if _, err := s.sessions.RevokeAllSessions(ctx, userID, events.ReasonTwoFactorDisabled); err != nil {
		return err
	}
	s.notify(ctx, userID, events.TypeSecurity, events.PriorityHigh, events.TwoFactorDisabled{At: s.now()})
	return nil
}

// RequestEmailVerification issues a verification token for the user.
func (s *Service) RequestEmailVerification(ctx context.Context, userID string) error {
	u, err := s.user(ctx, userID)
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return nil
	}
	return s.issue(ctx, u, store.PurposeEmailVerification, s.cfg.VerificationTTL)
}

// ConfirmEmailVerification consumes a verification token.
func (s *Service) ConfirmEmailVerification(ctx context.Context, token string) error {
	ott, err := s.consume(ctx, store.PurposeEmailVerification, token)
	if err != nil {
		return err
	}
	if err := s.users.MarkEmailVerified(ctx, ott.UserID, s.now()); err != nil {
		return mapUserErr(err)
	}
	s.notify(ctx, ott.UserID, events.TypeNotification, events.PriorityLow, events.EmailVerified{At: s.now()})
	return nil
}

func (s *Service) requestByEmail(ctx context.Context, email string, purpose store.Purpose, ttl time.Duration) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	u, err := s.users.UserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.log.WithField("purpose", purpose).Debug("one-time token requested for unknown email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	return s.issue(ctx, u, purpose, ttl)
}

// issue burns outstanding tokens of purpose and delivers a fresh one.
func (s *Service) issue(ctx context.Context, u *store.User, purpose store.Purpose, ttl time.Duration) error {
	now := s.now()
	if _, err := s.otts.InvalidateOneTimeTokens(ctx, u.ID, purpose, now); err != nil {
		return fmt.Errorf("invalidate %s tokens: %w", purpose, err)
	}
	raw, err := tokens.RandomToken(32)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	t := &store.OneTimeToken{
		ID:        uuid.NewString(),
		Purpose:   purpose,
		Hash:      tokens.HashToken(raw),
		UserID:    u.ID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.otts.CreateOneTimeToken(ctx, t); err != nil {
		return fmt.Errorf("store %s token: %w", purpose, err)
	}
	return s.notifier.Deliver(ctx, u, purpose, raw, t.ExpiresAt)
}

func (s *Service) consume(ctx context.Context, purpose store.Purpose, token string) (*store.OneTimeToken, error) {
	if token == "" {
		return nil, ErrInvalidOrUsedOneTimeToken
	}
	ott, err := s.otts.ConsumeOneTimeToken(ctx, purpose, tokens.HashToken(token), s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidOrUsedOneTimeToken
	}
	if err != nil {
		return nil, fmt.Errorf("consume %s token: %w", purpose, err)
	}
	return ott, nil
}

func (s *Service) user(ctx context.Context, userID string) (*store.User, error) {
	u, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return nil, mapUserErr(err)
	}
	return u, nil
}

func (s *Service) setPassword(ctx context.Context, userID, password string) error {
	hash, err := s.hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash, s.now()); err != nil {
		return mapUserErr(err)
	}
	return nil
}

func mapUserErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCredentials
	}
	return fmt.Errorf("user store: %w", err)
}

func (s *Service) notify(ctx context.Context, userID string, typ events.Type, pr events.Priority, p events.Payload) {
	if _, err := s.events.Publish(ctx, events.Message{UserID: userID, Type: typ, Priority: pr, Payload: p}); err != nil {
		s.log.WithError(err).WithField("event", p.EventName()).Error("failed to queue notification")
	}
}
