package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/sessioncore/internal/events"
	"github.com/example/sessioncore/internal/store"
	"github.com/example/sessioncore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type captureNotifier struct {
	mu     sync.Mutex
	tokens map[store.Purpose]string
}

func (c *captureNotifier) Deliver(_ context.Context, _ *store.User, purpose store.Purpose, token string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil {
		c.tokens = make(map[store.Purpose]string)
	}
	c.tokens[purpose] = token
	return nil
}

func (c *captureNotifier) last(p store.Purpose) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[p]
}

type fakeRevoker struct {
	mu      sync.Mutex
	calls   []string
	failure error
}

func (f *fakeRevoker) RevokeAllSessions(_ context.Context, userID, reason string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+":"+reason)
	return 1, f.failure
}

type fixture struct {
	svc      *Service
	db       *store.DB
	queue    *events.Queue
	revoker  *fakeRevoker
	notifier *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSQLite(t)
	log, _ := testutil.NewLogger()
	queue := events.NewQueue(db, events.Config{}, log)
	f := &fixture{db: db, queue: queue, revoker: &fakeRevoker{}, notifier: &captureNotifier{}}
	f.svc = NewService(Deps{
		Users:    db,
		Tokens:   db,
		Sessions: f.revoker,
		Events:   queue,
		Notifier: f.notifier,
	}, Config{BcryptCost: bcrypt.MinCost}, log)
	return f
}

func (f *fixture) register(t *testing.T) *store.User {
	t.Helper()
	u, err := f.svc.Register(context.Background(), " Alice@Example.com ", "correct horse")
	require.NoError(t, err)
	return u
}

func (f *fixture) eventNames(t *testing.T, userID string) []string {
	t.Helper()
	evs, err := f.queue.DrainUnprocessed(context.Background(), userID)
	require.NoError(t, err)
	var names []string
	for _, e := range evs {
		names = append(names, e.Name)
	}
	return names
}

func TestRegisterAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := f.register(t)
	assert.Equal(t, "alice@example.com", u.Email)

	_, err := f.svc.Register(ctx, "alice@example.com", "another password")
	assert.ErrorIs(t, err, ErrEmailTaken)

	var verr *ValidationError
	_, err = f.svc.Register(ctx, "not-an-email", "correct horse")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Field)
	_, err = f.svc.Register(ctx, "b@example.com", "short")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)

	got, err := f.svc.Authenticate(ctx, "ALICE@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = f.svc.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Authenticate(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t)

	err := f.svc.ChangePassword(ctx, u.ID, "wrong", "new password 1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, f.revoker.calls)

	require.NoError(t, f.svc.ChangePassword(ctx, u.ID, "correct horse", "new password 1"))
	assert.Equal(t, []string{u.ID + ":" + events.ReasonPasswordChanged}, f.revoker.calls)
	assert.Contains(t, f.eventNames(t, u.ID), events.EventPasswordChanged)

	_, err = f.svc.Authenticate(ctx, u.Email, "new password 1")
	assert.NoError(t, err)
}

func TestChangePasswordFailsWhenRevocationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t)
	f.revoker.failure = errors.New("db down")

	err := f.svc.ChangePassword(ctx, u.ID, "correct horse", "new password 1")
	require.Error(t, err)
	assert.Empty(t, f.eventNames(t, u.ID))
}

func TestPasswordResetIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, u.Email))
	token := f.notifier.last(store.PurposePasswordReset)
	require.NotEmpty(t, token)

	var verr *ValidationError
	require.ErrorAs(t, f.svc.ConfirmPasswordReset(ctx, token, "short"), &verr)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.svc.ConfirmPasswordReset(ctx, token, "brand new password")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrInvalidOrUsedOneTimeToken)
	}
	assert.Equal(t, []string{u.ID + ":" + events.ReasonPasswordReset}, f.revoker.calls)
	_, err := f.svc.Authenticate(ctx, u.Email, "brand new password")
	assert.NoError(t, err)
}

func TestNewResetTokenInvalidatesOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, u.Email))
	old := f.notifier.last(store.PurposePasswordReset)
	require.NoError(t, f.svc.RequestPasswordReset(ctx, u.Email))
	fresh := f.notifier.last(store.PurposePasswordReset)
	require.NotEqual(t, old, fresh)

	assert.ErrorIs(t, f.svc.ConfirmPasswordReset(ctx, old, "brand new password"), ErrInvalidOrUsedOneTimeToken)
	assert.NoError(t, f.svc.ConfirmPasswordReset(ctx, fresh, "brand new password"))
}

func TestResetForUnknownEmailIsSilent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.RequestPasswordReset(context.Background(), "ghost@example.com"))
	assert.Empty(t, f.notifier.last(store.PurposePasswordReset))
}

func TestExpiredResetToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, u.Email))
	token := f.notifier.last(store.PurposePasswordReset)
	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.ErrorIs(t, f.svc.ConfirmPasswordReset(ctx, token, "brand new password"), ErrInvalidOrUsedOneTimeToken)
}

func TestTwoFactorToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t)

	require.NoError(t, f.svc.EnableTwoFactor(ctx, u.ID))
	assert.Empty(t, f.revoker.calls, "enabling does not end sessions")

	assert.ErrorIs(t, f.svc.DisableTwoFactor(ctx, u.ID, "wrong"), ErrInvalidCredentials)
	require.NoError(t, f.svc.DisableTwoFactor(ctx, u.ID, "correct horse"))
	assert.Equal(t, []string{u.ID + ":" + events.ReasonTwoFactorDisabled}, f.revoker.calls)

	got, err := f.db.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.TwoFactorEnabled)

	names := f.eventNames(t, u.ID)
	assert.Equal(t, []string{events.EventTwoFactorDisabled, events.EventTwoFactorEnabled}, names, "high priority first")
}

func TestEmailVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t)

	require.NoError(t, f.svc.RequestEmailVerification(ctx, u.ID))
	token := f.notifier.last(store.PurposeEmailVerification)
	require.NotEmpty(t, token)

	assert.ErrorIs(t, f.svc.ConfirmPasswordReset(ctx, token, "brand new password"), ErrInvalidOrUsedOneTimeToken, "purpose is enforced")
	require.NoError(t, f.svc.ConfirmEmailVerification(ctx, token))
	assert.ErrorIs(t, f.svc.ConfirmEmailVerification(ctx, token), ErrInvalidOrUsedOneTimeToken)

	got, err := f.db.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)
	assert.Empty(t, f.revoker.calls)
}

func TestRecoveryDisablesTwoFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t)
	require.NoError(t, f.svc.EnableTwoFactor(ctx, u.ID))

	require.NoError(t, f.svc.RequestRecovery(ctx, u.Email))
	token := f.notifier.last(store.PurposeRecovery)
	require.NoError(t, f.svc.ConfirmRecovery(ctx, token, "recovered password"))

	got, err := f.db.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.TwoFactorEnabled)
	assert.Equal(t, []string{u.ID + ":" + events.ReasonRecovery}, f.revoker.calls)
}
