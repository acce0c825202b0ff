package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/example/sessioncore/internal/config"
	"github.com/example/sessioncore/internal/events"
	"github.com/example/sessioncore/internal/idempotency"
	"github.com/example/sessioncore/internal/store"
	"github.com/example/sessioncore/internal/testutil"
	"github.com/sirupsen/logrus/hooks/test"
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
		c.tokens = map[store.Purpose]string{}
	}
	c.tokens[purpose] = token
	return nil
}

func (c *captureNotifier) get(p store.Purpose) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[p]
}

type harness struct {
	app      *App
	handler  http.Handler
	db       *store.DB
	mr       *miniredis.Miniredis
	hook     *test.Hook
	notifier *captureNotifier
}

func testConfig() *config.Config {
	return &config.Config{
		Port:             "8080",
		DBAdapter:        "memory",
		KVAdapter:        "redis",
		JwtSecret:        "test-secret",
		JwtIssuer:        "sessioncore-test",
		AccessTokenTTL:   15 * time.Minute,
		RefreshTokenTTL:  720 * time.Hour,
		IdempotencyTTL:   5 * time.Minute,
		StoreTimeout:     250 * time.Millisecond,
		RateLimitDefault: 100,
		RateLimitWindow:  time.Minute,
		ForceLogoutTTL:   168 * time.Hour,
		EventTTL:         72 * time.Hour,
		EventRetention:   720 * time.Hour,
		SessionGrace:     24 * time.Hour,
		CleanupInterval:  time.Hour,
		WSPollInterval:   15 * time.Second,
		CORSOrigins:      []string{"*"},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewSQLite(t)
	kvStore, mr := testutil.NewRedis(t)
	log, hook := testutil.NewLogger()
	n := &captureNotifier{}
	app := NewApp(testConfig(), db, kvStore, log, Options{Notifier: n, BcryptCost: bcrypt.MinCost})
	t.Cleanup(app.gateway.Shutdown)
	return &harness{app: app, handler: app.Router(), db: db, mr: mr, hook: hook, notifier: n}
}

type request struct {
	method  string
	path    string
	body    any
	access  string
	remote  string
	headers map[string]string
}

func (h *harness) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(req.body))
	}
	r := httptest.NewRequest(req.method, req.path, &body)
	r.Header.Set("Content-Type", "application/json")
	if req.access != "" {
		r.Header.Set("Authorization", "Bearer "+req.access)
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	if req.remote != "" {
		r.RemoteAddr = req.remote
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (h *harness) register(t *testing.T, email string) TokenResponse {
	t.Helper()
	w := h.do(t, request{method: http.MethodPost, path: "/auth/register", body: credentialsRequest{Email: email, Password: "correct horse"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[TokenResponse](t, w)
}

func (h *harness) login(t *testing.T, email, password string) *httptest.ResponseRecorder {
	return h.do(t, request{method: http.MethodPost, path: "/auth/login", body: credentialsRequest{Email: email, Password: password}})
}

func (h *harness) refresh(t *testing.T, token string) *httptest.ResponseRecorder {
	return h.do(t, request{method: http.MethodPost, path: "/auth/refresh", body: refreshRequest{RefreshToken: token}})
}

func TestCreateUserIsIdempotent(t *testing.T) {
	h := newHarness(t)
	req := request{
		method:  http.MethodPost,
		path:    "/users",
		body:    credentialsRequest{Email: "alice@example.com", Password: "correct horse"},
		headers: map[string]string{idempotency.HeaderKey: "signup-1"},
	}

	first := h.do(t, req)
	second := h.do(t, req)

	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Empty(t, first.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))

	n, err := h.db.CountUsersByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A fresh key runs the handler again and hits the unique email.
	req.headers[idempotency.HeaderKey] = "signup-2"
	third := h.do(t, req)
	assert.Equal(t, http.StatusConflict, third.Code)
}

func TestLoginKeyDoesNotReplayToOtherRequests(t *testing.T) {
	h := newHarness(t)
	h.register(t, "victim@example.com")
	login := func(password, remote string) *httptest.ResponseRecorder {
		return h.do(t, request{
			method:  http.MethodPost,
			path:    "/auth/login",
			body:    credentialsRequest{Email: "victim@example.com", Password: password},
			remote:  remote,
			headers: map[string]string{idempotency.HeaderKey: "k1"},
		})
	}

	victim := login("correct horse", "198.51.100.7:5000")
	require.Equal(t, http.StatusOK, victim.Code, victim.Body.String())
	issued := decode[TokenResponse](t, victim)

	// Same address, same key, different credentials.
	w := login("wrong", "198.51.100.7:5000")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotContains(t, w.Body.String(), issued.RefreshToken)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", decode[APIError](t, w).Code)

	// Another address never sees the stored record.
	w = login("wrong", "203.0.113.9:6000")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Header().Get(idempotency.HeaderReplayed))
	assert.NotContains(t, w.Body.String(), issued.RefreshToken)

	// The genuine retry still replays.
	w = login("correct horse", "198.51.100.7:5000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, victim.Body.String(), w.Body.String())
}

func TestRefreshReuseRevokesFamilyAndQueuesLogout(t *testing.T) {
	h := newHarness(t)
	first := h.register(t, "bob@example.com")

	w := h.refresh(t, first.RefreshToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode[TokenResponse](t, w)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The rotated-away access token no longer authenticates.
	w = h.do(t, request{method: http.MethodGet, path: "/auth/validate", access: first.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = h.do(t, request{method: http.MethodGet, path: "/auth/validate", access: second.AccessToken})
	assert.Equal(t, http.StatusOK, w.Code)

	// Replaying the first refresh token is theft.
	w = h.refresh(t, first.RefreshToken)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "TOKEN_REUSE_DETECTED", decode[APIError](t, w).Code)

	// The legitimate holder's generation went down with the family.
	w = h.refresh(t, second.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = h.do(t, request{method: http.MethodGet, path: "/auth/validate", access: second.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Data["event"] == "refresh_token_reuse" {
			warned = true
		}
	}
	assert.True(t, warned, "reuse is logged as a security event")

	w = h.login(t, "bob@example.com", "correct horse")
	require.Equal(t, http.StatusOK, w.Code)
	fresh := decode[TokenResponse](t, w)

	w = h.do(t, request{method: http.MethodGet, path: "/events", access: fresh.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Events []struct {
			Event    string            `json:"event"`
			Priority string            `json:"priority"`
			Payload  events.ForceLogout `json:"payload"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Events, 1)
	assert.Equal(t, events.EventForceLogout, got.Events[0].Event)
	assert.Equal(t, "urgent", got.Events[0].Priority)
	assert.Equal(t, events.ReasonTokenReuse, got.Events[0].Payload.Reason)
	assert.Equal(t, first.SessionID, got.Events[0].Payload.FamilyID)

	// Polling marked it processed.
	w = h.do(t, request{method: http.MethodGet, path: "/events", access: fresh.AccessToken})
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())
}

func TestLoginRateLimit(t *testing.T) {
	h := newHarness(t)
	h.register(t, "carol@example.com")

	for i := 0; i < loginLimit.Limit; i++ {
		w := h.login(t, "carol@example.com", "wrong password")
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, strconv.Itoa(loginLimit.Limit), w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(loginLimit.Limit-i-1), w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	w := h.login(t, "carol@example.com", "correct horse")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decode[APIError](t, w).Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	h.mr.FastForward(loginLimit.Window + time.Second)
	w = h.login(t, "carol@example.com", "correct horse")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChangePasswordEndsEverySession(t *testing.T) {
	h := newHarness(t)
	a := h.register(t, "dave@example.com")
	w := h.login(t, "dave@example.com", "correct horse")
	require.Equal(t, http.StatusOK, w.Code)
	b := decode[TokenResponse](t, w)

	w = h.do(t, request{method: http.MethodPost, path: "/account/password", access: a.AccessToken,
		body: changePasswordRequest{CurrentPassword: "wrong", NewPassword: "another horse"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, request{method: http.MethodPost, path: "/account/password", access: a.AccessToken,
		body: changePasswordRequest{CurrentPassword: "correct horse", NewPassword: "another horse"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for _, tok := range []TokenResponse{a, b} {
		w = h.do(t, request{method: http.MethodGet, path: "/auth/validate", access: tok.AccessToken})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		w = h.refresh(t, tok.RefreshToken)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Equal(t, http.StatusUnauthorized, h.login(t, "dave@example.com", "correct horse").Code)
	assert.Equal(t, http.StatusOK, h.login(t, "dave@example.com", "another horse").Code)
}

func TestSessionsListAndRevoke(t *testing.T) {
	h := newHarness(t)
	a := h.register(t, "erin@example.com")
	w := h.login(t, "erin@example.com", "correct horse")
	require.Equal(t, http.StatusOK, w.Code)
	b := decode[TokenResponse](t, w)

	w = h.do(t, request{method: http.MethodGet, path: "/auth/sessions", access: a.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[sessionsResponse](t, w)
	require.Len(t, list.Sessions, 2)
	for _, s := range list.Sessions {
		assert.Equal(t, s.ID == a.SessionID, s.Current)
	}

	w = h.do(t, request{method: http.MethodDelete, path: "/auth/sessions/" + a.SessionID, access: a.AccessToken})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, request{method: http.MethodDelete, path: "/auth/sessions/" + b.SessionID, access: a.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, request{method: http.MethodDelete, path: "/auth/sessions/" + b.SessionID, access: a.AccessToken})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, request{method: http.MethodGet, path: "/auth/validate", access: b.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, request{method: http.MethodDelete, path: "/auth/sessions/" + a.SessionID + "?confirm=true", access: a.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, request{method: http.MethodGet, path: "/auth/sessions", access: a.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPasswordResetTokenIsSingleUse(t *testing.T) {
	h := newHarness(t)
	h.register(t, "frank@example.com")

	w := h.do(t, request{method: http.MethodPost, path: "/auth/reset-password", body: emailRequest{Email: "nobody@example.com"}})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = h.do(t, request{method: http.MethodPost, path: "/auth/reset-password", body: emailRequest{Email: "frank@example.com"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	token := h.notifier.get(store.PurposePasswordReset)
	require.NotEmpty(t, token)

	confirm := request{method: http.MethodPost, path: "/auth/reset-password/confirm",
		body: confirmPasswordRequest{Token: token, NewPassword: "reset horse"}}
	w = h.do(t, confirm)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = h.do(t, confirm)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INVALID_OR_USED_TOKEN", decode[APIError](t, w).Code)

	assert.Equal(t, http.StatusOK, h.login(t, "frank@example.com", "reset horse").Code)
}

func TestEventsAck(t *testing.T) {
	h := newHarness(t)
	a := h.register(t, "gina@example.com")
	w := h.do(t, request{method: http.MethodPost, path: "/account/2fa/enable", access: a.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, request{method: http.MethodGet, path: "/events?ack=false", access: a.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Events []struct {
			ID    string `json:"id"`
			Event string `json:"event"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Events, 1)
	assert.Equal(t, events.EventTwoFactorEnabled, got.Events[0].Event)

	w = h.do(t, request{method: http.MethodPost, path: "/events/ack", access: a.AccessToken,
		body: ackRequest{IDs: []string{got.Events[0].ID}}})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, request{method: http.MethodGet, path: "/events", access: a.AccessToken})
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())
}

func TestErrorsAndProbes(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = h.do(t, request{method: http.MethodGet, path: "/ready"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ready":true,"kv":"ok"}`, w.Body.String())

	h.mr.Close()
	w = h.do(t, request{method: http.MethodGet, path: "/ready"})
	assert.JSONEq(t, `{"ready":true,"kv":"degraded"}`, w.Body.String())

	w = h.do(t, request{method: http.MethodGet, path: "/auth/sessions"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, request{method: http.MethodGet, path: "/nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, request{method: http.MethodPost, path: "/auth/login", body: map[string]string{"unexpected": "x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
