package main

import (
	"net/http"
	"time"

	"github.com/example/sessioncore/internal/httpx"
	"github.com/example/sessioncore/internal/metrics"
	"github.com/example/sessioncore/internal/ratelimit"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// route declares one endpoint and the middleware it runs behind. A nil
// rateLimit applies the configured default; unlimited skips limiting.
type route struct {
	method     string
	path       string
	endpoint   httpx.Endpoint
	handler    http.Handler
	auth       bool
	rateLimit  *ratelimit.Rule
	idempotent bool
}

var unlimited = &ratelimit.Rule{}

var (
	loginLimit   = &ratelimit.Rule{Limit: 5, Window: time.Minute}
	refreshLimit = &ratelimit.Rule{Limit: 30, Window: time.Minute}
	resetLimit   = &ratelimit.Rule{Limit: 3, Window: 15 * time.Minute}
	connectLimit = &ratelimit.Rule{Limit: 10, Window: time.Minute, KeyPrefix: "ws:connect"}
)

func (a *App) routes() []route {
	return []route{
		{method: http.MethodPost, path: "/users", endpoint: a.HandleRegister, rateLimit: loginLimit, idempotent: true},
		{method: http.MethodPost, path: "/auth/register", endpoint: a.HandleRegister, rateLimit: loginLimit, idempotent: true},
		{method: http.MethodPost, path: "/auth/login", endpoint: a.HandleLogin, rateLimit: loginLimit, idempotent: true},
		{method: http.MethodPost, path: "/auth/refresh", endpoint: a.HandleRefresh, rateLimit: refreshLimit, idempotent: true},
		{method: http.MethodPost, path: "/auth/logout", endpoint: a.HandleLogout, idempotent: true},
		{method: http.MethodGet, path: "/auth/validate", endpoint: a.HandleTokenValidate, auth: true},

		{method: http.MethodGet, path: "/auth/sessions", endpoint: a.HandleListSessions, auth: true},
		{method: http.MethodDelete, path: "/auth/sessions/{id}", endpoint: a.HandleRevokeSession, auth: true, idempotent: true},
		{method: http.MethodPost, path: "/auth/logout-all", endpoint: a.HandleLogoutAll, auth: true, idempotent: true},

		{method: http.MethodPost, path: "/auth/reset-password", endpoint: a.HandleRequestPasswordReset, rateLimit: resetLimit, idempotent: true},
		{method: http.MethodPost, path: "/auth/reset-password/confirm", endpoint: a.HandleConfirmPasswordReset, rateLimit: resetLimit, idempotent: true},
		{method: http.MethodPost, path: "/auth/verify-email/confirm", endpoint: a.HandleConfirmEmailVerification, idempotent: true},
		{method: http.MethodPost, path: "/auth/recovery", endpoint: a.HandleRequestRecovery, rateLimit: resetLimit, idempotent: true},
		{method: http.MethodPost, path: "/auth/recovery/confirm", endpoint: a.HandleConfirmRecovery, rateLimit: resetLimit, idempotent: true},

		{method: http.MethodPost, path: "/account/password", endpoint: a.HandleChangePassword, auth: true, rateLimit: loginLimit, idempotent: true},
		{method: http.MethodPost, path: "/account/2fa/enable", endpoint: a.HandleEnableTwoFactor, auth: true, idempotent: true},
		{method: http.MethodPost, path: "/account/2fa/disable", endpoint: a.HandleDisableTwoFactor, auth: true, rateLimit: loginLimit, idempotent: true},
		{method: http.MethodPost, path: "/account/verify-email", endpoint: a.HandleRequestEmailVerification, auth: true, rateLimit: resetLimit, idempotent: true},

		{method: http.MethodGet, path: "/events", endpoint: a.HandleEvents, auth: true},
		{method: http.MethodPost, path: "/events/ack", endpoint: a.HandleAckEvents, auth: true, idempotent: true},
		{method: http.MethodGet, path: "/ws", handler: a.gateway, rateLimit: connectLimit},

		{method: http.MethodGet, path: "/health", endpoint: a.HandleHealth, rateLimit: unlimited},
		{method: http.MethodGet, path: "/ready", endpoint: a.HandleReady, rateLimit: unlimited},
		{method: http.MethodGet, path: "/metrics", handler: metrics.Handler(), rateLimit: unlimited},
	}
}

// handler composes, from the outside in: authentication, rate limiting,
// idempotent replay, the endpoint.
func (a *App) handler(rt route) http.Handler {
	h := rt.handler
	if rt.endpoint != nil {
		ep := rt.endpoint
		if rt.idempotent {
			ep = a.guard.Wrap(rt.path, ep)
		}
		h = httpx.Handler(ep)
	}
	rule := rt.rateLimit
	if rule == nil {
		rule = &ratelimit.Rule{Limit: a.cfg.RateLimitDefault, Window: a.cfg.RateLimitWindow}
	}
	if rule.Limit > 0 {
		h = a.limiter.Handler(rt.path, *rule, h)
	}
	if rt.auth {
		h = a.RequireAuth(h)
	}
	return h
}

// Router builds the HTTP handler for every route.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	for _, rt := range a.routes() {
		r.Handle(rt.path, a.handler(rt)).Methods(rt.method)
	}
	r.NotFoundHandler = httpx.Handler(func(*http.Request) httpx.Result {
		return apiError(http.StatusNotFound, "NOT_FOUND", "Route not found")
	})
	r.MethodNotAllowedHandler = httpx.Handler(func(*http.Request) httpx.Result {
		return apiError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	return cors.New(cors.Options{
		AllowedOrigins: a.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key", "X-Device-Fingerprint", "X-Device-Location"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "Idempotent-Replayed"},
		MaxAge:         3600,
	}).Handler(r)
}
