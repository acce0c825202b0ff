package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/example/sessioncore/internal/events"
	"github.com/example/sessioncore/internal/httpx"
	"github.com/example/sessioncore/internal/metrics"
	"github.com/example/sessioncore/internal/ratelimit"
	"github.com/example/sessioncore/internal/store"
	"github.com/example/sessioncore/internal/tokens"
	"github.com/gorilla/mux"
)

const maxDeviceField = 512

func truncate(s string) string {
	if len(s) > maxDeviceField {
		return s[:maxDeviceField]
	}
	return s
}

func (a *App) device(r *http.Request) store.DeviceInfo {
	return store.DeviceInfo{
		Fingerprint: truncate(r.Header.Get("X-Device-Fingerprint")),
		UserAgent:   truncate(r.UserAgent()),
		IP:          ratelimit.ClientIP(r, a.trust),
		Location:    truncate(r.Header.Get("X-Device-Location")),
	}
}

// success wraps data the way every non-token response is shaped
func success(status int, data any) httpx.Result {
	return httpx.JSON(status, map[string]any{
		"success": true,
		"data":    data,
	})
}

func invalidBody() httpx.Result {
	return badRequest("Invalid request body")
}

// principal is set by RequireAuth on every authenticated route.
func principal(r *http.Request) *tokens.Principal {
	p, _ := tokens.PrincipalFrom(r.Context())
	return p
}

func (a *App) HandleRegister(r *http.Request) httpx.Result {
	var c credentialsRequest
	if err := httpx.Decode(r, &c); err != nil {
		return invalidBody()
	}
	if c.Email == "" || c.Password == "" {
		return badRequest("Email and password are required")
	}
	user, err := a.accounts.Register(r.Context(), c.Email, c.Password)
	if err != nil {
		return errorResult(a.log, r, err)
	}
	pair, err := a.engine.Issue(r.Context(), user.ID, a.device(r))
	if err != nil {
		return errorResult(a.log, r, err)
	}
	return httpx.JSON(http.StatusCreated, tokenResponse(user, pair))
}

func (a *App) HandleLogin(r *http.Request) httpx.Result {
	var c credentialsRequest
	if err := httpx.Decode(r, &c); err != nil {
		return invalidBody()
	}
	user, err := a.accounts.Authenticate(r.Context(), c.Email, c.Password)
	if err != nil {
		return errorResult(a.log, r, err)
	}
	pair, err := a.engine.Issue(r.Context(), user.ID, a.device(r))
	if err != nil {
		return errorResult(a.log, r, err)
	}
	return httpx.JSON(http.StatusOK, tokenResponse(user, pair))
}

func (a *App) HandleRefresh(r *http.Request) httpx.Result {
	var in refreshRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if in.RefreshToken == "" {
		return badRequest("Refresh token is required")
	}
	pair, err := a.engine.Rotate(r.Context(), in.RefreshToken, a.device(r))
	if err != nil {
		return errorResult(a.log, r, err)
	}
	return httpx.JSON(http.StatusOK, tokenResponse(nil, pair))
}

func (a *App) HandleLogout(r *http.Request) httpx.Result {
	var in refreshRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if in.RefreshToken == "" {
		return badRequest("Refresh token is required")
	}
	if err := a.engine.Logout(r.Context(), in.RefreshToken); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]bool{"revoked": true})
}

func (a *App) HandleTokenValidate(r *http.Request) httpx.Result {
	p := principal(r)
	return httpx.JSON(http.StatusOK, map[string]any{
		"valid":     true,
		"userId":    p.UserID,
		"sessionId": p.FamilyID,
	})
}

func (a *App) HandleListSessions(r *http.Request) httpx.Result {
	p := principal(r)
	views, err := a.engine.ListSessions(r.Context(), p.UserID, p.FamilyID)
	if err != nil {
		return errorResult(a.log, r, err)
	}
	return httpx.JSON(http.StatusOK, sessionsResponse{Sessions: views})
}

func (a *App) HandleRevokeSession(r *http.Request) httpx.Result {
	p := principal(r)
	id := mux.Vars(r)["id"]
	confirm := strings.EqualFold(r.URL.Query().Get("confirm"), "true")
	if err := a.engine.RevokeSession(r.Context(), p.UserID, id, p.FamilyID, confirm); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]bool{"revoked": true})
}

func (a *App) HandleLogoutAll(r *http.Request) httpx.Result {
	p := principal(r)
	n, err := a.engine.RevokeAllSessions(r.Context(), p.UserID, events.ReasonLogoutAll)
	if err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]int64{"revoked": n})
}

func (a *App) HandleChangePassword(r *http.Request) httpx.Result {
	var in changePasswordRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if err := a.accounts.ChangePassword(r.Context(), principal(r).UserID, in.CurrentPassword, in.NewPassword); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]bool{"sessionsRevoked": true})
}

func (a *App) HandleEnableTwoFactor(r *http.Request) httpx.Result {
	if err := a.accounts.EnableTwoFactor(r.Context(), principal(r).UserID); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]bool{"twoFactorEnabled": true})
}

func (a *App) HandleDisableTwoFactor(r *http.Request) httpx.Result {
	var in passwordRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if err := a.accounts.DisableTwoFactor(r.Context(), principal(r).UserID, in.Password); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]bool{"twoFactorEnabled": false, "sessionsRevoked": true})
}

func (a *App) HandleRequestEmailVerification(r *http.Request) httpx.Result {
	if err := a.accounts.RequestEmailVerification(r.Context(), principal(r).UserID); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *App) HandleConfirmEmailVerification(r *http.Request) httpx.Result {
	var in tokenRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if err := a.accounts.ConfirmEmailVerification(r.Context(), in.Token); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]bool{"emailVerified": true})
}

// HandleRequestPasswordReset answers 202 whether or not the email exists.
func (a *App) HandleRequestPasswordReset(r *http.Request) httpx.Result {
	var in emailRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if err := a.accounts.RequestPasswordReset(r.Context(), in.Email); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *App) HandleConfirmPasswordReset(r *http.Request) httpx.Result {
	var in confirmPasswordRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if err := a.accounts.ConfirmPasswordReset(r.Context(), in.Token, in.NewPassword); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]bool{"passwordReset": true})
}

func (a *App) HandleRequestRecovery(r *http.Request) httpx.Result {
	var in emailRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if err := a.accounts.RequestRecovery(r.Context(), in.Email); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusAccepted, map[string]bool{"sent": true})
}

func (a *App) HandleConfirmRecovery(r *http.Request) httpx.Result {
	var in confirmPasswordRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if err := a.accounts.ConfirmRecovery(r.Context(), in.Token, in.NewPassword); err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]bool{"recovered": true})
}

// HandleEvents drains the caller's queue. Delivered events are marked
// processed unless ack=false, in which case the client confirms them with
// POST /events/ack.
func (a *App) HandleEvents(r *http.Request) httpx.Result {
	p := principal(r)
	pending, err := a.queue.DrainUnprocessed(r.Context(), p.UserID)
	if err != nil {
		return errorResult(a.log, r, err)
	}
	if pending == nil {
		pending = []events.Event{}
	}
	if r.URL.Query().Get("ack") != "false" && len(pending) > 0 {
		ids := make([]string, len(pending))
		for i := range pending {
			ids[i] = pending[i].ID
		}
		if _, err := a.queue.MarkProcessed(r.Context(), p.UserID, ids...); err != nil {
			return errorResult(a.log, r, err)
		}
		metrics.EventsDelivered.WithLabelValues("poll").Add(float64(len(ids)))
	}
	return httpx.JSON(http.StatusOK, eventsResponse{Events: pending})
}

func (a *App) HandleAckEvents(r *http.Request) httpx.Result {
	var in ackRequest
	if err := httpx.Decode(r, &in); err != nil {
		return invalidBody()
	}
	if len(in.IDs) == 0 {
		return badRequest("ids are required")
	}
	n, err := a.queue.MarkProcessed(r.Context(), principal(r).UserID, in.IDs...)
	if err != nil {
		return errorResult(a.log, r, err)
	}
	return success(http.StatusOK, map[string]int64{"acknowledged": n})
}

func (a *App) HandleHealth(*http.Request) httpx.Result {
	return httpx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady fails only when the relational store is down. A KV outage
// degrades rate limiting, replay and caching but the service still works.
func (a *App) HandleReady(r *http.Request) httpx.Result {
	if err := a.db.Ping(r.Context()); err != nil {
		a.log.WithError(err).Warn("readiness check: database unreachable")
		return httpx.JSON(http.StatusServiceUnavailable, map[string]bool{"ready": false})
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.StoreTimeout)
	defer cancel()
	kvState := "ok"
	if err := a.kv.Ping(ctx); err != nil {
		kvState = "degraded"
	}
	return httpx.JSON(http.StatusOK, map[string]any{"ready": true, "kv": kvState})
}
