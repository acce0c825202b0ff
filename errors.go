package main

import (
	"errors"
	"net/http"

	"github.com/example/sessioncore/internal/account"
	"github.com/example/sessioncore/internal/httpx"
	"github.com/example/sessioncore/internal/tokens"
	"github.com/sirupsen/logrus"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// apiError builds an error result
func apiError(status int, code, message string) httpx.Result {
	return httpx.JSON(status, APIError{Code: code, Message: message})
}

func badRequest(message string) httpx.Result {
	return apiError(http.StatusBadRequest, "INVALID_REQUEST", message)
}

// errorResult maps a domain error to its response. Unknown errors are
// logged and answered with a generic 500 that leaks nothing.
func errorResult(log logrus.FieldLogger, r *http.Request, err error) httpx.Result {
	var verr *account.ValidationError
	switch {
	case errors.As(err, &verr):
		return httpx.JSON(http.StatusBadRequest, APIError{Code: "VALIDATION_FAILED", Message: verr.Message, Details: verr.Field})
	case errors.Is(err, tokens.ErrTokenReuseDetected):
		return apiError(http.StatusUnauthorized, "TOKEN_REUSE_DETECTED", "Token reuse detected - session revoked")
	case errors.Is(err, tokens.ErrInvalidRefreshToken):
		return apiError(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid refresh token")
	case errors.Is(err, tokens.ErrInvalidAccessToken):
		return apiError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired access token")
	case errors.Is(err, account.ErrInvalidCredentials):
		return apiError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
	case errors.Is(err, account.ErrInvalidOrUsedOneTimeToken):
		return apiError(http.StatusForbidden, "INVALID_OR_USED_TOKEN", "Token is invalid, expired or already used")
	case errors.Is(err, tokens.ErrCurrentSession):
		return apiError(http.StatusConflict, "CURRENT_SESSION", "Pass confirm=true to revoke the current session")
	case errors.Is(err, account.ErrEmailTaken):
		return apiError(http.StatusConflict, "USER_EXISTS", "User with this email already exists")
	case errors.Is(err, tokens.ErrSessionNotFound):
		return apiError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
	}
	log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
	return apiError(http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}
