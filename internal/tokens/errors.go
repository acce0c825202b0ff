package tokens

import "errors"

var (
	// ErrInvalidRefreshToken covers unknown, expired, malformed and
	// mismatched refresh tokens.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrTokenReuseDetected is returned when a generation that was already
	// redeemed is presented again. The family has been revoked by the time
	// the caller sees it.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	// ErrInvalidAccessToken is returned by Authenticate.
	ErrInvalidAccessToken = errors.New("invalid access token")
	// ErrCurrentSession is returned when revoking the calling session
	// without confirmation.
	ErrCurrentSession = errors.New("cannot revoke the current session without confirmation")
	// ErrSessionNotFound is returned when a targeted revoke matched nothing.
	ErrSessionNotFound = errors.New("session not found")
)
