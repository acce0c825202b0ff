package main

import (
	"net/http"
	"strings"

	"github.com/example/sessioncore/internal/tokens"
)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// RequireAuth validates the bearer access token and stores the principal
// in the request context.
func (a *App) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			apiError(http.StatusUnauthorized, "UNAUTHORIZED", "Access token required").Write(w)
			return
		}
		p, err := a.engine.Authenticate(r.Context(), token)
		if err != nil {
			errorResult(a.log, r, err).Write(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(tokens.WithPrincipal(r.Context(), p)))
	})
}
