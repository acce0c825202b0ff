package ratelimit

import (
	"net/http"
	"strconv"
)

// RejectFunc writes the response for a rejected request. Rate limit
// headers are already set when it runs.
type RejectFunc func(w http.ResponseWriter, r *http.Request, d Decision)

// DefaultReject answers 429 with a JSON error body.
func DefaultReject(w http.ResponseWriter, _ *http.Request, _ Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error_code":"RATE_LIMIT_EXCEEDED","error_message":"Rate limit exceeded"}`))
}

// Middleware enforces rule on route. X-RateLimit-* headers are set on every
// response, allowed or not; rejected requests also get Retry-After.
func (l *Limiter) Middleware(route string, rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return l.Handler(route, rule, next)
	}
}

// Handler wraps next with rule.
func (l *Limiter) Handler(route string, rule Rule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := l.Allow(r.Context(), Key(rule, l.identify(r), route), rule.Limit, rule.Window)
		record(route, d)
		for k, v := range d.headers() {
			w.Header().Set(k, v)
		}
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(l.now())))
			l.log.WithField("route", route).Info("rate limit exceeded")
			l.reject(w, r, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}
