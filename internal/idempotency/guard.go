// Package idempotency replays the recorded response of a mutating request
// when a client retries it with the same Idempotency-Key.
package idempotency

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/example/sessioncore/internal/httpx"
	"github.com/example/sessioncore/internal/kv"
	"github.com/example/sessioncore/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	// HeaderKey carries the client supplied key. Header lookup is case
	// insensitive.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed marks responses served from a stored record.
	HeaderReplayed = "Idempotent-Replayed"

	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

// Record is the stored response. Fingerprint identifies the request that
// produced it; a retry must present the same method, URI and body.
type Record struct {
	Status      int         `json:"status"`
	Body        string      `json:"body"`
	ContentType string      `json:"contentType,omitempty"`
	Header      http.Header `json:"header,omitempty"`
	Fingerprint string      `json:"fingerprint"`
}

// placeholder is written on first sight of a key and answered to any
// retry that arrives while the first request is still running.
func placeholder(fingerprint string) Record {
	return Record{Status: http.StatusOK, Body: "Processing", ContentType: httpx.ContentTypeText, Fingerprint: fingerprint}
}

func (rec Record) pending() bool {
	return rec.Status == http.StatusOK && rec.Body == "Processing" && rec.ContentType == httpx.ContentTypeText && rec.Header == nil
}

func (rec Record) result() httpx.Result {
	return httpx.Result{Status: rec.Status, Body: []byte(rec.Body), ContentType: rec.ContentType, Header: rec.Header}
}

// ScopeFunc partitions keys, typically by authenticated user, so two
// clients cannot collide on the same key.
type ScopeFunc func(*http.Request) string

// Config tunes the guard.
type Config struct {
	// TTL of every record. Defaults to 5 minutes.
	TTL time.Duration
	// Timeout bounds each store call. Defaults to 250ms.
	Timeout time.Duration
	Scope   ScopeFunc
	// FingerprintKey keys the HMAC over request bodies, which may carry
	// credentials. Without it a plain SHA-256 is stored.
	FingerprintKey []byte
}

// Guard wraps endpoints with idempotent replay.
type Guard struct {
	kv      kv.Store
	ttl     time.Duration
	timeout time.Duration
	scope   ScopeFunc
	fpKey   []byte
	log     logrus.FieldLogger
}

// New creates a Guard over kvStore.
func New(kvStore kv.Store, cfg Config, log logrus.FieldLogger) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	if cfg.Scope == nil {
		cfg.Scope = func(*http.Request) string { return "anon" }
	}
	return &Guard{
		kv:      kvStore,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		scope:   cfg.Scope,
		fpKey:   cfg.FingerprintKey,
		log:     log.WithField("component", "idempotency"),
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Wrap returns an endpoint that runs ep at most once per key within the TTL.
// Requests without a key, or with a safe method, go straight to ep.
func (g *Guard) Wrap(route string, ep httpx.Endpoint) httpx.Endpoint {
	return func(r *http.Request) httpx.Result {
		userKey := r.Header.Get(HeaderKey)
		if userKey == "" || !mutating(r.Method) {
			return ep(r)
		}
		if len(userKey) > maxKeyLength {
			return httpx.JSON(http.StatusBadRequest, map[string]string{
				"error_code":    "VALIDATION_FAILED",
				"error_message": "Idempotency-Key is too long",
			})
		}
		key := kv.Key(kv.NamespaceIdempotency, route, g.scope(r), userKey)
		log := g.log.WithField("route", route)

		fp, err := g.fingerprint(r)
		if err != nil {
			return httpx.JSON(http.StatusBadRequest, map[string]string{
				"error_code":    "VALIDATION_FAILED",
				"error_message": "Invalid request body",
			})
		}

		created, err := g.claim(r.Context(), key, fp)
		if err != nil {
			g.outcome(route, "degraded")
			metrics.KVDegraded.WithLabelValues("idempotency", "setnx").Inc()
			log.WithError(err).Warn("idempotency store unavailable, executing without dedupe")
			return ep(r)
		}
		if !created {
			rec, err := g.load(r.Context(), key)
			switch {
			case err == nil:
				if !hmac.Equal([]byte(rec.Fingerprint), []byte(fp)) {
					g.outcome(route, "mismatch")
					log.Info("idempotency key reused with a different request")
					return httpx.JSON(http.StatusUnprocessableEntity, map[string]string{
						"error_code":    "IDEMPOTENCY_KEY_REUSED",
						"error_message": "Idempotency-Key was already used for a different request",
					})
				}
				if rec.pending() {
					g.outcome(route, "in_flight")
				} else {
					g.outcome(route, "replayed")
				}
				return rec.result().WithHeader(HeaderReplayed, "true")
			case errors.Is(err, errUnreadable), errors.Is(err, kv.ErrNotFound):
				log.WithError(err).Debug("stored idempotency record unusable, treating as first sight")
			default:
				g.outcome(route, "degraded")
				metrics.KVDegraded.WithLabelValues("idempotency", "get").Inc()
				log.WithError(err).Warn("idempotency store unavailable, executing without dedupe")
				return ep(r)
			}
		}

		res := ep(r)
		g.persist(r.Context(), key, route, fp, res)
		return res
	}
}

var errUnreadable = errors.New("idempotency: unreadable record")

// fingerprint digests the method, URI and body of r and restores the body
// for the endpoint.
func (g *Guard) fingerprint(r *http.Request) (string, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return "", err
		}
		body = b
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(b), r.Body))
	}
	h := sha256.New()
	if len(g.fpKey) > 0 {
		h = hmac.New(sha256.New, g.fpKey)
	}
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.RequestURI()))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (g *Guard) claim(ctx context.Context, key, fingerprint string) (bool, error) {
	b, _ := json.Marshal(placeholder(fingerprint))
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.kv.SetNX(ctx, key, string(b), g.ttl)
}

func (g *Guard) load(ctx context.Context, key string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	raw, err := g.kv.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Status == 0 {
		return Record{}, errUnreadable
	}
	return rec, nil
}

// persist overwrites the placeholder with the real result. Server errors
// are not recorded so that a retry can succeed.
func (g *Guard) persist(ctx context.Context, key, route, fingerprint string, res httpx.Result) {
	// The client may already be gone; the record must still be written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusInternalServerError {
		g.outcome(route, "not_persisted")
		if err := g.kv.Delete(ctx, key); err != nil {
			g.log.WithError(err).Warn("failed to release idempotency placeholder")
		}
		return
	}
	b, err := json.Marshal(Record{
		Status:      status,
		Body:        string(res.Body),
		ContentType: res.ContentType,
		Header:      res.Header,
		Fingerprint: fingerprint,
	})
	if err != nil {
		g.log.WithError(err).Error("encode idempotency record")
		return
	}
	if err := g.kv.Set(ctx, key, string(b), g.ttl); err != nil {
		metrics.KVDegraded.WithLabelValues("idempotency", "set").Inc()
		g.log.WithError(err).Warn("failed to store idempotency record")
		return
	}
	g.outcome(route, "executed")
}

func (g *Guard) outcome(route, outcome string) {
	metrics.IdempotencyOutcomes.WithLabelValues(route, outcome).Inc()
}
