// Package httpx turns handlers into functions returning a value, so that
// wrappers such as the idempotency guard can capture and replay a response
// without intercepting the ResponseWriter.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

// Result is a fully materialised HTTP response.
type Result struct {
	Status      int
	Body        []byte
	ContentType string
	Header      http.Header
}

// Endpoint handles a request and returns its response.
type Endpoint func(*http.Request) Result

// JSON encodes v. An encoding failure yields a bare 500.
func JSON(status int, v any) Result {
	b, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("encode response")
		return Result{Status: http.StatusInternalServerError, Body: []byte(`{"error_code":"INTERNAL_ERROR","error_message":"Internal server error"}`), ContentType: ContentTypeJSON}
	}
	return Result{Status: status, Body: b, ContentType: ContentTypeJSON}
}

// Text returns a plain text result.
func Text(status int, s string) Result {
	return Result{Status: status, Body: []byte(s), ContentType: ContentTypeText}
}

// NoContent returns an empty 204.
func NoContent() Result {
	return Result{Status: http.StatusNoContent}
}

// WithHeader returns a copy of r carrying an extra header.
func (r Result) WithHeader(key, value string) Result {
	h := make(http.Header, len(r.Header)+1)
	for k, v := range r.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Set(key, value)
	r.Header = h
	return r
}

// Write sends r to w.
func (r Result) Write(w http.ResponseWriter) {
	for k, v := range r.Header {
		for _, s := range v {
			w.Header().Add(k, s)
		}
	}
	if r.ContentType != "" {
		w.Header().Set("Content-Type", r.ContentType)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) > 0 && status != http.StatusNoContent {
		_, _ = w.Write(r.Body)
	}
}

// Handler adapts an Endpoint to net/http.
func Handler(ep Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ep(req).Write(w)
	})
}

// Decode reads a JSON request body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
