// Package correlation carries a per-request id from the inbound request
// through logs, spans and usage records.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderName = "X-DeepRead-Request-ID"
	maxIDLen   = 128
)

// Accepted from clients and proxies, in order of preference.
var inboundHeaders = []string{
	HeaderName,
	"X-Request-ID",
	"X-Correlation-ID",
}

type contextKey struct{}

// Middleware assigns each request an id, taken from a valid inbound header
// when present, and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req, id := EnsureRequest(req)
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, req)
	})
}

// EnsureRequest returns req with a correlation id in its context.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if id, ok := FromContext(req.Context()); ok {
		return req, id
	}
	id := FromHeaders(req.Header)
	if id == "" {
		id = NewID()
	}
	return req.WithContext(WithContext(req.Context(), id)), id
}

func WithContext(ctx context.Context, id string) context.Context {
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(contextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func FromHeaders(headers http.Header) string {
	for _, header := range inboundHeaders {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

func NewID() string {
	return "req-" + uuid.NewString()
}

// normalizeID trims and truncates raw and rejects anything outside a
// header-safe alphabet.
func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
