package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deepread/deepread/internal/correlation"
)

// requestTags is filled in by handlers that learn which provider and model a
// request targets, and read back by LoggingMiddleware once the handler
// returns. Both run on the request goroutine.
type requestTags struct {
	provider string
	model    string
}

type requestTagsKey struct{}

// tagRequest records provider and model on the access log entry for ctx. It
// is a no-op outside LoggingMiddleware.
func tagRequest(ctx context.Context, provider, model string) {
	tags, ok := ctx.Value(requestTagsKey{}).(*requestTags)
	if !ok {
		return
	}
	tags.provider = strings.ToLower(strings.TrimSpace(provider))
	tags.model = strings.TrimSpace(model)
}

// LoggingMiddleware writes one "request complete" line per request. Chat
// streams also report first_byte_ms, the delay before the first SSE frame.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, correlationID := correlation.EnsureRequest(r)
		w.Header().Set(correlation.HeaderName, correlationID)

		tags := &requestTags{}
		r = r.WithContext(context.WithValue(r.Context(), requestTagsKey{}, tags))

		aw := newAccessLogWriter(w)
		next.ServeHTTP(aw, r)

		status := aw.StatusCode()
		attrs := []any{
			"correlation_id", correlationID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", aw.written,
			"latency_ms", time.Since(aw.start).Milliseconds(),
		}
		if tags.provider != "" {
			attrs = append(attrs, "provider", tags.provider)
		}
		if tags.model != "" {
			attrs = append(attrs, "model", tags.model)
		}
		if !aw.firstByte.IsZero() && strings.HasPrefix(aw.Header().Get("Content-Type"), "text/event-stream") {
			attrs = append(attrs, "first_byte_ms", aw.firstByte.Sub(aw.start).Milliseconds())
		}

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status == http.StatusRequestEntityTooLarge:
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request complete", attrs...)
	})
}

type accessLogWriter struct {
	http.ResponseWriter
	start      time.Time
	firstByte  time.Time
	statusCode int
	written    int64
}

func newAccessLogWriter(w http.ResponseWriter) *accessLogWriter {
	return &accessLogWriter{ResponseWriter: w, start: time.Now()}
}

func (w *accessLogWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessLogWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	if w.firstByte.IsZero() && len(p) > 0 {
		w.firstByte = time.Now()
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying flusher.
func (w *accessLogWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *accessLogWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *accessLogWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}
