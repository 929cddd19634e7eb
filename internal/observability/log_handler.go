package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/deepread/deepread/internal/correlation"
)

const correlationAttrKey = "correlation_id"

type contextLogHandler struct {
	inner slog.Handler
}

// NewContextLogHandler wraps inner so every record carries the request's
// correlation id and, inside a recording span, its trace_id and span_id.
// String and error attribute values are passed through ScrubCredentials
// because upstream errors can echo the caller's API key.
func NewContextLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &contextLogHandler{inner: inner}
}

func (h *contextLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextLogHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, ScrubCredentials(record.Message), record.PC)

	hasCorrelation := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == correlationAttrKey {
			hasCorrelation = true
		}
		out.AddAttrs(scrubAttr(attr))
		return true
	})

	if ctx != nil {
		if id, ok := correlation.FromContext(ctx); ok && !hasCorrelation {
			out.AddAttrs(slog.String(correlationAttrKey, id))
		}
		if span := oteltrace.SpanFromContext(ctx); span.IsRecording() {
			if sc := span.SpanContext(); sc.IsValid() {
				out.AddAttrs(
					slog.String("trace_id", sc.TraceID().String()),
					slog.String("span_id", sc.SpanID().String()),
				)
			}
		}
	}
	return h.inner.Handle(ctx, out)
}

func (h *contextLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		scrubbed = append(scrubbed, scrubAttr(attr))
	}
	return &contextLogHandler{inner: h.inner.WithAttrs(scrubbed)}
}

func (h *contextLogHandler) WithGroup(name string) slog.Handler {
	return &contextLogHandler{inner: h.inner.WithGroup(name)}
}

func scrubAttr(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, ScrubCredentials(value.String()))
	case slog.KindGroup:
		group := value.Group()
		scrubbed := make([]any, 0, len(group))
		for _, member := range group {
			scrubbed = append(scrubbed, scrubAttr(member))
		}
		return slog.Group(attr.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return slog.String(attr.Key, ScrubCredentials(err.Error()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}
