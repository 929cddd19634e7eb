package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter strips credentials from span attributes, events and
// status descriptions before export. Upstream error text recorded on
// provider client spans can echo the caller's key.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	scrubbed := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		scrubbed[i] = scrubSpan(span)
	}
	return e.wrapped.ExportSpans(ctx, scrubbed)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

func scrubSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !spanNeedsScrubbing(span) {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = scrubAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = scrubAttributes(event.Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func spanNeedsScrubbing(span sdktrace.ReadOnlySpan) bool {
	if attributesContainCredential(span.Attributes()) {
		return true
	}
	for _, event := range span.Events() {
		if attributesContainCredential(event.Attributes) {
			return true
		}
	}
	return ContainsCredential(span.Status().Description)
}

func attributesContainCredential(attrs []attribute.KeyValue) bool {
	for _, attr := range attrs {
		if attr.Value.Type() == attribute.STRING && ContainsCredential(attr.Value.AsString()) {
			return true
		}
	}
	return false
}

func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	result := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			if value := attr.Value.AsString(); ContainsCredential(value) {
				result[i] = attribute.String(string(attr.Key), ScrubCredentials(value))
				continue
			}
		}
		result[i] = attr
	}
	return result
}
