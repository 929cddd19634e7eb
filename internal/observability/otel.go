package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deepread/deepread/internal/config"
	"github.com/deepread/deepread/internal/correlation"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "deepread"

// Runtime exposes OpenTelemetry HTTP wrappers and the service's metric hooks.
// The zero value and a nil *Runtime are valid and record nothing.
type Runtime struct {
	enabled bool

	chatStreams       metric.Int64Counter
	chatTokens        metric.Int64Counter
	chatCost          metric.Float64Histogram
	pdfConversions    metric.Int64Counter
	usageQueueDropped metric.Int64Counter
	usageWriteFailed  metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers when cfg.Enabled is set.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		options := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, options...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(metricInterval),
				sdkmetric.WithTimeout(exportTimeout),
			)),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.registerInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true

	logger.Info(
		"opentelemetry enabled",
		"otel_endpoint", otlpEndpoint,
		"otel_traces_enabled", cfg.TracesEnabled,
		"otel_metrics_enabled", cfg.MetricsEnabled,
		"otel_sampling_ratio", cfg.SamplingRatio,
	)
	return runtime, nil
}

func (r *Runtime) registerInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.chatStreams, err = meter.Int64Counter(
		"deepread.chat.streams_total",
		metric.WithDescription("Chat streams by provider and outcome."),
	)
	warn("deepread.chat.streams_total", err)

	r.chatTokens, err = meter.Int64Counter(
		"deepread.chat.tokens_total",
		metric.WithDescription("Estimated chat tokens by provider and direction."),
	)
	warn("deepread.chat.tokens_total", err)

	r.chatCost, err = meter.Float64Histogram(
		"deepread.chat.cost_usd",
		metric.WithDescription("Estimated cost of each completed chat stream."),
		metric.WithUnit("USD"),
	)
	warn("deepread.chat.cost_usd", err)

	r.pdfConversions, err = meter.Int64Counter(
		"deepread.pdf.conversions_total",
		metric.WithDescription("PDF to markdown conversions by outcome."),
	)
	warn("deepread.pdf.conversions_total", err)

	r.usageQueueDropped, err = meter.Int64Counter(
		"deepread.usage.queue_dropped_total",
		metric.WithDescription("Usage records dropped because the async writer queue was full."),
	)
	warn("deepread.usage.queue_dropped_total", err)

	r.usageWriteFailed, err = meter.Int64Counter(
		"deepread.usage.write_failed_total",
		metric.WithDescription("Usage records dropped after storage write failures."),
	)
	warn("deepread.usage.write_failed_total", err)
}

func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound handler with server spans and adds the
// correlation id and 5xx error status to each span.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		spanEnrichment(next),
		"deepread.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return normalizedMethod(req.Method) + " " + RoutePattern(req.URL.Path)
		}),
	)
}

func spanEnrichment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if !span.IsRecording() {
			return
		}
		if status := recorder.StatusCode(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", status))
		}
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("deepread.correlation_id", correlationID))
		}
	})
}

// WrapHTTPTransport wraps the transport used for provider calls.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "provider " + normalizedMethod(req.Method) + " " + providerOperation(req.URL.Path)
		}),
	)
}

// RecordChatStream counts one finished chat stream. Tokens and cost are
// only recorded for completed streams.
func (r *Runtime) RecordChatStream(ctx context.Context, provider, outcome string, inputTokens, completionTokens int, costUSD float64) {
	if !r.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	providerAttr := attribute.String("provider", provider)
	if r.chatStreams != nil {
		r.chatStreams.Add(ctx, 1, metric.WithAttributes(providerAttr, attribute.String("outcome", outcome)))
	}
	if outcome != "ok" {
		return
	}
	if r.chatTokens != nil {
		r.chatTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(providerAttr, attribute.String("direction", "input")))
		r.chatTokens.Add(ctx, int64(completionTokens), metric.WithAttributes(providerAttr, attribute.String("direction", "completion")))
	}
	if r.chatCost != nil {
		r.chatCost.Record(ctx, costUSD, metric.WithAttributes(providerAttr))
	}
}

func (r *Runtime) RecordPDFConversion(ctx context.Context, outcome string) {
	if !r.Enabled() || r.pdfConversions == nil {
		return
	}
	r.pdfConversions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Runtime) RecordUsageQueueDrop() {
	if !r.Enabled() || r.usageQueueDropped == nil {
		return
	}
	r.usageQueueDropped.Add(context.Background(), 1)
}

func (r *Runtime) RecordUsageWriteFailure(operation, errorClass string, failedCount int) {
	if !r.Enabled() || failedCount <= 0 || r.usageWriteFailed == nil {
		return
	}
	r.usageWriteFailed.Add(
		context.Background(),
		int64(failedCount),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(operation)),
			attribute.String("error_class", strings.TrimSpace(errorClass)),
		),
	)
}

// Shutdown flushes and stops the providers in reverse setup order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

var knownRoutes = []string{
	"/api/to_markdown",
	"/api/chat",
	"/api/models",
	"/api/usage",
	"/api/health",
}

// RoutePattern maps a request path onto a low-cardinality route label.
func RoutePattern(path string) string {
	for _, route := range knownRoutes {
		if path == route {
			return route
		}
	}
	switch {
	case path == "/api" || path == "/":
		return path
	case strings.HasPrefix(path, "/api/"):
		return "/api/*"
	default:
		return "/static"
	}
}

func providerOperation(path string) string {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return "chat.completions"
	case strings.HasSuffix(path, "/models"):
		return "models"
	default:
		return "other"
	}
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

// Flush keeps SSE responses streaming through the span wrapper.
func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	if readerFrom, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		return readerFrom.ReadFrom(r)
	}
	return io.Copy(w.ResponseWriter, r)
}
