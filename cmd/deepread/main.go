package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deepread/deepread/internal/api"
	"github.com/deepread/deepread/internal/chat"
	"github.com/deepread/deepread/internal/config"
	"github.com/deepread/deepread/internal/observability"
	"github.com/deepread/deepread/internal/pdftext"
	"github.com/deepread/deepread/internal/providers"
	"github.com/deepread/deepread/internal/usage"
	"github.com/deepread/deepread/internal/version"
)

const defaultConfigPath = "deepread.yaml"

const usageWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 10 * time.Second
const serverReadHeaderTimeout = 10 * time.Second

// Uploads may be large, so the body read gets more room than the header.
const serverReadTimeout = 2 * time.Minute
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil, os.Stderr)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:], os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "usage":
		return runUsage(args[1:], os.Stdout, os.Stderr)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	if _, err := resolveConfig(*configPath); err != nil {
		// An unreadable file fails validation too.
		fmt.Fprintf(errOut, "config is invalid: %v\n", errors.Unwrap(err))
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	host := flagSet.String("host", "", "Host to bind (overrides server.host)")
	port := flagSet.Int("port", 0, "Port to bind (overrides server.port)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "serve does not accept positional arguments")
		return 2
	}

	cfg, err := resolveConfig(*configPath, func(cfg *config.Config) {
		if value := strings.TrimSpace(*host); value != "" {
			cfg.Server.Host = value
		}
		if *port != 0 {
			cfg.Server.Port = *port
		}
	})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	var usageStore usage.Store
	var usageWriter *usage.Writer
	store, err := usage.Open(driver, cfg.Storage.Path, cfg.Storage.DSN)
	switch {
	case errors.Is(err, usage.ErrStorageDisabled):
		logger.Info("usage storage disabled")
	case err != nil:
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", driver, err)
		return 1
	default:
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close usage storage", "error", err)
			}
		}()
		usageStore = store
		usageWriter = usage.NewWriter(store, cfg.Storage.QueueSize)
		attachUsageWriterTelemetry(logger, usageWriter, otelRuntime)
		usageWriter.Start()
		defer shutdownUsageWriter(logger, usageWriter, usageWriterShutdownTimeout)
	}

	clients := providers.NewClientCache(
		providers.WithTransport(otelRuntime.WrapHTTPTransport(newUpstreamTransport(cfg.Upstream))),
	)
	chatService := chat.NewService(clients, chat.Options{
		Logger:   logger,
		Recorder: api.NewUsageRecorder(usageWriter, otelRuntime, logger),
	})
	handler := api.NewRouter(api.RouterOptions{
		AppVersion:     version.String(),
		Logger:         logger,
		Clients:        clients,
		Chat:           chatService,
		Converter:      pdftext.New(pdftext.WithMaxPages(cfg.Upload.MaxPages)),
		UploadMaxBytes: cfg.Upload.MaxBytes,
		Usage:          usageStore,
		UsageWriter:    usageWriter,
		StorageDriver:  driver,
		FrontendDir:    cfg.Frontend.Dir,
		Telemetry:      otelRuntime,
	})
	server := newServer(cfg, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", driver,
		"frontend_dir", cfg.Frontend.Dir,
		"config_path", *configPath,
		"otel_enabled", otelRuntime.Enabled(),
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("server stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(out io.Writer, cfg config.LogConfig) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(observability.NewContextLogHandler(handler))
}

// newServer leaves WriteTimeout unset; chat streams stay open for as long
// as the provider keeps producing tokens.
func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func newUpstreamTransport(cfg config.UpstreamConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.DialTimeout(),
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout()
	return transport
}

func attachUsageWriterTelemetry(logger *slog.Logger, writer *usage.Writer, otelRuntime *observability.Runtime) {
	if writer == nil {
		return
	}
	if otelRuntime.Enabled() {
		writer.SetMetrics(&usage.WriterMetrics{
			OnDrop: otelRuntime.RecordUsageQueueDrop,
		})
	}
	writer.SetWriteFailureHandler(func(failure usage.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		otelRuntime.RecordUsageWriteFailure(failure.Operation, failure.ErrorClass, failure.FailedCount)
		if logger != nil {
			logger.Error(
				"usage persistence failed; dropped usage records",
				"operation", strings.TrimSpace(failure.Operation),
				"batch_size", failure.BatchSize,
				"failed_count", failure.FailedCount,
				"error_class", failure.ErrorClass,
				"error_kind", fmt.Sprintf("%T", failure.Err),
			)
		}
	})
}

func shutdownUsageWriter(logger *slog.Logger, writer *usage.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending usage records before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending usage records before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  deepread serve [--config path/to/deepread.yaml] [--host HOST] [--port PORT]")
	fmt.Fprintln(out, "  deepread version")
	fmt.Fprintln(out, "  deepread config validate [--config path/to/deepread.yaml]")
	fmt.Fprintln(out, "  deepread usage [--config path/to/deepread.yaml] [--format text|json] [--from RFC3339|YYYY-MM-DD] [--to RFC3339|YYYY-MM-DD] [--provider NAME] [--model NAME] [--limit N]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  deepread config validate [--config path/to/deepread.yaml]")
}
