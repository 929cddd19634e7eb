package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deepread/deepread/internal/config"
	"github.com/deepread/deepread/internal/usage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deepread.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	if code := run([]string{"frobnicate"}); code != 2 {
		t.Fatalf("run() code=%d, want 2", code)
	}
}

func TestRunServeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, `server:
  host: 127.0.0.1
  port: 70000
`)
	var stderr bytes.Buffer
	if code := runServe([]string{"--config", configPath}, &stderr); code != 1 {
		t.Fatalf("runServe() code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "config is invalid: server.port") {
		t.Fatalf("stderr=%q, want port validation error", stderr.String())
	}
}

func TestRunServeValidatesFlagOverrides(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, "")
	var stderr bytes.Buffer
	if code := runServe([]string{"--config", configPath, "--port", "-5"}, &stderr); code != 1 {
		t.Fatalf("runServe() code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "server.port") {
		t.Fatalf("stderr=%q, want port validation error", stderr.String())
	}
}

func TestRunServeRejectsPositionalArguments(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	if code := runServe([]string{"extra"}, &stderr); code != 2 {
		t.Fatalf("runServe() code=%d, want 2", code)
	}
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{name: "empty file uses defaults", body: "", wantCode: 0, wantStdout: "config is valid: "},
		{name: "postgres without dsn", body: "storage:\n  driver: postgres\n", wantCode: 1, wantStderr: "config is invalid: storage.dsn is required"},
		{name: "unknown field", body: "surprise: true\n", wantCode: 1, wantStderr: "config is invalid"},
		{name: "storage off", body: "storage:\n  driver: off\n", wantCode: 0, wantStdout: "config is valid: "},
	}

	for _, tt := range tests {
		configPath := writeConfig(t, tt.body)
		var stdout, stderr bytes.Buffer
		code := runConfigValidate([]string{"--config", configPath}, &stdout, &stderr)
		if code != tt.wantCode {
			t.Fatalf("%s: code=%d, want %d (stderr=%q)", tt.name, code, tt.wantCode, stderr.String())
		}
		if tt.wantStdout != "" && !strings.Contains(stdout.String(), tt.wantStdout) {
			t.Fatalf("%s: stdout=%q, want %q", tt.name, stdout.String(), tt.wantStdout)
		}
		if tt.wantStderr != "" && !strings.Contains(stderr.String(), tt.wantStderr) {
			t.Fatalf("%s: stderr=%q, want %q", tt.name, stderr.String(), tt.wantStderr)
		}
	}
}

func TestRunConfigRequiresSubcommand(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := runConfig(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("runConfig() code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "deepread config validate") {
		t.Fatalf("stderr=%q, want usage text", stderr.String())
	}
}

func TestNewServerLeavesWriteTimeoutUnset(t *testing.T) {
	t.Parallel()

	server := newServer(config.Default(), http.NotFoundHandler())
	if server.Addr != "127.0.0.1:8000" {
		t.Fatalf("Addr=%q, want 127.0.0.1:8000", server.Addr)
	}
	if server.ReadHeaderTimeout != serverReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%s, want %s", server.ReadHeaderTimeout, serverReadHeaderTimeout)
	}
	if server.ReadTimeout != serverReadTimeout {
		t.Fatalf("ReadTimeout=%s, want %s", server.ReadTimeout, serverReadTimeout)
	}
	if server.IdleTimeout != serverIdleTimeout {
		t.Fatalf("IdleTimeout=%s, want %s", server.IdleTimeout, serverIdleTimeout)
	}
	if server.WriteTimeout != 0 {
		t.Fatalf("WriteTimeout=%s, want 0", server.WriteTimeout)
	}
}

func TestNewUpstreamTransportUsesConfiguredTimeouts(t *testing.T) {
	t.Parallel()

	transport := newUpstreamTransport(config.UpstreamConfig{DialTimeoutMS: 1500, ResponseHeaderTimeoutMS: 2500})
	if transport.ResponseHeaderTimeout != 2500*time.Millisecond {
		t.Fatalf("ResponseHeaderTimeout=%s, want 2.5s", transport.ResponseHeaderTimeout)
	}
	if transport.DialContext == nil {
		t.Fatalf("DialContext is nil")
	}
	if transport == http.DefaultTransport {
		t.Fatalf("newUpstreamTransport() returned the shared default transport")
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger := newLogger(&out, config.LogConfig{Level: "warn"})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("log lines=%q, want one", lines)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if entry["msg"] != "shown" || entry["level"] != slog.LevelWarn.String() {
		t.Fatalf("entry=%v, want warn shown", entry)
	}
}

func seedUsageStore(t *testing.T, path string, records ...*usage.Record) {
	t.Helper()
	store, err := usage.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()
	if err := store.WriteBatch(context.Background(), records); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
}

func TestRunUsageReportsLedger(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "usage.db")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedUsageStore(t, dbPath,
		&usage.Record{Timestamp: base, Provider: "openai", Model: "gpt-4o", Outcome: usage.OutcomeOK, InputTokens: 100, CompletionTokens: 50, CostUSD: 0.00075, LatencyMS: 900},
		&usage.Record{Timestamp: base.Add(time.Hour), Provider: "anthropic", Model: "claude-3-5-sonnet", Outcome: usage.OutcomeOK, InputTokens: 10, CompletionTokens: 20, CostUSD: 0.00033, LatencyMS: 400},
	)
	configPath := writeConfig(t, "storage:\n  driver: sqlite\n  path: "+dbPath+"\n")

	var stdout, stderr bytes.Buffer
	code := runUsage([]string{"--config", configPath, "--provider", "openai"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runUsage() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	for _, want := range []string{"Requests: 1", "Input tokens: 100", "gpt-4o"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("stdout=%q, want %q", stdout.String(), want)
		}
	}
	if strings.Contains(stdout.String(), "claude") {
		t.Fatalf("stdout=%q, want provider filter applied", stdout.String())
	}

	stdout.Reset()
	code = runUsage([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runUsage(json) code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	var report usage.Report
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode json report: %v", err)
	}
	if report.Summary.Requests != 2 || len(report.Records) != 2 {
		t.Fatalf("report=%+v, want 2 requests", report)
	}
	if report.Records[0].Provider != "anthropic" {
		t.Fatalf("first record=%+v, want newest first", report.Records[0])
	}
}

func TestRunUsageRejectsBadFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{name: "format", args: []string{"--format", "xml"}},
		{name: "limit", args: []string{"--limit", "0"}},
		{name: "from", args: []string{"--from", "soon"}},
		{name: "range", args: []string{"--from", "2026-03-02", "--to", "2026-03-01"}},
		{name: "positional", args: []string{"extra"}},
	}
	for _, tt := range tests {
		var stdout, stderr bytes.Buffer
		if code := runUsage(tt.args, &stdout, &stderr); code != 2 {
			t.Fatalf("%s: code=%d, want 2 (stderr=%q)", tt.name, code, stderr.String())
		}
	}
}

func TestRunUsageWithStorageOff(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, "storage:\n  driver: off\n")
	var stdout, stderr bytes.Buffer
	if code := runUsage([]string{"--config", configPath}, &stdout, &stderr); code != 1 {
		t.Fatalf("runUsage() code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "disabled") {
		t.Fatalf("stderr=%q, want disabled message", stderr.String())
	}
}

func TestShutdownUsageWriterFlushesQueue(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "usage.db")
	store, err := usage.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()

	writer := usage.NewWriter(store, 8)
	attachUsageWriterTelemetry(nil, writer, nil)
	writer.Start()
	for i := 0; i < 3; i++ {
		if !writer.Enqueue(&usage.Record{Provider: "openai", Outcome: usage.OutcomeOK}) {
			t.Fatalf("Enqueue(%d) rejected", i)
		}
	}
	shutdownUsageWriter(nil, writer, time.Second)

	report, err := store.Query(context.Background(), usage.Filter{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if report.Summary.Requests != 3 {
		t.Fatalf("requests=%d, want 3", report.Summary.Requests)
	}
}
