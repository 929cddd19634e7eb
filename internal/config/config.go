package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Upload        UploadConfig        `yaml:"upload"`
	Frontend      FrontendConfig      `yaml:"frontend"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

const (
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverOff      = "off"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	// QueueSize bounds the async usage writer; a full queue drops records.
	QueueSize int `yaml:"queue_size"`
}

func (c StorageConfig) Enabled() bool {
	return strings.ToLower(strings.TrimSpace(c.Driver)) != StorageDriverOff
}

type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
	MaxPages int   `yaml:"max_pages"`
}

// FrontendConfig points at a built single page app. An empty Dir disables
// static serving.
type FrontendConfig struct {
	Dir string `yaml:"dir"`
}

// UpstreamConfig bounds calls to LLM providers. Streams are not subject to a
// total deadline, only to the header wait.
type UpstreamConfig struct {
	DialTimeoutMS           int `yaml:"dial_timeout_ms"`
	ResponseHeaderTimeoutMS int `yaml:"response_header_timeout_ms"`
}

func (c UpstreamConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

func (c UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutMS) * time.Millisecond
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps Level onto slog, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "deepread"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Storage: StorageConfig{
			Driver:    StorageDriverSQLite,
			Path:      "./data/deepread.db",
			QueueSize: 256,
		},
		Upload: UploadConfig{
			MaxBytes: 50 << 20,
			MaxPages: 2000,
		},
		Upstream: UpstreamConfig{
			DialTimeoutMS:           10000,
			ResponseHeaderTimeoutMS: 120000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// Load layers defaults, the YAML file at path (a missing file is fine) and
// environment overrides. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeYAML(path, data, &cfg); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(path string, data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml %q: %w", path, err)
	}

	var trailing any
	trailingErr := decoder.Decode(&trailing)
	if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
		return fmt.Errorf("parse yaml %q: %w", path, trailingErr)
	}
	if trailing != nil {
		return fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
	}
	return nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Server.Host) == "" {
		return errors.New("server.host is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case StorageDriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	case StorageDriverOff:
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres, off (got %q)", cfg.Storage.Driver)
	}
	if cfg.Storage.Enabled() && cfg.Storage.QueueSize <= 0 {
		return fmt.Errorf("storage.queue_size must be > 0 (got %d)", cfg.Storage.QueueSize)
	}

	if cfg.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be > 0 (got %d)", cfg.Upload.MaxBytes)
	}
	if cfg.Upload.MaxPages <= 0 {
		return fmt.Errorf("upload.max_pages must be > 0 (got %d)", cfg.Upload.MaxPages)
	}

	if dir := strings.TrimSpace(cfg.Frontend.Dir); dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("frontend.dir %q: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("frontend.dir %q is not a directory", dir)
		}
	}

	if cfg.Upstream.DialTimeoutMS <= 0 {
		return fmt.Errorf("upstream.dial_timeout_ms must be > 0 (got %d)", cfg.Upstream.DialTimeoutMS)
	}
	if cfg.Upstream.ResponseHeaderTimeoutMS <= 0 {
		return fmt.Errorf("upstream.response_header_timeout_ms must be > 0 (got %d)", cfg.Upstream.ResponseHeaderTimeoutMS)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", cfg.Log.Level)
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("DEEPREAD_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("DEEPREAD_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid DEEPREAD_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if driver := os.Getenv("DEEPREAD_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if path := os.Getenv("DEEPREAD_STORAGE_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if dsn := os.Getenv("DEEPREAD_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}

	if dir := os.Getenv("DEEPREAD_FRONTEND_DIR"); dir != "" {
		cfg.Frontend.Dir = dir
	}
	if maxBytes := os.Getenv("DEEPREAD_UPLOAD_MAX_BYTES"); maxBytes != "" {
		v, err := strconv.ParseInt(maxBytes, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DEEPREAD_UPLOAD_MAX_BYTES: %w", err)
		}
		cfg.Upload.MaxBytes = v
	}
	if level := os.Getenv("DEEPREAD_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

// applyOTelEnv follows the OpenTelemetry SDK variables. Setting any of them
// enables export unless OTEL_SDK_DISABLED says otherwise.
func applyOTelEnv(cfg *OTelConfig) error {
	configured := false
	sdkDisabledSet := false

	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		sdkDisabledSet = true
		configured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		configured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		configured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		configured = true
	}
	if exporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); exporter != "" {
		enabled, err := otelExporterEnabled(exporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		configured = true
	}
	if exporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); exporter != "" {
		enabled, err := otelExporterEnabled(exporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		configured = true
	}
	if ratio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); ratio != "" {
		v, err := strconv.ParseFloat(ratio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		configured = true
	}
	if timeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		configured = true
	}
	if interval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); interval != "" {
		v, err := strconv.Atoi(interval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		configured = true
	}
	if configured && !sdkDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
