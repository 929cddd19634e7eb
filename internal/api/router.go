package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deepread/deepread/internal/chat"
	"github.com/deepread/deepread/internal/correlation"
	"github.com/deepread/deepread/internal/observability"
	"github.com/deepread/deepread/internal/pdftext"
	"github.com/deepread/deepread/internal/providers"
	"github.com/deepread/deepread/internal/usage"
)

const livenessMessage = "DeepRead API"

type RouterOptions struct {
	AppVersion     string
	Logger         *slog.Logger
	Clients        *providers.ClientCache
	Chat           *chat.Service
	Converter      *pdftext.Converter
	UploadMaxBytes int64
	// Usage is nil when the storage driver is off.
	Usage         usage.Store
	UsageWriter   *usage.Writer
	StorageDriver string
	FrontendDir   string
	Telemetry     *observability.Runtime
}

func NewRouter(options RouterOptions) http.Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		Clients:       options.Clients,
		Writer:        options.UsageWriter,
	}))
	mux.Handle("/api/to_markdown", MarkdownHandler(MarkdownOptions{
		Converter: options.Converter,
		MaxBytes:  options.UploadMaxBytes,
		Telemetry: options.Telemetry,
		Logger:    logger,
	}))
	mux.Handle("/api/chat", ChatHandler(options.Chat, options.UploadMaxBytes, logger))
	mux.Handle("/api/models", ModelsHandler(options.Clients, logger))
	mux.Handle("/api/usage", UsageHandler(options.Usage, logger))
	mux.HandleFunc("/api", livenessHandler)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	if dir := strings.TrimSpace(options.FrontendDir); dir != "" {
		mux.Handle("/", FrontendHandler(dir))
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			livenessHandler(w, r)
		})
	}

	var handler http.Handler = withCORS(mux)
	handler = LoggingMiddleware(logger, handler)
	handler = options.Telemetry.WrapHTTPHandler(handler)
	return correlation.Middleware(handler)
}

func livenessHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": livenessMessage})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"message\":\"Internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

// writeError writes the {message} body every non-stream response uses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"message": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := strings.Join([]string{"Content-Type", "Authorization", "Accept", correlation.HeaderName}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Expose-Headers", correlation.HeaderName)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
