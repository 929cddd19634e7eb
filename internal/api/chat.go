package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/deepread/deepread/internal/chat"
	"github.com/deepread/deepread/internal/correlation"
	"github.com/deepread/deepread/internal/providers"
)

const defaultChatBodyLimit = 50 << 20

var errTrailingData = errors.New("trailing data after JSON body")

type contentFrame struct {
	Content string `json:"content"`
}

type doneFrame struct {
	Done  bool       `json:"done"`
	Usage chat.Usage `json:"usage"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// ChatHandler streams a chat completion as server-sent events. Invalid input
// is rejected with a JSON 400 before any event is written.
func ChatHandler(service *chat.Service, maxBodyBytes int64, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultChatBodyLimit
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "chat is unavailable")
			return
		}

		var req chat.Request
		if !decodeJSONBody(w, r, maxBodyBytes, &req) {
			return
		}
		tagRequest(r.Context(), req.LLMConfig.ProviderName, req.LLMConfig.ModelName)

		events, err := service.Stream(r.Context(), req)
		if err != nil {
			writeStreamSetupError(w, r, logger, err)
			return
		}

		header := w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		controller := http.NewResponseController(w)
		_ = controller.Flush()

		for event := range events {
			var frame any
			switch event.Kind {
			case chat.EventContent:
				frame = contentFrame{Content: event.Content}
			case chat.EventUsage:
				usage := chat.Usage{}
				if event.Usage != nil {
					usage = *event.Usage
				}
				frame = doneFrame{Done: true, Usage: usage}
			case chat.EventError:
				message := "stream failed"
				if event.Err != nil {
					message = event.Err.Error()
				}
				frame = errorFrame{Error: message}
			default:
				continue
			}
			if err := writeSSEFrame(w, frame); err != nil {
				// Client is gone; leaving the loop cancels the upstream stream.
				break
			}
			if err := controller.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				break
			}
		}
	})
}

func writeSSEFrame(w http.ResponseWriter, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	_, err = w.Write(buf.Bytes())
	return err
}

func writeStreamSetupError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var configErr *providers.ConfigurationError
	switch {
	case errors.As(err, &configErr),
		errors.Is(err, chat.ErrNoMessages),
		errors.Is(err, chat.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		correlationID, _ := correlation.FromContext(r.Context())
		logger.ErrorContext(r.Context(), "chat stream setup failed",
			"correlation_id", correlationID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeJSONBody reads a single JSON object from the request body. It writes
// the error response itself and reports whether decoding succeeded.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	decoder := json.NewDecoder(r.Body)
	err := decoder.Decode(dst)
	if err == nil {
		// Anything after the object, even another valid value, is rejected.
		if extra := decoder.Decode(&struct{}{}); !errors.Is(extra, io.EOF) {
			err = errTrailingData
			if extra != nil {
				err = extra
			}
		}
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
