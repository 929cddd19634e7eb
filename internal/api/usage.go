package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deepread/deepread/internal/chat"
	"github.com/deepread/deepread/internal/correlation"
	"github.com/deepread/deepread/internal/observability"
	"github.com/deepread/deepread/internal/usage"
)

const dateLayout = "2006-01-02"

// UsageHandler reports the usage ledger. store is nil when storage is off.
func UsageHandler(store usage.Store, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, usage.ErrStorageDisabled.Error())
			return
		}

		filter, err := parseUsageFilter(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		report, err := store.Query(r.Context(), filter)
		if err != nil {
			if errors.Is(err, usage.ErrInvalidFilter) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			correlationID, _ := correlation.FromContext(r.Context())
			logger.ErrorContext(r.Context(), "usage query failed",
				"correlation_id", correlationID,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if report.Records == nil {
			report.Records = []*usage.Record{}
		}
		writeJSON(w, http.StatusOK, report)
	})
}

func parseUsageFilter(query url.Values) (usage.Filter, error) {
	filter := usage.Filter{
		Provider: strings.TrimSpace(query.Get("provider")),
		Model:    strings.TrimSpace(query.Get("model")),
	}

	var err error
	if filter.From, err = ParseTimeBound(query.Get("from"), false); err != nil {
		return usage.Filter{}, errors.New("invalid from: use RFC3339 or YYYY-MM-DD")
	}
	if filter.To, err = ParseTimeBound(query.Get("to"), true); err != nil {
		return usage.Filter{}, errors.New("invalid to: use RFC3339 or YYYY-MM-DD")
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return usage.Filter{}, errors.New("invalid limit: must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

// ParseTimeBound accepts RFC3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func ParseTimeBound(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		parsed = parsed.Add(24*time.Hour - time.Nanosecond)
	}
	return parsed, nil
}

// NewUsageRecorder turns finished chat streams into ledger rows and metrics.
// writer may be nil, in which case only metrics are recorded.
func NewUsageRecorder(writer *usage.Writer, telemetry *observability.Runtime, logger *slog.Logger) chat.Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, result chat.Result) {
		telemetry.RecordChatStream(ctx,
			result.Provider,
			string(result.Outcome),
			result.Usage.InputTokens,
			result.Usage.CompletionTokens,
			result.Usage.Cost,
		)
		if writer == nil {
			return
		}

		record := &usage.Record{
			Timestamp:        time.Now().UTC(),
			Provider:         result.Provider,
			Model:            result.Model,
			Outcome:          string(result.Outcome),
			InputTokens:      result.Usage.InputTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			CostUSD:          result.Usage.Cost,
			LatencyMS:        result.Latency.Milliseconds(),
		}
		if result.Err != nil {
			record.ErrorMessage = observability.ScrubCredentials(result.Err.Error())
		}
		if correlationID, ok := correlation.FromContext(ctx); ok {
			record.CorrelationID = correlationID
		}
		if !writer.Enqueue(record) {
			logger.WarnContext(ctx, "usage record dropped",
				"correlation_id", record.CorrelationID,
				"provider", record.Provider,
			)
		}
	}
}
