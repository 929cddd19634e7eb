// Package usage persists one ledger row per chat stream and answers
// aggregate queries over them.
package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrStorageDisabled = errors.New("usage storage is disabled")
	ErrInvalidFilter   = errors.New("usage filter is invalid")
)

const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

type Record struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Outcome          string    `json:"outcome"`
	InputTokens      int       `json:"input_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMS        int64     `json:"latency_ms"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
}

type Filter struct {
	Provider string
	Model    string
	From     time.Time
	To       time.Time
	Limit    int
}

type Summary struct {
	Requests         int64   `json:"requests"`
	InputTokens      int64   `json:"input_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Report holds the aggregate over every matching row plus the newest
// Filter.Limit rows themselves.
type Report struct {
	Summary Summary   `json:"summary"`
	Records []*Record `json:"records"`
}

type Store interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	Query(ctx context.Context, filter Filter) (*Report, error)
	Close() error
}

// Normalize returns a copy of in with an id, a UTC timestamp and a known
// outcome filled in.
func Normalize(in *Record) *Record {
	out := *in
	if strings.TrimSpace(out.ID) == "" {
		out.ID = uuid.NewString()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	out.Timestamp = out.Timestamp.UTC()
	out.Provider = strings.ToLower(strings.TrimSpace(out.Provider))
	switch out.Outcome {
	case OutcomeOK, OutcomeError, OutcomeCancelled:
	default:
		out.Outcome = OutcomeError
	}
	if out.InputTokens < 0 {
		out.InputTokens = 0
	}
	if out.CompletionTokens < 0 {
		out.CompletionTokens = 0
	}
	if out.LatencyMS < 0 {
		out.LatencyMS = 0
	}
	return &out
}

// Validate checks the time range and clamps Limit into [1, MaxQueryLimit].
func (f Filter) Validate() (Filter, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, errors.Join(ErrInvalidFilter, errors.New("to is before from"))
	}
	f.Provider = strings.ToLower(strings.TrimSpace(f.Provider))
	f.Model = strings.TrimSpace(f.Model)
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		f.Limit = MaxQueryLimit
	}
	return f, nil
}
