package usage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("DEEPREAD_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("DEEPREAD_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestPostgresStoreRoundTripsRecords(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()

	// Unique provider keeps runs against a shared database apart.
	provider := "test-" + uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)
	records := []*Record{
		{Timestamp: at, Provider: provider, Model: "m1", Outcome: OutcomeOK, InputTokens: 3, CompletionTokens: 4, CostUSD: 0.01},
		{Timestamp: at.Add(time.Second), Provider: provider, Model: "m2", Outcome: OutcomeError, ErrorMessage: "boom"},
	}
	if err := store.WriteBatch(ctx, records); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	if err := store.WriteRecord(ctx, &Record{Timestamp: at.Add(2 * time.Second), Provider: provider, Model: "m1", Outcome: OutcomeCancelled}); err != nil {
		t.Fatalf("WriteRecord() error: %v", err)
	}

	report, err := store.Query(ctx, Filter{Provider: provider})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if report.Summary.Requests != 3 {
		t.Fatalf("requests=%d, want 3", report.Summary.Requests)
	}
	if report.Summary.InputTokens != 3 || report.Summary.CompletionTokens != 4 {
		t.Fatalf("summary=%+v, unexpected token totals", report.Summary)
	}
	if report.Records[0].Outcome != OutcomeCancelled {
		t.Fatalf("newest outcome=%q, want %q", report.Records[0].Outcome, OutcomeCancelled)
	}

	filtered, err := store.Query(ctx, Filter{Provider: provider, Model: "m1", Limit: 1})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if filtered.Summary.Requests != 2 || len(filtered.Records) != 1 {
		t.Fatalf("filtered requests=%d records=%d, want 2 and 1", filtered.Summary.Requests, len(filtered.Records))
	}
}
