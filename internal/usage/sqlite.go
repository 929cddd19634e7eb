package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deepread/deepread/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// Fixed width keeps lexicographic order equal to time order.
const sqliteTimestampLayout = "2006-01-02T15:04:05.000000000Z"

const insertRecordSQLite = `
INSERT INTO usage_records (
    id, created_at, provider, model, outcome,
    input_tokens, completion_tokens, cost_usd, latency_ms,
    error_message, correlation_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// One writer at a time; concurrent writers only trade SQLITE_BUSY retries.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []struct {
		statement string
		purpose   string
	}{
		{`PRAGMA journal_mode = WAL;`, "enable sqlite WAL mode"},
		{`PRAGMA synchronous = NORMAL;`, "set sqlite synchronous mode"},
		{`PRAGMA busy_timeout = 5000;`, "set sqlite busy timeout"},
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma.statement); err != nil {
			return fmt.Errorf("%s: %w", pragma.purpose, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	row := Normalize(record)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, insertRecordSQLite, sqliteArgs(row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write usage record %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, insertRecordSQLite)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if record == nil {
				continue
			}
			row := Normalize(record)
			if _, err := stmt.ExecContext(ctx, sqliteArgs(row)...); err != nil {
				return fmt.Errorf("write usage record %q: %w", row.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

func sqliteArgs(row *Record) []any {
	return []any{
		row.ID,
		row.Timestamp.UTC().Format(sqliteTimestampLayout),
		row.Provider,
		row.Model,
		row.Outcome,
		row.InputTokens,
		row.CompletionTokens,
		row.CostUSD,
		row.LatencyMS,
		row.ErrorMessage,
		row.CorrelationID,
	}
}

func (s *SQLiteStore) Query(ctx context.Context, filter Filter) (*Report, error) {
	filter, err := filter.Validate()
	if err != nil {
		return nil, err
	}
	whereSQL, args := buildSQLiteWhere(filter)

	report := &Report{Records: []*Record{}}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost_usd), 0)
FROM usage_records WHERE `+whereSQL, args...)
	if err := row.Scan(&report.Summary.Requests, &report.Summary.InputTokens, &report.Summary.CompletionTokens, &report.Summary.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, CAST(created_at AS TEXT), provider, model, outcome, input_tokens, completion_tokens, cost_usd, latency_ms, error_message, correlation_id
FROM usage_records WHERE `+whereSQL+` ORDER BY created_at DESC, id DESC LIMIT ?`, append(args, filter.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			record    Record
			createdAt string
		)
		if err := rows.Scan(
			&record.ID,
			&createdAt,
			&record.Provider,
			&record.Model,
			&record.Outcome,
			&record.InputTokens,
			&record.CompletionTokens,
			&record.CostUSD,
			&record.LatencyMS,
			&record.ErrorMessage,
			&record.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		record.Timestamp, err = parseSQLiteTimestamp(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse usage record %q timestamp: %w", record.ID, err)
		}
		report.Records = append(report.Records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}
	return report, nil
}

func buildSQLiteWhere(filter Filter) (string, []any) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC().Format(sqliteTimestampLayout))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC().Format(sqliteTimestampLayout))
	}
	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		sqliteTimestampLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format %q", value)
}
