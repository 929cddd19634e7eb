package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepread/deepread/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const insertRecordPostgres = `
INSERT INTO usage_records (
    id, created_at, provider, model, outcome,
    input_tokens, completion_tokens, cost_usd, latency_ms,
    error_message, correlation_id
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	store := &PostgresStore{DSN: dsn, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	row := Normalize(record)
	if _, err := s.db.ExecContext(ctx, insertRecordPostgres, postgresArgs(row)...); err != nil {
		return fmt.Errorf("write usage record %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, insertRecordPostgres)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if record == nil {
			continue
		}
		row := Normalize(record)
		if _, err := stmt.ExecContext(ctx, postgresArgs(row)...); err != nil {
			if isPostgresUniqueViolation(err) {
				continue
			}
			return fmt.Errorf("write usage record %q: %w", row.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func postgresArgs(row *Record) []any {
	return []any{
		row.ID,
		row.Timestamp.UTC(),
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

func (s *PostgresStore) Query(ctx context.Context, filter Filter) (*Report, error) {
	filter, err := filter.Validate()
	if err != nil {
		return nil, err
	}
	builder := newPostgresWhereBuilder()
	if filter.Provider != "" {
		builder.addComparison("provider", "=", filter.Provider)
	}
	if filter.Model != "" {
		builder.addComparison("model", "=", filter.Model)
	}
	if !filter.From.IsZero() {
		builder.addComparison("created_at", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		builder.addComparison("created_at", "<=", filter.To.UTC())
	}
	whereSQL := builder.where()

	report := &Report{Records: []*Record{}}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost_usd), 0)
FROM usage_records`+whereSQL, builder.args...)
	if err := row.Scan(&report.Summary.Requests, &report.Summary.InputTokens, &report.Summary.CompletionTokens, &report.Summary.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}

	limitArg := builder.addArg(filter.Limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, created_at, provider, model, outcome, input_tokens, completion_tokens, cost_usd, latency_ms, error_message, correlation_id
FROM usage_records`+whereSQL+` ORDER BY created_at DESC, id DESC LIMIT `+limitArg, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record Record
		if err := rows.Scan(
			&record.ID,
			&record.Timestamp,
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
		record.Timestamp = record.Timestamp.UTC()
		report.Records = append(report.Records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}
	return report, nil
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	b.conditions = append(b.conditions, column+" "+operator+" "+b.addArg(value))
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conditions, " AND ")
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
