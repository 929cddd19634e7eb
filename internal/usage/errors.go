package usage

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// ClassifyWriteError buckets a ledger write error so failures can be counted
// by cause instead of by Go type.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if class := classifyPostgresCode(pgErr.Code); class != "" {
			return class
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "broken pipe", "no such host"):
		return WriteErrorClassConnection
	case containsAny(msg, "timeout", "deadline exceeded"):
		return WriteErrorClassTimeout
	case containsAny(msg, "sqlite_busy", "database is locked"):
		return WriteErrorClassContention
	case containsAny(msg, "unique constraint", "constraint failed", "duplicate key", "violates check constraint"):
		return WriteErrorClassConstraint
	}
	return WriteErrorClassUnknown
}

// See https://www.postgresql.org/docs/current/errcodes-appendix.html.
func classifyPostgresCode(code string) string {
	switch {
	case code == "57014":
		return WriteErrorClassTimeout
	case strings.HasPrefix(code, "08"):
		return WriteErrorClassConnection
	case strings.HasPrefix(code, "23"):
		return WriteErrorClassConstraint
	case strings.HasPrefix(code, "40"), code == "55P03":
		return WriteErrorClassContention
	}
	return ""
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}
