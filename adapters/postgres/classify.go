package postgres

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryableCodes maps the SQLSTATE codes retried by the store to their
// condition names.
var RetryableCodes = map[string]string{
	pgerrcode.SerializationFailure: "serialization_failure",
	pgerrcode.DeadlockDetected:     "deadlock_detected",
}

// Classify reports the SQLSTATE of err and whether the store retries it.
func Classify(err error) (code string, retryable bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	_, retryable = RetryableCodes[pgErr.Code]
	return pgErr.Code, retryable
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
