package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/codewandler/arque-go/core/es"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"serialization failure", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, "40001", true},
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, "40P01", true},
		{"wrapped deadlock", fmt.Errorf("save: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), "40P01", true},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, "23505", false},
		{"unknown code", &pgconn.PgError{Code: "XX000"}, "XX000", false},
		{"plain error", errors.New("boom"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, retryable := Classify(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	assert.False(t, isUniqueViolation(nil))
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{URI: "postgres://localhost/arque"}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "public", cfg.Schema)
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, 20, cfg.Retry.MaxAttempts)

	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{URI: "postgres://x", Schema: "Bad-Name"}).Validate())
	assert.Error(t, (&Config{URI: "postgres://x", MinConns: 5, MaxConns: 2}).Validate())
}

func TestListQuery(t *testing.T) {
	q := listQuery(es.ByAggregate(es.AggregateID{0xab, 0x01}, 7))
	assert.Contains(t, q, "decode('ab01', 'hex')")
	assert.Contains(t, q, "aggregate_version > 7")

	q = listQuery(es.ByType(42))
	assert.Contains(t, q, "type = 42")
	assert.Contains(t, q, "ORDER BY type, timestamp, id")
}
