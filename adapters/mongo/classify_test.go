package mongo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"snapshot unavailable", mongo.CommandError{Code: 246}, "SnapshotUnavailable", true},
		{"not writable primary", mongo.CommandError{Code: 10107}, "NotWritablePrimary", true},
		{"lock timeout", mongo.CommandError{Code: 24}, "LockTimeout", true},
		{"no such transaction", mongo.CommandError{Code: 251}, "NoSuchTransaction", true},
		{"repl state change", mongo.CommandError{Code: 11602}, "InterruptedDueToReplStateChange", true},
		{"write conflict", mongo.CommandError{Code: 112}, "WriteConflict", true},
		{"wrapped write conflict", fmt.Errorf("save: %w", mongo.CommandError{Code: 112}), "WriteConflict", true},
		{"write exception", mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 112}}}, "WriteConflict", true},
		{"transient label", mongo.CommandError{Code: 999, Labels: []string{"TransientTransactionError"}}, "TransientTransactionError", true},
		{"duplicate key", mongo.CommandError{Code: 11000}, "11000", false},
		{"unknown code", mongo.CommandError{Code: 2}, "2", false},
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

func TestConfig_Validate(t *testing.T) {
	cfg := Config{URI: "mongodb://localhost"}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "arque", cfg.Database)
	assert.Equal(t, uint64(10), cfg.MaxPoolSize)
	assert.Equal(t, 20, cfg.Retry.MaxAttempts)

	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{URI: "mongodb://x", MinPoolSize: 5, MaxPoolSize: 2}).Validate())
}
