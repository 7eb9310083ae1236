package mongo

import (
	"errors"
	"strconv"

	"go.mongodb.org/mongo-driver/mongo"
)

// RetryableCodes maps the server error codes retried by the store to their
// names.
var RetryableCodes = map[int]string{
	246:   "SnapshotUnavailable",
	10107: "NotWritablePrimary",
	24:    "LockTimeout",
	251:   "NoSuchTransaction",
	11602: "InterruptedDueToReplStateChange",
	112:   "WriteConflict",
}

const transientTransactionLabel = "TransientTransactionError"

// Classify reports the server error name of err and whether the store
// retries it. Errors labelled as transient transaction errors are retried
// as well.
func Classify(err error) (code string, retryable bool) {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return "", false
	}
	for c, name := range RetryableCodes {
		if se.HasErrorCode(c) {
			return name, true
		}
	}
	if se.HasErrorLabel(transientTransactionLabel) {
		return transientTransactionLabel, true
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return strconv.Itoa(int(ce.Code)), false
	}
	return "", false
}
