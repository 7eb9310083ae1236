package es

import (
	"errors"
	"fmt"
)

var (
	ErrAggregateVersionConflict = errors.New("aggregate version conflict")
	ErrAggregateIsFinal         = errors.New("aggregate is final")
	ErrSnapshotNotFound         = errors.New("snapshot not found")
	ErrStoreClosed              = errors.New("store is closed")
	ErrStreamClosed             = errors.New("stream is closed")
	ErrSnapshotQueueFull        = errors.New("snapshot queue is full")
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrUnknownCommand           = errors.New("unknown command")
	ErrVersionGap               = errors.New("event version gap")
	ErrDuplicateHandler         = errors.New("duplicate handler")
	ErrMissingHandler           = errors.New("missing handler")
)

// AggregateVersionConflictError reports that the version a write expected
// was already taken.
type AggregateVersionConflictError struct {
	ID      AggregateID
	Version Version
}

func (e *AggregateVersionConflictError) Error() string {
	return fmt.Sprintf("aggregate version conflict: id=%s version=%d", e.ID, e.Version)
}

func (e *AggregateVersionConflictError) Is(target error) bool {
	return target == ErrAggregateVersionConflict
}

// AggregateIsFinalError reports a write against a finalized aggregate.
type AggregateIsFinalError struct {
	ID AggregateID
}

func (e *AggregateIsFinalError) Error() string {
	return fmt.Sprintf("aggregate is final: id=%s", e.ID)
}

func (e *AggregateIsFinalError) Is(target error) bool {
	return target == ErrAggregateIsFinal
}

func NewVersionConflictError(id AggregateID, v Version) error {
	return &AggregateVersionConflictError{ID: id, Version: v}
}

func NewIsFinalError(id AggregateID) error {
	return &AggregateIsFinalError{ID: id}
}

func IsVersionConflict(err error) bool { return errors.Is(err, ErrAggregateVersionConflict) }
func IsFinal(err error) bool           { return errors.Is(err, ErrAggregateIsFinal) }

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
