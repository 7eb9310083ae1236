package es

import (
	"context"
	"iter"
	"time"

	"github.com/codewandler/arque-go/core/ids"
)

type (
	// StoreAdapter persists events, aggregate records, snapshots and
	// projection checkpoints.
	StoreAdapter interface {
		Init(ctx context.Context) error
		// SaveEvents appends events for an aggregate. It fails with an
		// AggregateVersionConflictError when the first version is taken and
		// with an AggregateIsFinalError when the aggregate is final.
		SaveEvents(ctx context.Context, params SaveEventsParams) error
		ListEvents(ctx context.Context, params ListEventsParams) (EventCursor, error)
		// SaveSnapshot enqueues a snapshot and returns without waiting for
		// the write.
		SaveSnapshot(ctx context.Context, s Snapshot) error
		// FindLatestSnapshot returns the newest snapshot with a version
		// strictly greater than ref.Version, or ErrSnapshotNotFound.
		FindLatestSnapshot(ctx context.Context, ref AggregateRef) (Snapshot, error)
		SaveProjectionCheckpoint(ctx context.Context, cp ProjectionCheckpoint) error
		// CheckProjectionCheckpoint reports whether cp has not been handled
		// yet, that is no checkpoint at or above cp.Aggregate.Version exists.
		CheckProjectionCheckpoint(ctx context.Context, cp ProjectionCheckpoint) (bool, error)
		// FinalizeAggregate marks the aggregate final. No events can be
		// added afterwards.
		FinalizeAggregate(ctx context.Context, id AggregateID) error
		// Close flushes pending snapshots and releases resources.
		Close(ctx context.Context) error
	}

	PendingEvent struct {
		ID        ids.EventID
		Type      EventType
		Body      map[string]any
		Meta      Meta
		Timestamp time.Time
	}

	// SaveEventsParams describes one append. Aggregate.Version is the
	// version of the first event; the events take consecutive versions.
	SaveEventsParams struct {
		Aggregate AggregateRef
		Timestamp time.Time
		Events    []PendingEvent
		Meta      Meta
	}

	// ListEventsParams selects events either by aggregate, after a version
	// floor, or by type. Build it with ByAggregate or ByType.
	ListEventsParams struct {
		Aggregate *AggregateRef
		Type      *EventType
	}

	// EventCursor streams events. Close must always be called.
	EventCursor interface {
		Next(ctx context.Context) bool
		Event() Event
		Err() error
		Close(ctx context.Context) error
	}

	ProjectionCheckpoint struct {
		Projection string
		Aggregate  AggregateRef
		Timestamp  time.Time
	}

	// AggregateRecord is the per aggregate bookkeeping row.
	AggregateRecord struct {
		ID        AggregateID
		Version   Version
		Timestamp time.Time
		Final     bool
	}
)

func (p SaveEventsParams) Validate() error {
	if len(p.Aggregate.ID) == 0 {
		return invalidArgument("aggregate id is empty")
	}
	if p.Aggregate.Version == 0 {
		return invalidArgument("first event version must be at least 1")
	}
	if len(p.Events) == 0 {
		return invalidArgument("no events to save")
	}
	if p.Timestamp.IsZero() {
		return invalidArgument("timestamp is zero")
	}
	return nil
}

// LastVersion is the version of the last event in p.
func (p SaveEventsParams) LastVersion() Version {
	return p.Aggregate.Version + Version(len(p.Events)) - 1
}

// Event builds the persisted form of the i-th event. Params meta is merged
// over the event meta and the params timestamp fills in a missing event
// timestamp.
func (p SaveEventsParams) Event(i int) Event {
	pe := p.Events[i]
	ts := pe.Timestamp
	if ts.IsZero() {
		ts = p.Timestamp
	}
	return Event{
		ID:   pe.ID,
		Type: pe.Type,
		Aggregate: AggregateRef{
			ID:      p.Aggregate.ID,
			Version: p.Aggregate.Version + Version(i),
		},
		Body:      pe.Body,
		Meta:      MergeMeta(pe.Meta, p.Meta),
		Timestamp: ts,
	}
}

// AllEvents returns the persisted form of every event in p.
func (p SaveEventsParams) AllEvents() []Event {
	out := make([]Event, len(p.Events))
	for i := range p.Events {
		out[i] = p.Event(i)
	}
	return out
}

// ByAggregate selects the events of id with a version greater than after.
func ByAggregate(id AggregateID, after Version) ListEventsParams {
	return ListEventsParams{Aggregate: &AggregateRef{ID: id, Version: after}}
}

// ByType selects every event of type t ordered by timestamp.
func ByType(t EventType) ListEventsParams {
	return ListEventsParams{Type: &t}
}

func (p ListEventsParams) Validate() error {
	switch {
	case p.Aggregate != nil && p.Type != nil:
		return invalidArgument("list events by aggregate and type at once")
	case p.Aggregate != nil:
		if len(p.Aggregate.ID) == 0 {
			return invalidArgument("aggregate id is empty")
		}
		return nil
	case p.Type != nil:
		return nil
	default:
		return invalidArgument("list events needs an aggregate or a type")
	}
}

func (cp ProjectionCheckpoint) Validate() error {
	if cp.Projection == "" {
		return invalidArgument("projection name is empty")
	}
	if len(cp.Aggregate.ID) == 0 {
		return invalidArgument("aggregate id is empty")
	}
	return nil
}

type sliceCursor struct {
	events []Event
	pos    int
}

// NewSliceCursor returns a cursor over events.
func NewSliceCursor(events []Event) EventCursor {
	return &sliceCursor{events: events, pos: -1}
}

func (c *sliceCursor) Next(context.Context) bool {
	if c.pos+1 >= len(c.events) {
		c.pos = len(c.events)
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Event() Event {
	if c.pos < 0 || c.pos >= len(c.events) {
		return Event{}
	}
	return c.events[c.pos]
}

func (c *sliceCursor) Err() error                  { return nil }
func (c *sliceCursor) Close(context.Context) error { return nil }

// Collect drains and closes cur.
func Collect(ctx context.Context, cur EventCursor) (events []Event, err error) {
	defer func() {
		if cerr := cur.Close(ctx); err == nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		events = append(events, cur.Event())
	}
	return events, cur.Err()
}

// All adapts cur to a range-over-func iterator. The cursor is closed when
// iteration stops; a cursor error is yielded last.
func All(ctx context.Context, cur EventCursor) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		defer cur.Close(ctx)
		for cur.Next(ctx) {
			if !yield(cur.Event(), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(Event{}, err)
		}
	}
}

// ListAggregateEvents collects the events of id after version floor.
func ListAggregateEvents(ctx context.Context, store StoreAdapter, id AggregateID, after Version) ([]Event, error) {
	cur, err := store.ListEvents(ctx, ByAggregate(id, after))
	if err != nil {
		return nil, err
	}
	return Collect(ctx, cur)
}
