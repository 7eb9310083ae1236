package es

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"maps"
	"time"

	"github.com/goccy/go-json"

	"github.com/codewandler/arque-go/core/ids"
)

// MetaContextKey is the meta key under which an opaque per-command context
// blob travels with the events it produced.
const MetaContextKey = "__ctx"

type (
	// AggregateID identifies an aggregate. It is opaque binary; ids.ObjectID
	// values are the usual source.
	AggregateID []byte

	// AggregateRef points at an aggregate at a specific version.
	AggregateRef struct {
		ID      AggregateID
		Version Version
	}

	EventType   int32
	CommandType int32

	// Meta carries free-form event metadata.
	Meta map[string]any

	// Event is a persisted, immutable fact about an aggregate.
	Event struct {
		ID        ids.EventID
		Type      EventType
		Aggregate AggregateRef
		Body      map[string]any
		Meta      Meta
		Timestamp time.Time
	}

	// NewEvent is what a command handler emits. The aggregate assigns id,
	// version and a default timestamp before saving.
	NewEvent struct {
		Type      EventType
		Body      map[string]any
		Meta      Meta
		Timestamp time.Time
	}

	Command struct {
		Type CommandType
		Args []any
	}
)

func (id AggregateID) String() string               { return hex.EncodeToString(id) }
func (id AggregateID) Equal(other AggregateID) bool { return bytes.Equal(id, other) }
func (id AggregateID) SlogAttr() slog.Attr          { return slog.String("aggregate_id", id.String()) }
func (id AggregateID) Clone() AggregateID           { return bytes.Clone(id) }

// key is the scheduler and cache key for the aggregate.
func (id AggregateID) key() string { return string(id) }

func (r AggregateRef) SlogAttr() slog.Attr {
	return slog.Group("aggregate", slog.String("id", r.ID.String()), r.Version.SlogAttr())
}

// Context returns the command context blob, if any.
func (m Meta) Context() []byte {
	b, _ := m[MetaContextKey].([]byte)
	return b
}

// MergeMeta merges metas left to right; later keys win. The result is never
// shared with the inputs.
func MergeMeta(metas ...Meta) Meta {
	out := Meta{}
	for _, m := range metas {
		maps.Copy(out, m)
	}
	return out
}

func (e Event) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID.String()),
		slog.Int("type", int(e.Type)),
		slog.String("aggregate_id", e.Aggregate.ID.String()),
		e.Aggregate.Version.SlogAttr(),
	)
}

// DecodeBody decodes the event body into T using its JSON form.
func DecodeBody[T any](ev Event) (out T, err error) {
	data, err := json.Marshal(ev.Body)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// BodyOf converts v into an event body using its JSON form.
func BodyOf(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MustBodyOf is BodyOf that panics on error.
func MustBodyOf(v any) map[string]any {
	b, err := BodyOf(v)
	if err != nil {
		panic(err)
	}
	return b
}
