// Package wire encodes events for stream transports.
package wire

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/codewandler/arque-go/core/codec"
	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// ContentType is set on transport headers of encoded events.
const ContentType = "application/vnd.arque.event+json"

type frame struct {
	ID          string    `json:"id"`
	Type        int32     `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	Version     uint64    `json:"version"`
	Body        any       `json:"body,omitempty"`
	Meta        any       `json:"meta,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventCodec turns events into frames and back. Body and meta values pass
// through a core/codec Codec so binary and typed values survive.
type EventCodec struct {
	frames Codec
	values *codec.Codec
}

// NewEventCodec returns an EventCodec using JSON frames and the default
// value entries plus entries.
func NewEventCodec(entries ...codec.Entry) (*EventCodec, error) {
	values, err := codec.New(append(codec.Defaults(), entries...))
	if err != nil {
		return nil, err
	}
	return &EventCodec{frames: JSONCodec{}, values: values}, nil
}

func (c *EventCodec) Encode(ev es.Event) ([]byte, error) {
	body, err := c.values.SerializeMap(ev.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	meta, err := c.values.SerializeMap(ev.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	f := frame{
		ID:          ev.ID.String(),
		Type:        int32(ev.Type),
		AggregateID: base64.RawURLEncoding.EncodeToString(ev.Aggregate.ID),
		Version:     ev.Aggregate.Version.Uint64(),
		Timestamp:   ev.Timestamp,
	}
	if body != nil {
		f.Body = body
	}
	if meta != nil {
		f.Meta = meta
	}
	return c.frames.Marshal(f)
}

func (c *EventCodec) Decode(data []byte) (es.Event, error) {
	var f frame
	if err := c.frames.Unmarshal(data, &f); err != nil {
		return es.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	id, err := ids.ParseEventID(f.ID)
	if err != nil {
		return es.Event{}, fmt.Errorf("decode event id: %w", err)
	}
	aggID, err := base64.RawURLEncoding.DecodeString(f.AggregateID)
	if err != nil {
		return es.Event{}, fmt.Errorf("decode aggregate id: %w", err)
	}
	ev := es.Event{
		ID:        id,
		Type:      es.EventType(f.Type),
		Aggregate: es.AggregateRef{ID: aggID, Version: es.Version(f.Version)},
		Timestamp: f.Timestamp.UTC(),
	}
	if f.Body != nil {
		if ev.Body, err = c.values.DeserializeMap(f.Body); err != nil {
			return es.Event{}, fmt.Errorf("decode body: %w", err)
		}
	}
	if f.Meta != nil {
		meta, err := c.values.DeserializeMap(f.Meta)
		if err != nil {
			return es.Event{}, fmt.Errorf("decode meta: %w", err)
		}
		ev.Meta = es.Meta(meta)
	}
	return ev, nil
}
