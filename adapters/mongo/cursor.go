package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
)

type cursor struct {
	store  *Store
	cur    *mongo.Cursor
	ev     es.Event
	err    error
	closed bool
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if !c.cur.Next(ctx) {
		c.err = c.cur.Err()
		return false
	}
	var doc eventDoc
	if err := c.cur.Decode(&doc); err != nil {
		c.err = fmt.Errorf("decode event: %w", err)
		return false
	}
	ev, err := c.store.toEvent(doc)
	if err != nil {
		c.err = err
		return false
	}
	c.ev = ev
	return true
}

func (c *cursor) Event() es.Event { return c.ev }
func (c *cursor) Err() error      { return c.err }

func (c *cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.cur.Close(context.WithoutCancel(ctx))
}

func (s *Store) toEvent(doc eventDoc) (es.Event, error) {
	id, err := ids.EventIDFromBytes(doc.ID)
	if err != nil {
		return es.Event{}, err
	}
	body, err := s.codec.DeserializeMap(doc.Body)
	if err != nil {
		return es.Event{}, fmt.Errorf("decode body: %w", err)
	}
	meta, err := s.codec.DeserializeMap(doc.Meta)
	if err != nil {
		return es.Event{}, fmt.Errorf("decode meta: %w", err)
	}
	return es.Event{
		ID:   id,
		Type: es.EventType(doc.Type),
		Aggregate: es.AggregateRef{
			ID:      es.AggregateID(doc.AggregateID),
			Version: es.Version(doc.AggregateVersion),
		},
		Body:      body,
		Meta:      es.Meta(meta),
		Timestamp: doc.Timestamp.UTC(),
	}, nil
}
