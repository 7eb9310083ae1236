package postgres

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
)

const (
	fetchSize  = 256
	cursorName = "arque_events"
	eventCols  = `id, type, aggregate_id, aggregate_version, body, meta, timestamp`
)

// cursor pages through a server side cursor inside a read only
// transaction that lives until Close.
type cursor struct {
	store *Store
	tx    pgx.Tx

	buf    []es.Event
	pos    int
	cur    es.Event
	done   bool
	closed bool
	err    error
}

// listQuery renders the cursor query. Parameters are inlined because
// DECLARE is not a preparable statement; all values are numbers or hex.
func listQuery(params es.ListEventsParams) string {
	if params.Aggregate != nil {
		return fmt.Sprintf(
			`SELECT %s FROM events
			 WHERE aggregate_id = decode('%s', 'hex') AND aggregate_version > %d
			 ORDER BY aggregate_version`,
			eventCols, hex.EncodeToString(params.Aggregate.ID), uint64(params.Aggregate.Version),
		)
	}
	return fmt.Sprintf(
		`SELECT %s FROM events WHERE type = %d ORDER BY type, timestamp, id`,
		eventCols, int32(*params.Type),
	)
}

func (s *Store) openCursor(ctx context.Context, params es.ListEventsParams) (*cursor, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, "DECLARE "+cursorName+" NO SCROLL CURSOR FOR "+listQuery(params)); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, err
	}
	return &cursor{store: s, tx: tx}, nil
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.pos >= len(c.buf) {
		if c.done {
			return false
		}
		if err := c.fetch(ctx); err != nil {
			c.err = err
			return false
		}
		if len(c.buf) == 0 {
			return false
		}
	}
	c.cur = c.buf[c.pos]
	c.pos++
	return true
}

func (c *cursor) fetch(ctx context.Context) error {
	rows, err := c.tx.Query(ctx, fmt.Sprintf("FETCH %d FROM %s", fetchSize, cursorName))
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	events, err := pgx.CollectRows(rows, c.store.scanEvent)
	if err != nil {
		return fmt.Errorf("scan events: %w", err)
	}
	c.buf, c.pos = events, 0
	c.done = len(events) < fetchSize
	return nil
}

func (c *cursor) Event() es.Event { return c.cur }
func (c *cursor) Err() error      { return c.err }

func (c *cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.buf = nil
	return c.tx.Rollback(context.WithoutCancel(ctx))
}

func (s *Store) scanEvent(row pgx.CollectableRow) (es.Event, error) {
	var (
		id, aggID  []byte
		typ        int32
		version    int64
		body, meta []byte
		ts         time.Time
	)
	if err := row.Scan(&id, &typ, &aggID, &version, &body, &meta, &ts); err != nil {
		return es.Event{}, err
	}
	eventID, err := ids.EventIDFromBytes(id)
	if err != nil {
		return es.Event{}, err
	}
	decodedBody, err := s.decodeMap(body)
	if err != nil {
		return es.Event{}, fmt.Errorf("decode body: %w", err)
	}
	decodedMeta, err := s.decodeMap(meta)
	if err != nil {
		return es.Event{}, fmt.Errorf("decode meta: %w", err)
	}
	return es.Event{
		ID:   eventID,
		Type: es.EventType(typ),
		Aggregate: es.AggregateRef{
			ID:      es.AggregateID(aggID),
			Version: es.Version(version),
		},
		Body:      decodedBody,
		Meta:      es.Meta(decodedMeta),
		Timestamp: ts.UTC(),
	}, nil
}

func (s *Store) decodeMap(data []byte) (map[string]any, error) {
	v, err := s.codec.DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
