// Package postgres implements es.StoreAdapter on PostgreSQL using pgx.
//
// Events, aggregate records, snapshots and projection checkpoints live in
// four tables created by embedded golang-migrate migrations. Event bodies,
// meta and snapshot state are stored as JSONB after passing through a
// core/codec Codec.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codewandler/arque-go/core/codec"
	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/sf"
)

const storeName = "postgres"

// errRaceLost marks a conditional write that matched no row. It is turned
// into a version conflict or final error after the transaction.
var errRaceLost = errors.New("postgres: lost write race")

// Store is the postgres es.StoreAdapter. Operations initialize the store
// on first use when Init was not called.
type Store struct {
	cfg     Config
	log     *slog.Logger
	metrics es.ESMetrics
	codec   *codec.Codec
	queue   *es.SnapshotQueue
	init    *sf.Lazy
	closed  atomic.Bool

	pool *pgxpool.Pool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := codec.New(append(codec.Defaults(), cfg.Codec...))
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		log:     cfg.Log.With(slog.String("store", storeName), slog.String("schema", cfg.Schema)),
		metrics: cfg.Metrics,
		codec:   c,
	}
	s.init = sf.NewLazy(s.connect)
	s.queue = es.NewSnapshotQueue(
		s.writeSnapshot,
		es.WithLog(s.log),
		es.WithMetrics(s.metrics),
		es.WithSnapshotQueueLimit(cfg.SnapshotQueueLimit),
	)
	return s, nil
}

// Init connects the pool and migrates the schema. It is idempotent.
func (s *Store) Init(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrStoreClosed
	}
	return s.init.Do(ctx)
}

func (s *Store) connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.URI)
	if err != nil {
		return fmt.Errorf("postgres: parse uri: %w", err)
	}
	poolCfg.MinConns = s.cfg.MinConns
	poolCfg.MaxConns = s.cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = s.cfg.ConnectTimeout
	poolCfg.ConnConfig.RuntimeParams["search_path"] = s.cfg.Schema
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(s.cfg.StatementTimeout.Milliseconds(), 10)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres: connect: %w", err)
	}
	if err := s.prepare(ctx, pool, poolCfg.ConnConfig); err != nil {
		pool.Close()
		return err
	}

	s.pool = pool
	s.log.Debug("store initialized", slog.Int("max_conns", int(s.cfg.MaxConns)))
	return nil
}

func (s *Store) prepare(ctx context.Context, pool *pgxpool.Pool, connConfig *pgx.ConnConfig) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{s.cfg.Schema}.Sanitize()); err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	return migrateUp(ctx, connConfig, s.cfg.Schema, s.log)
}

func (s *Store) ready(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrStoreClosed
	}
	return s.init.Do(ctx)
}

// Pool returns the connection pool, or nil before initialization.
func (s *Store) Pool() *pgxpool.Pool {
	if !s.init.Done() {
		return nil
	}
	return s.pool
}

func (s *Store) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return es.Retry(ctx, s.cfg.Retry, Classify, fn, func(attempt int, code string, err error, next time.Duration) {
		s.metrics.StoreRetry(storeName, op, code)
		s.log.Warn(
			"retrying store operation",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("code", code),
			slog.Duration("backoff", next),
			slog.Any("error", err),
		)
	})
}

type eventRow struct {
	id        []byte
	typ       int32
	version   int64
	body      []byte
	meta      []byte
	timestamp time.Time
}

func (s *Store) encodeEvents(params es.SaveEventsParams) ([]eventRow, error) {
	rows := make([]eventRow, len(params.Events))
	for i := range params.Events {
		ev := params.Event(i)
		body := ev.Body
		if body == nil {
			body = map[string]any{}
		}
		bodyJSON, err := s.codec.EncodeJSON(body)
		if err != nil {
			return nil, fmt.Errorf("encode body of event %d: %w", i, err)
		}
		meta := map[string]any(ev.Meta)
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := s.codec.EncodeJSON(meta)
		if err != nil {
			return nil, fmt.Errorf("encode meta of event %d: %w", i, err)
		}
		rows[i] = eventRow{
			id:        ev.ID.Bytes(),
			typ:       int32(ev.Type),
			version:   int64(ev.Aggregate.Version),
			body:      bodyJSON,
			meta:      metaJSON,
			timestamp: ev.Timestamp,
		}
	}
	return rows, nil
}

func (s *Store) SaveEvents(ctx context.Context, params es.SaveEventsParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	defer s.metrics.StoreOpDuration(storeName, "save_events").ObserveDuration()

	id := []byte(params.Aggregate.ID)
	final, found, err := s.isFinal(ctx, id)
	if err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	if found && final {
		return es.NewIsFinalError(params.Aggregate.ID)
	}

	rows, err := s.encodeEvents(params)
	if err != nil {
		return fmt.Errorf("save events: %w", err)
	}

	err = s.retry(ctx, "save_events", func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			if err := s.advance(ctx, tx, params); err != nil {
				return err
			}
			batch := &pgx.Batch{}
			for _, r := range rows {
				batch.Queue(
					`INSERT INTO events (id, type, aggregate_id, aggregate_version, body, meta, timestamp)
					 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					r.id, r.typ, id, r.version, r.body, r.meta, r.timestamp,
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				if isUniqueViolation(err) {
					return errRaceLost
				}
				return err
			}
			return nil
		})
	})
	if errors.Is(err, errRaceLost) {
		return s.raceLost(ctx, params.Aggregate)
	}
	if err != nil {
		return fmt.Errorf("save events: %w", err)
	}

	s.metrics.EventsAppended(storeName, len(rows))
	return nil
}

// advance creates or moves the aggregate record from Version-1 to the last
// version of params.
func (s *Store) advance(ctx context.Context, tx pgx.Tx, params es.SaveEventsParams) error {
	id := []byte(params.Aggregate.ID)
	last := int64(params.LastVersion())

	if params.Aggregate.Version == 1 {
		_, err := tx.Exec(ctx,
			`INSERT INTO aggregates (id, version, timestamp) VALUES ($1, $2, $3)`,
			id, last, params.Timestamp,
		)
		if isUniqueViolation(err) {
			return errRaceLost
		}
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE aggregates SET version = $3, timestamp = $4
		 WHERE id = $1 AND version = $2 AND NOT final`,
		id, int64(params.Aggregate.Version-1), last, params.Timestamp,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errRaceLost
	}
	return nil
}

// raceLost tells a version conflict from a finalization that happened
// between the initial read and the write.
func (s *Store) raceLost(ctx context.Context, ref es.AggregateRef) error {
	final, found, err := s.isFinal(ctx, []byte(ref.ID))
	if err != nil {
		s.log.Warn("failed to read aggregate after lost write", ref.ID.SlogAttr(), slog.Any("error", err))
	}
	if found && final {
		return es.NewIsFinalError(ref.ID)
	}
	return es.NewVersionConflictError(ref.ID, ref.Version)
}

func (s *Store) isFinal(ctx context.Context, id []byte) (final, found bool, err error) {
	err = s.retry(ctx, "read_aggregate", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `SELECT final FROM aggregates WHERE id = $1`, id).Scan(&final)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err == nil {
			found = true
		}
		return err
	})
	return
}

// Aggregate returns the bookkeeping record of id.
func (s *Store) Aggregate(ctx context.Context, id es.AggregateID) (rec es.AggregateRecord, found bool, err error) {
	if err = s.ready(ctx); err != nil {
		return
	}
	var version int64
	err = s.pool.QueryRow(ctx,
		`SELECT version, timestamp, final FROM aggregates WHERE id = $1`, []byte(id),
	).Scan(&version, &rec.Timestamp, &rec.Final)
	if errors.Is(err, pgx.ErrNoRows) {
		return es.AggregateRecord{}, false, nil
	}
	if err != nil {
		return es.AggregateRecord{}, false, err
	}
	rec.ID = id.Clone()
	rec.Version = es.Version(version)
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, true, nil
}

func (s *Store) ListEvents(ctx context.Context, params es.ListEventsParams) (es.EventCursor, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	defer s.metrics.StoreOpDuration(storeName, "list_events").ObserveDuration()

	var cur *cursor
	err := s.retry(ctx, "list_events", func(ctx context.Context) (err error) {
		cur, err = s.openCursor(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return cur, nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap es.Snapshot) error {
	if s.closed.Load() {
		return es.ErrStoreClosed
	}
	if len(snap.Aggregate.ID) == 0 {
		return fmt.Errorf("%w: aggregate id is empty", es.ErrInvalidArgument)
	}
	return s.queue.Enqueue(snap)
}

func (s *Store) writeSnapshot(ctx context.Context, snap es.Snapshot) error {
	if err := s.init.Do(ctx); err != nil {
		return err
	}
	state, err := s.codec.EncodeJSON(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.retry(ctx, "save_snapshot", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO snapshots (aggregate_id, aggregate_version, state, timestamp)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (aggregate_id, aggregate_version) DO NOTHING`,
			[]byte(snap.Aggregate.ID), int64(snap.Aggregate.Version), state, ts,
		)
		return err
	})
}

func (s *Store) FindLatestSnapshot(ctx context.Context, ref es.AggregateRef) (es.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return es.Snapshot{}, err
	}
	defer s.metrics.StoreOpDuration(storeName, "find_snapshot").ObserveDuration()

	var (
		version int64
		state   []byte
		ts      time.Time
	)
	err := s.retry(ctx, "find_snapshot", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT aggregate_version, state, timestamp FROM snapshots
			 WHERE aggregate_id = $1 AND aggregate_version > $2
			 ORDER BY aggregate_version DESC LIMIT 1`,
			[]byte(ref.ID), int64(ref.Version),
		).Scan(&version, &state, &ts)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return es.Snapshot{}, es.ErrSnapshotNotFound
	}
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("find snapshot: %w", err)
	}

	decoded, err := s.codec.DecodeJSON(state)
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("decode snapshot state: %w", err)
	}
	return es.Snapshot{
		Aggregate: es.AggregateRef{ID: ref.ID.Clone(), Version: es.Version(version)},
		State:     decoded,
		Timestamp: ts.UTC(),
	}, nil
}

// FlushSnapshots waits until queued snapshots are written.
func (s *Store) FlushSnapshots(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

func (s *Store) SaveProjectionCheckpoint(ctx context.Context, cp es.ProjectionCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	err := s.retry(ctx, "save_checkpoint", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO projection_checkpoints (projection, aggregate_id, aggregate_version, timestamp)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (projection, aggregate_id) DO UPDATE SET
			   aggregate_version = GREATEST(projection_checkpoints.aggregate_version, EXCLUDED.aggregate_version),
			   timestamp = EXCLUDED.timestamp`,
			cp.Projection, []byte(cp.Aggregate.ID), int64(cp.Aggregate.Version), ts,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) CheckProjectionCheckpoint(ctx context.Context, cp es.ProjectionCheckpoint) (bool, error) {
	if err := cp.Validate(); err != nil {
		return false, err
	}
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var fresh bool
	err := s.retry(ctx, "check_checkpoint", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT NOT EXISTS (
			   SELECT 1 FROM projection_checkpoints
			   WHERE projection = $1 AND aggregate_id = $2 AND aggregate_version >= $3
			 )`,
			cp.Projection, []byte(cp.Aggregate.ID), int64(cp.Aggregate.Version),
		).Scan(&fresh)
	})
	if err != nil {
		return false, fmt.Errorf("check checkpoint: %w", err)
	}
	return fresh, nil
}

func (s *Store) FinalizeAggregate(ctx context.Context, id es.AggregateID) error {
	if len(id) == 0 {
		return fmt.Errorf("%w: aggregate id is empty", es.ErrInvalidArgument)
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	defer s.metrics.StoreOpDuration(storeName, "finalize").ObserveDuration()

	err := s.retry(ctx, "finalize", func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`INSERT INTO aggregates (id, version, timestamp, final) VALUES ($1, 0, $2, TRUE)
				 ON CONFLICT (id) DO UPDATE SET final = TRUE`,
				[]byte(id), time.Now(),
			); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `UPDATE events SET final = TRUE WHERE aggregate_id = $1 AND NOT final`, []byte(id))
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("finalize aggregate: %w", err)
	}
	s.log.Debug("aggregate finalized", id.SlogAttr())
	return nil
}

// Close drains the snapshot queue and closes the pool.
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.queue.Close(ctx)
	if s.init.Done() {
		s.pool.Close()
	}
	return err
}

var _ es.StoreAdapter = (*Store)(nil)
