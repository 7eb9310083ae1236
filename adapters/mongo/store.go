// Package mongo implements es.StoreAdapter on MongoDB replica sets.
//
// Appends run in multi document transactions. The aggregate record guards
// the version: version 1 inserts it under its unique _id, later versions
// update it conditionally on the previous version.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/codewandler/arque-go/core/codec"
	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/sf"
)

const (
	storeName = "mongo"
	batchSize = 256

	collAggregates  = "aggregates"
	collEvents      = "events"
	collSnapshots   = "snapshots"
	collCheckpoints = "projection_checkpoints"
)

var errRaceLost = errors.New("mongo: lost write race")

type (
	aggregateDoc struct {
		ID        []byte    `bson:"_id"`
		Version   int64     `bson:"version"`
		Timestamp time.Time `bson:"timestamp"`
		Final     bool      `bson:"final"`
	}

	eventDoc struct {
		ID               []byte         `bson:"_id"`
		Type             int32          `bson:"type"`
		AggregateID      []byte         `bson:"aggregate_id"`
		AggregateVersion int64          `bson:"aggregate_version"`
		Body             map[string]any `bson:"body"`
		Meta             map[string]any `bson:"meta"`
		Timestamp        time.Time      `bson:"timestamp"`
		Final            bool           `bson:"final"`
	}

	snapshotDoc struct {
		AggregateID      []byte    `bson:"aggregate_id"`
		AggregateVersion int64     `bson:"aggregate_version"`
		State            any       `bson:"state"`
		Timestamp        time.Time `bson:"timestamp"`
	}
)

// Store is the mongo es.StoreAdapter. Operations initialize the store on
// first use when Init was not called.
type Store struct {
	cfg     Config
	log     *slog.Logger
	metrics es.ESMetrics
	codec   *codec.Codec
	queue   *es.SnapshotQueue
	init    *sf.Lazy
	closed  atomic.Bool

	client      *mongo.Client
	aggregates  *mongo.Collection
	events      *mongo.Collection
	snapshots   *mongo.Collection
	checkpoints *mongo.Collection
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := newCodec(append(codec.Defaults(), cfg.Codec...))
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		log:     cfg.Log.With(slog.String("store", storeName), slog.String("database", cfg.Database)),
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

// Init connects and ensures indexes. It is idempotent.
func (s *Store) Init(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrStoreClosed
	}
	return s.init.Do(ctx)
}

func (s *Store) connect(ctx context.Context) error {
	opts := options.Client().
		ApplyURI(s.cfg.URI).
		SetMinPoolSize(s.cfg.MinPoolSize).
		SetMaxPoolSize(s.cfg.MaxPoolSize).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetSocketTimeout(s.cfg.SocketTimeout).
		SetServerSelectionTimeout(s.cfg.ServerSelectionTimeout).
		SetWriteConcern(&writeconcern.WriteConcern{W: 1})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return fmt.Errorf("mongo: ping: %w", err)
	}

	db := client.Database(s.cfg.Database)
	primary := options.Collection().SetReadPreference(readpref.PrimaryPreferred())
	s.aggregates = db.Collection(collAggregates, primary)
	s.events = db.Collection(collEvents, primary)
	s.checkpoints = db.Collection(collCheckpoints, primary)
	s.snapshots = db.Collection(collSnapshots, options.Collection().SetReadPreference(readpref.SecondaryPreferred()))

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return err
	}

	s.client = client
	s.log.Debug("store initialized", slog.Uint64("max_pool_size", s.cfg.MaxPoolSize))
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.events: {
			{
				Keys:    bson.D{{Key: "aggregate_id", Value: 1}, {Key: "aggregate_version", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("aggregate_version"),
			},
			{
				Keys:    bson.D{{Key: "type", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}},
				Options: options.Index().SetName("type_timestamp"),
			},
		},
		s.snapshots: {
			{
				Keys:    bson.D{{Key: "aggregate_id", Value: 1}, {Key: "aggregate_version", Value: -1}},
				Options: options.Index().SetUnique(true).SetName("aggregate_version"),
			},
		},
		s.checkpoints: {
			{
				Keys:    bson.D{{Key: "projection", Value: 1}, {Key: "aggregate_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("projection_aggregate"),
			},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo: create indexes on %s: %w", coll.Name(), err)
		}
	}
	// collections must exist before they are used inside a transaction
	for _, name := range []string{collAggregates, collEvents} {
		err := s.aggregates.Database().CreateCollection(ctx, name)
		var ce mongo.CommandError
		if err != nil && !(errors.As(err, &ce) && ce.Name == "NamespaceExists") {
			return fmt.Errorf("mongo: create collection %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if s.closed.Load() {
		return es.ErrStoreClosed
	}
	return s.init.Do(ctx)
}

// Client returns the mongo client, or nil before initialization.
func (s *Store) Client() *mongo.Client {
	if !s.init.Done() {
		return nil
	}
	return s.client
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

// transact runs fn in a transaction on a new session. The transaction is
// aborted when fn or the commit fails.
func (s *Store) transact(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		txOpts := options.Transaction().SetWriteConcern(&writeconcern.WriteConcern{W: 1})
		if err := sc.StartTransaction(txOpts); err != nil {
			return err
		}
		if err := fn(sc); err != nil {
			_ = sc.AbortTransaction(context.WithoutCancel(sc))
			return err
		}
		return sc.CommitTransaction(sc)
	})
}

func (s *Store) encodeEvents(params es.SaveEventsParams) ([]any, error) {
	docs := make([]any, len(params.Events))
	for i := range params.Events {
		ev := params.Event(i)
		body := ev.Body
		if body == nil {
			body = map[string]any{}
		}
		encBody, err := s.codec.SerializeMap(body)
		if err != nil {
			return nil, fmt.Errorf("encode body of event %d: %w", i, err)
		}
		meta := map[string]any(ev.Meta)
		if meta == nil {
			meta = map[string]any{}
		}
		encMeta, err := s.codec.SerializeMap(meta)
		if err != nil {
			return nil, fmt.Errorf("encode meta of event %d: %w", i, err)
		}
		docs[i] = eventDoc{
			ID:               ev.ID.Bytes(),
			Type:             int32(ev.Type),
			AggregateID:      []byte(ev.Aggregate.ID),
			AggregateVersion: int64(ev.Aggregate.Version),
			Body:             encBody,
			Meta:             encMeta,
			Timestamp:        ev.Timestamp,
		}
	}
	return docs, nil
}

func (s *Store) SaveEvents(ctx context.Context, params es.SaveEventsParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	defer s.metrics.StoreOpDuration(storeName, "save_events").ObserveDuration()

	final, found, err := s.isFinal(ctx, params.Aggregate.ID)
	if err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	if found && final {
		return es.NewIsFinalError(params.Aggregate.ID)
	}

	docs, err := s.encodeEvents(params)
	if err != nil {
		return fmt.Errorf("save events: %w", err)
	}

	err = s.retry(ctx, "save_events", func(ctx context.Context) error {
		return s.transact(ctx, func(sc mongo.SessionContext) error {
			if err := s.advance(sc, params); err != nil {
				return err
			}
			_, err := s.events.InsertMany(sc, docs)
			if mongo.IsDuplicateKeyError(err) {
				return errRaceLost
			}
			return err
		})
	})
	if errors.Is(err, errRaceLost) {
		return s.raceLost(ctx, params.Aggregate)
	}
	if err != nil {
		return fmt.Errorf("save events: %w", err)
	}

	s.metrics.EventsAppended(storeName, len(docs))
	return nil
}

func (s *Store) advance(sc mongo.SessionContext, params es.SaveEventsParams) error {
	id := []byte(params.Aggregate.ID)
	last := int64(params.LastVersion())

	if params.Aggregate.Version == 1 {
		_, err := s.aggregates.InsertOne(sc, aggregateDoc{ID: id, Version: last, Timestamp: params.Timestamp})
		if mongo.IsDuplicateKeyError(err) {
			return errRaceLost
		}
		return err
	}

	res, err := s.aggregates.UpdateOne(sc,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "version", Value: int64(params.Aggregate.Version - 1)},
			{Key: "final", Value: false},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "version", Value: last},
			{Key: "timestamp", Value: params.Timestamp},
		}}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errRaceLost
	}
	return nil
}

func (s *Store) raceLost(ctx context.Context, ref es.AggregateRef) error {
	final, found, err := s.isFinal(ctx, ref.ID)
	if err != nil {
		s.log.Warn("failed to read aggregate after lost write", ref.ID.SlogAttr(), slog.Any("error", err))
	}
	if found && final {
		return es.NewIsFinalError(ref.ID)
	}
	return es.NewVersionConflictError(ref.ID, ref.Version)
}

func (s *Store) isFinal(ctx context.Context, id es.AggregateID) (final, found bool, err error) {
	rec, found, err := s.findAggregate(ctx, id)
	return rec.Final, found, err
}

func (s *Store) findAggregate(ctx context.Context, id es.AggregateID) (doc aggregateDoc, found bool, err error) {
	err = s.retry(ctx, "read_aggregate", func(ctx context.Context) error {
		err := s.aggregates.FindOne(ctx, bson.D{{Key: "_id", Value: []byte(id)}}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
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
func (s *Store) Aggregate(ctx context.Context, id es.AggregateID) (es.AggregateRecord, bool, error) {
	if err := s.ready(ctx); err != nil {
		return es.AggregateRecord{}, false, err
	}
	doc, found, err := s.findAggregate(ctx, id)
	if err != nil || !found {
		return es.AggregateRecord{}, false, err
	}
	return es.AggregateRecord{
		ID:        id.Clone(),
		Version:   es.Version(doc.Version),
		Timestamp: doc.Timestamp.UTC(),
		Final:     doc.Final,
	}, true, nil
}

func (s *Store) ListEvents(ctx context.Context, params es.ListEventsParams) (es.EventCursor, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	defer s.metrics.StoreOpDuration(storeName, "list_events").ObserveDuration()

	var (
		filter bson.D
		sort   bson.D
	)
	if params.Aggregate != nil {
		filter = bson.D{
			{Key: "aggregate_id", Value: []byte(params.Aggregate.ID)},
			{Key: "aggregate_version", Value: bson.D{{Key: "$gt", Value: int64(params.Aggregate.Version)}}},
		}
		sort = bson.D{{Key: "aggregate_version", Value: 1}}
	} else {
		filter = bson.D{{Key: "type", Value: int32(*params.Type)}}
		sort = bson.D{{Key: "type", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}
	}

	var cur *mongo.Cursor
	err := s.retry(ctx, "list_events", func(ctx context.Context) (err error) {
		cur, err = s.events.Find(ctx, filter, options.Find().SetSort(sort).SetBatchSize(batchSize))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return &cursor{store: s, cur: cur}, nil
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
	state, err := s.codec.Serialize(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	doc := snapshotDoc{
		AggregateID:      []byte(snap.Aggregate.ID),
		AggregateVersion: int64(snap.Aggregate.Version),
		State:            state,
		Timestamp:        ts,
	}
	return s.retry(ctx, "save_snapshot", func(ctx context.Context) error {
		_, err := s.snapshots.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	})
}

func (s *Store) FindLatestSnapshot(ctx context.Context, ref es.AggregateRef) (es.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return es.Snapshot{}, err
	}
	defer s.metrics.StoreOpDuration(storeName, "find_snapshot").ObserveDuration()

	var doc snapshotDoc
	err := s.retry(ctx, "find_snapshot", func(ctx context.Context) error {
		return s.snapshots.FindOne(ctx,
			bson.D{
				{Key: "aggregate_id", Value: []byte(ref.ID)},
				{Key: "aggregate_version", Value: bson.D{{Key: "$gt", Value: int64(ref.Version)}}},
			},
			options.FindOne().SetSort(bson.D{{Key: "aggregate_version", Value: -1}}),
		).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return es.Snapshot{}, es.ErrSnapshotNotFound
	}
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("find snapshot: %w", err)
	}

	state, err := s.codec.Deserialize(doc.State)
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("decode snapshot state: %w", err)
	}
	return es.Snapshot{
		Aggregate: es.AggregateRef{ID: ref.ID.Clone(), Version: es.Version(doc.AggregateVersion)},
		State:     state,
		Timestamp: doc.Timestamp.UTC(),
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

	filter := bson.D{
		{Key: "projection", Value: cp.Projection},
		{Key: "aggregate_id", Value: []byte(cp.Aggregate.ID)},
	}
	update := bson.D{
		{Key: "$max", Value: bson.D{{Key: "aggregate_version", Value: int64(cp.Aggregate.Version)}}},
		{Key: "$set", Value: bson.D{{Key: "timestamp", Value: ts}}},
	}
	err := s.retry(ctx, "save_checkpoint", func(ctx context.Context) error {
		_, err := s.checkpoints.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if mongo.IsDuplicateKeyError(err) {
			// a concurrent upsert created the document first
			_, err = s.checkpoints.UpdateOne(ctx, filter, update)
		}
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
	var n int64
	err := s.retry(ctx, "check_checkpoint", func(ctx context.Context) (err error) {
		n, err = s.checkpoints.CountDocuments(ctx,
			bson.D{
				{Key: "projection", Value: cp.Projection},
				{Key: "aggregate_id", Value: []byte(cp.Aggregate.ID)},
				{Key: "aggregate_version", Value: bson.D{{Key: "$gte", Value: int64(cp.Aggregate.Version)}}},
			},
			options.Count().SetLimit(1),
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check checkpoint: %w", err)
	}
	return n == 0, nil
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
		return s.transact(ctx, func(sc mongo.SessionContext) error {
			_, err := s.aggregates.UpdateOne(sc,
				bson.D{{Key: "_id", Value: []byte(id)}},
				bson.D{
					{Key: "$set", Value: bson.D{{Key: "final", Value: true}}},
					{Key: "$setOnInsert", Value: bson.D{
						{Key: "version", Value: int64(0)},
						{Key: "timestamp", Value: time.Now()},
					}},
				},
				options.Update().SetUpsert(true),
			)
			if err != nil {
				return err
			}
			_, err = s.events.UpdateMany(sc,
				bson.D{{Key: "aggregate_id", Value: []byte(id)}, {Key: "final", Value: false}},
				bson.D{{Key: "$set", Value: bson.D{{Key: "final", Value: true}}}},
			)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("finalize aggregate: %w", err)
	}
	s.log.Debug("aggregate finalized", id.SlogAttr())
	return nil
}

// Close drains the snapshot queue and disconnects.
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.queue.Close(ctx)
	if s.init.Done() {
		err = errors.Join(err, s.client.Disconnect(ctx))
	}
	return err
}

var _ es.StoreAdapter = (*Store)(nil)
