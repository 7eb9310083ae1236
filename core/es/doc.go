// Package es provides the event sourcing core: aggregates that turn
// commands into events, the store and stream ports they persist and
// publish through, and the broker and projections that consume them.
//
// # Overview
//
// State is never written directly. A command handler inspects the current
// state and emits events; the events are appended to the store with
// optimistic concurrency and then folded into the state by event handlers.
// Reloading an aggregate replays the newest snapshot plus every later event.
//
// # Aggregates
//
// An [Aggregate] is generic over its state type. Handlers are grouped in a
// validated [Handlers] table:
//
//	handlers := es.MustHandlers(
//	    []es.CommandHandler[Account]{
//	        es.CommandFunc(CmdDeposit, func(ctx es.HandlerCtx[Account], cmd es.Command) ([]es.NewEvent, error) {
//	            return []es.NewEvent{{Type: EvDeposited, Body: map[string]any{"amount": cmd.Args[0]}}}, nil
//	        }),
//	    },
//	    []es.EventHandler[Account]{
//	        es.EventFunc(EvDeposited, applyDeposited),
//	    },
//	)
//
//	agg := es.NewAggregate(store, stream, handlers, id)
//	err := agg.Process(ctx, es.Command{Type: CmdDeposit, Args: []any{100}})
//
// Process serializes work per aggregate id, reloads, runs the handler and
// saves the events. When another writer took the version first the store
// returns an [AggregateVersionConflictError] and Process reloads and
// retries with jittered exponential backoff. Finalized aggregates reject
// every write with an [AggregateIsFinalError].
//
// A [Repository] caches aggregates and shares one scheduler between them.
//
// # Stores
//
// [StoreAdapter] is implemented by [InMemoryStore] and by the postgres and
// mongo adapters. All of them enforce the same rules: one event per
// (aggregate, version), final is a one way latch, snapshots are never
// overwritten and checkpoints only move forward.
//
// # Snapshots
//
// After a dispatch the snapshot policy decides whether to persist the
// state. By default a snapshot is taken every [DefaultSnapshotInterval]
// versions. Snapshots are written by a background [SnapshotQueue];
// failures are logged and never fail the command.
//
// # Streams, broker and projections
//
// Saved events are published to the "main" stream. The [Broker] copies
// each event into every stream a [ConfigAdapter] routes its type to, and a
// [Projection] consumes such a stream using projection checkpoints to skip
// events it already handled.
package es
