package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/arque-go/core/ids"
	"github.com/codewandler/arque-go/core/perkey"
)

// Aggregate is the runtime of a single aggregate: it turns commands into
// events through its handlers, persists them with optimistic concurrency
// and folds them into its state. Work on one aggregate id is serialized.
type Aggregate[S any] struct {
	id       AggregateID
	store    StoreAdapter
	stream   StreamAdapter
	handlers *Handlers[S]
	opts     aggregateOpts
	log      *slog.Logger

	exec     *perkey.Scheduler[string]
	ownsExec bool

	mu        sync.RWMutex
	version   Version
	state     S
	lastEvent *Event
}

func NewAggregate[S any](
	store StoreAdapter,
	stream StreamAdapter,
	handlers *Handlers[S],
	id AggregateID,
	opts ...AggregateOption,
) *Aggregate[S] {
	options := aggregateOpts{
		log:              slog.Default(),
		metrics:          NopESMetrics(),
		retry:            DefaultProcessRetryPolicy(),
		snapshotInterval: DefaultSnapshotInterval,
		serializeState:   jsonSerializeState,
		deserializeState: jsonDeserializeState[S],
		stream:           MainStream,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt.applyToAggregate(&options)
	}
	options.retry = options.retry.OrDefault(DefaultProcessRetryPolicy())

	if stream == nil {
		stream = NopStream{}
	}

	a := &Aggregate[S]{
		id:       id.Clone(),
		store:    store,
		stream:   stream,
		handlers: handlers,
		opts:     options,
		log:      options.log.With(id.SlogAttr()),
		exec:     options.scheduler,
	}
	a.reset()
	if a.exec == nil {
		a.exec = perkey.New[string]()
		a.ownsExec = true
	}
	return a
}

func (a *Aggregate[S]) ID() AggregateID { return a.id }

func (a *Aggregate[S]) Version() Version {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

func (a *Aggregate[S]) State() S {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// LastEvent returns the last event folded into the state, if any. It is
// nil after a reload that was served entirely from a snapshot.
func (a *Aggregate[S]) LastEvent() *Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastEvent
}

func (a *Aggregate[S]) ref() AggregateRef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AggregateRef{ID: a.id, Version: a.version}
}

func (a *Aggregate[S]) handlerCtx() HandlerCtx[S] {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return HandlerCtx[S]{Aggregate: AggregateRef{ID: a.id, Version: a.version}, State: a.state}
}

// Reload brings the aggregate up to date with the store: it applies the
// newest snapshot above the current version and then every later event.
func (a *Aggregate[S]) Reload(ctx context.Context) error {
	return a.exec.DoContext(ctx, a.id.key(), func() error {
		return a.reload(ctx)
	})
}

// Finalize marks the aggregate final in the store.
func (a *Aggregate[S]) Finalize(ctx context.Context) error {
	return a.exec.DoContext(ctx, a.id.key(), func() error {
		return a.store.FinalizeAggregate(ctx, a.id)
	})
}

// Process handles cmd. Unless NoReload is given the aggregate reloads
// first; version conflicts are retried with a reload before each retry.
// Once a command has started it runs to completion even if ctx is
// cancelled.
func (a *Aggregate[S]) Process(ctx context.Context, cmd Command, opts ...ProcessOption) error {
	handler, ok := a.handlers.Command(cmd.Type)
	if !ok {
		return fmt.Errorf("%w: type=%d", ErrUnknownCommand, cmd.Type)
	}

	options := processOpts{maxRetries: a.opts.retry.MaxAttempts}
	for _, opt := range opts {
		opt.applyToProcess(&options)
	}

	return a.exec.DoContext(ctx, a.id.key(), func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return a.process(context.WithoutCancel(ctx), handler, cmd, options)
	})
}

// Close releases the private scheduler, if the aggregate owns one.
func (a *Aggregate[S]) Close() {
	if a.ownsExec {
		a.exec.Close()
	}
}

func (a *Aggregate[S]) process(ctx context.Context, handler CommandHandler[S], cmd Command, options processOpts) error {
	defer a.opts.metrics.ProcessDuration().ObserveDuration()

	if !options.noReload {
		if err := a.reload(ctx); err != nil {
			return err
		}
	}

	policy := a.opts.retry
	policy.MaxAttempts = max(options.maxRetries, 1)

	first := true
	return Retry(
		ctx,
		policy,
		RetryOn(ErrAggregateVersionConflict),
		func(ctx context.Context) error {
			if !first {
				if err := a.reload(ctx); err != nil {
					return err
				}
			}
			first = false
			return a.attempt(ctx, handler, cmd, options)
		},
		func(attempt int, _ string, err error, next time.Duration) {
			a.opts.metrics.ConcurrencyConflict()
			a.log.Warn(
				"retrying command",
				slog.Int("command", int(cmd.Type)),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
				slog.Any("error", err),
			)
		},
	)
}

func (a *Aggregate[S]) attempt(ctx context.Context, handler CommandHandler[S], cmd Command, options processOpts) error {
	hctx := a.handlerCtx()

	produced, err := handler.Handle(hctx, cmd)
	if err != nil {
		return err
	}
	if len(produced) == 0 {
		return nil
	}

	now := a.opts.now().UTC().Truncate(time.Millisecond)
	params := SaveEventsParams{
		Aggregate: AggregateRef{ID: a.id, Version: hctx.Aggregate.Version + 1},
		Timestamp: now,
		Events:    make([]PendingEvent, len(produced)),
	}
	for i, ne := range produced {
		ts := ne.Timestamp
		if ts.IsZero() {
			ts = now
		}
		params.Events[i] = PendingEvent{
			ID:        ids.NewEventID(),
			Type:      ne.Type,
			Body:      ne.Body,
			Meta:      ne.Meta,
			Timestamp: ts,
		}
	}
	if options.ctx != nil {
		params.Meta = Meta{MetaContextKey: options.ctx}
	}

	return a.dispatch(ctx, params)
}

func (a *Aggregate[S]) dispatch(ctx context.Context, params SaveEventsParams) error {
	if err := a.store.SaveEvents(ctx, params); err != nil {
		return err
	}

	events := params.AllEvents()

	if err := a.stream.SendEvents(ctx, []StreamBatch{{Stream: a.opts.stream, Events: events}}); err != nil {
		a.opts.metrics.StreamSendFailed(a.opts.stream)
		a.log.Warn(
			"failed to publish events",
			slog.String("stream", a.opts.stream),
			slog.Int("events", len(events)),
			slog.Any("error", err),
		)
	}

	before := a.Version()
	for _, ev := range events {
		if err := a.digest(ev); err != nil {
			a.reset()
			return fmt.Errorf("apply saved event: %w", err)
		}
	}

	a.maybeSnapshot(ctx, before, params.Timestamp)
	return nil
}

func (a *Aggregate[S]) reload(ctx context.Context) error {
	snap, err := a.store.FindLatestSnapshot(ctx, a.ref())
	switch {
	case err == nil:
		raw, err := a.opts.deserializeState(snap.State)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		state, ok := raw.(S)
		if !ok {
			return fmt.Errorf("restore snapshot: %w: state type %T", ErrInvalidArgument, raw)
		}
		a.mu.Lock()
		a.state = state
		a.version = snap.Aggregate.Version
		a.mu.Unlock()
		a.log.Debug("snapshot applied", snap.Aggregate.Version.SlogAttr())
	case errors.Is(err, ErrSnapshotNotFound):
	default:
		return fmt.Errorf("find snapshot: %w", err)
	}

	cur, err := a.store.ListEvents(ctx, ByAggregate(a.id, a.Version()))
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		if err := a.digest(cur.Event()); err != nil {
			a.reset()
			return err
		}
	}
	return cur.Err()
}

// reset drops the folded state. The next reload replays from the newest
// snapshot instead of resuming after an event that failed to apply.
func (a *Aggregate[S]) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	var state S
	if s, ok := a.opts.initialState.(S); ok {
		state = s
	}
	a.state = state
	a.version = a.opts.initialVersion
	a.lastEvent = nil
}

// digest folds ev into the state. Events without a handler only advance
// the version.
func (a *Aggregate[S]) digest(ev Event) error {
	hctx := a.handlerCtx()
	if ev.Aggregate.Version != hctx.Aggregate.Version+1 {
		return fmt.Errorf(
			"%w: expected version %d, got %d",
			ErrVersionGap, hctx.Aggregate.Version+1, ev.Aggregate.Version,
		)
	}

	state := hctx.State
	if h, ok := a.handlers.Event(ev.Type); ok {
		next, err := h.Handle(hctx, ev)
		if err != nil {
			return fmt.Errorf("handle event %d: %w", ev.Type, err)
		}
		state = next
	}

	a.mu.Lock()
	a.state = state
	a.version = ev.Aggregate.Version
	a.lastEvent = &ev
	a.mu.Unlock()
	return nil
}

func (a *Aggregate[S]) shouldSnapshot(before Version, hctx HandlerCtx[S]) bool {
	if a.opts.snapshotPolicy != nil {
		return a.opts.snapshotPolicy(hctx.Aggregate, hctx.State)
	}
	n := a.opts.snapshotInterval
	if n == 0 {
		return false
	}
	return before/n != hctx.Aggregate.Version/n
}

func (a *Aggregate[S]) maybeSnapshot(ctx context.Context, before Version, ts time.Time) {
	hctx := a.handlerCtx()
	if !a.shouldSnapshot(before, hctx) {
		return
	}

	state, err := a.opts.serializeState(hctx.State)
	if err != nil {
		a.log.Warn("failed to serialize state for snapshot", slog.Any("error", err))
		return
	}

	snap := Snapshot{Aggregate: hctx.Aggregate, State: state, Timestamp: ts}
	if err := a.store.SaveSnapshot(ctx, snap); err != nil {
		a.log.Warn("failed to enqueue snapshot", snap.SlogAttr(), slog.Any("error", err))
	}
}
