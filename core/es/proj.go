package es

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// ProjectionHandler applies one event type to a read model.
type ProjectionHandler[S any] interface {
	EventType() EventType
	Handle(ctx context.Context, state S, ev Event) error
}

type projectionFunc[S any] struct {
	t  EventType
	fn func(context.Context, S, Event) error
}

func (h projectionFunc[S]) EventType() EventType { return h.t }
func (h projectionFunc[S]) Handle(ctx context.Context, state S, ev Event) error {
	return h.fn(ctx, state, ev)
}

func ProjectionFunc[S any](t EventType, fn func(ctx context.Context, state S, ev Event) error) ProjectionHandler[S] {
	return projectionFunc[S]{t: t, fn: fn}
}

type (
	projectionOpts struct {
		log     *slog.Logger
		metrics ESMetrics
		now     func() time.Time
	}
	ProjectionOption interface{ applyToProjection(*projectionOpts) }
)

func (o LogOption) applyToProjection(p *projectionOpts)       { p.log = o.v }
func (o ESMetricsOption) applyToProjection(p *projectionOpts) { p.metrics = o.v }
func (o ClockOption) applyToProjection(p *projectionOpts)     { p.now = o.v }

// Projection feeds stream events into a read model. Checkpoints make
// handling idempotent per aggregate version: an event at or below the
// stored checkpoint of its aggregate is skipped.
type Projection[S any] struct {
	name     string
	store    StoreAdapter
	state    S
	handlers map[EventType]ProjectionHandler[S]
	opts     projectionOpts
	log      *slog.Logger
}

func NewProjection[S any](
	name string,
	store StoreAdapter,
	state S,
	handlers []ProjectionHandler[S],
	opts ...ProjectionOption,
) (*Projection[S], error) {
	if name == "" {
		return nil, invalidArgument("projection name is empty")
	}

	options := projectionOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt.applyToProjection(&options)
	}

	p := &Projection[S]{
		name:     name,
		store:    store,
		state:    state,
		handlers: make(map[EventType]ProjectionHandler[S], len(handlers)),
		opts:     options,
		log:      options.log.With(slog.String("projection", name)),
	}
	for _, h := range handlers {
		if _, dup := p.handlers[h.EventType()]; dup {
			return nil, fmt.Errorf("%w: event type %d", ErrDuplicateHandler, h.EventType())
		}
		p.handlers[h.EventType()] = h
	}
	return p, nil
}

func (p *Projection[S]) Name() string { return p.name }
func (p *Projection[S]) State() S     { return p.state }

// EventTypes lists the types the projection handles, for stream routing.
func (p *Projection[S]) EventTypes() []EventType {
	out := make([]EventType, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Handle applies ev unless it was handled before. Events of types without
// a handler are ignored.
func (p *Projection[S]) Handle(ctx context.Context, ev Event) error {
	h, ok := p.handlers[ev.Type]
	if !ok {
		return nil
	}

	cp := ProjectionCheckpoint{Projection: p.name, Aggregate: ev.Aggregate}
	fresh, err := p.store.CheckProjectionCheckpoint(ctx, cp)
	if err != nil {
		return fmt.Errorf("check checkpoint: %w", err)
	}
	if !fresh {
		p.opts.metrics.ProjectionEvent(p.name, true, true)
		p.log.Debug("event already projected", ev.SlogAttr())
		return nil
	}

	if err := h.Handle(ctx, p.state, ev); err != nil {
		p.opts.metrics.ProjectionEvent(p.name, false, false)
		return err
	}

	cp.Timestamp = p.opts.now()
	if err := p.store.SaveProjectionCheckpoint(ctx, cp); err != nil {
		p.opts.metrics.ProjectionEvent(p.name, false, false)
		return fmt.Errorf("save checkpoint: %w", err)
	}
	p.opts.metrics.ProjectionEvent(p.name, false, true)
	return nil
}

// Subscribe attaches the projection to a stream.
func (p *Projection[S]) Subscribe(ctx context.Context, stream StreamAdapter, name string, opts ...SubscribeOption) (Subscriber, error) {
	return stream.Subscribe(ctx, name, p.Handle, append([]SubscribeOption{WithLog(p.log)}, opts...)...)
}

// StreamConfig returns the routing record that sends the projection's
// event types to the stream called name.
func (p *Projection[S]) StreamConfig(name string) StreamConfig {
	return StreamConfig{ID: name, Events: p.EventTypes()}
}
