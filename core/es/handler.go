package es

import (
	"fmt"
	"slices"
)

// HandlerCtx is the view of the aggregate handed to handlers.
type HandlerCtx[S any] struct {
	Aggregate AggregateRef
	State     S
}

type (
	// CommandHandler turns a command into events. It must not mutate
	// ctx.State.
	CommandHandler[S any] interface {
		CommandType() CommandType
		Handle(ctx HandlerCtx[S], cmd Command) ([]NewEvent, error)
	}

	// EventHandler folds an event into the state and returns the new state.
	// It runs on events that are already persisted, so it must not reject
	// them. When it fails the aggregate drops its state and replays from
	// the newest snapshot on the next call.
	EventHandler[S any] interface {
		EventType() EventType
		Handle(ctx HandlerCtx[S], ev Event) (S, error)
	}
)

type commandFunc[S any] struct {
	t  CommandType
	fn func(HandlerCtx[S], Command) ([]NewEvent, error)
}

func (h commandFunc[S]) CommandType() CommandType { return h.t }
func (h commandFunc[S]) Handle(ctx HandlerCtx[S], cmd Command) ([]NewEvent, error) {
	return h.fn(ctx, cmd)
}

// CommandFunc adapts fn to a CommandHandler for t.
func CommandFunc[S any](t CommandType, fn func(HandlerCtx[S], Command) ([]NewEvent, error)) CommandHandler[S] {
	return commandFunc[S]{t: t, fn: fn}
}

type eventFunc[S any] struct {
	t  EventType
	fn func(HandlerCtx[S], Event) (S, error)
}

func (h eventFunc[S]) EventType() EventType { return h.t }
func (h eventFunc[S]) Handle(ctx HandlerCtx[S], ev Event) (S, error) {
	return h.fn(ctx, ev)
}

// EventFunc adapts fn to an EventHandler for t.
func EventFunc[S any](t EventType, fn func(HandlerCtx[S], Event) (S, error)) EventHandler[S] {
	return eventFunc[S]{t: t, fn: fn}
}

type (
	handlersOpts struct {
		commands []CommandType
		events   []EventType
	}
	HandlersOption interface{ applyToHandlers(*handlersOpts) }

	requireCommandsOption struct{ types []CommandType }
	requireEventsOption   struct{ types []EventType }
)

// RequireCommands makes NewHandlers fail unless every type has a handler.
func RequireCommands(types ...CommandType) HandlersOption { return requireCommandsOption{types} }

// RequireEvents makes NewHandlers fail unless every type has a handler.
func RequireEvents(types ...EventType) HandlersOption { return requireEventsOption{types} }

func (o requireCommandsOption) applyToHandlers(h *handlersOpts) {
	h.commands = append(h.commands, o.types...)
}
func (o requireEventsOption) applyToHandlers(h *handlersOpts) { h.events = append(h.events, o.types...) }

// Handlers is the validated handler table of an aggregate type.
type Handlers[S any] struct {
	commands map[CommandType]CommandHandler[S]
	events   map[EventType]EventHandler[S]
}

func NewHandlers[S any](commands []CommandHandler[S], events []EventHandler[S], opts ...HandlersOption) (*Handlers[S], error) {
	options := handlersOpts{}
	for _, opt := range opts {
		opt.applyToHandlers(&options)
	}

	h := &Handlers[S]{
		commands: make(map[CommandType]CommandHandler[S], len(commands)),
		events:   make(map[EventType]EventHandler[S], len(events)),
	}
	for _, c := range commands {
		if _, dup := h.commands[c.CommandType()]; dup {
			return nil, fmt.Errorf("%w: command type %d", ErrDuplicateHandler, c.CommandType())
		}
		h.commands[c.CommandType()] = c
	}
	for _, e := range events {
		if _, dup := h.events[e.EventType()]; dup {
			return nil, fmt.Errorf("%w: event type %d", ErrDuplicateHandler, e.EventType())
		}
		h.events[e.EventType()] = e
	}

	for _, t := range options.commands {
		if _, ok := h.commands[t]; !ok {
			return nil, fmt.Errorf("%w: command type %d", ErrMissingHandler, t)
		}
	}
	for _, t := range options.events {
		if _, ok := h.events[t]; !ok {
			return nil, fmt.Errorf("%w: event type %d", ErrMissingHandler, t)
		}
	}
	return h, nil
}

// MustHandlers is NewHandlers that panics on error.
func MustHandlers[S any](commands []CommandHandler[S], events []EventHandler[S], opts ...HandlersOption) *Handlers[S] {
	h, err := NewHandlers(commands, events, opts...)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *Handlers[S]) Command(t CommandType) (CommandHandler[S], bool) {
	c, ok := h.commands[t]
	return c, ok
}

func (h *Handlers[S]) Event(t EventType) (EventHandler[S], bool) {
	e, ok := h.events[t]
	return e, ok
}

func (h *Handlers[S]) CommandTypes() []CommandType {
	out := make([]CommandType, 0, len(h.commands))
	for t := range h.commands {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (h *Handlers[S]) EventTypes() []EventType {
	out := make([]EventType, 0, len(h.events))
	for t := range h.events {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
