// Package domain holds a small counter aggregate used by the store and
// aggregate test suites.
package domain

import (
	"errors"

	"github.com/codewandler/arque-go/core/es"
)

const (
	CmdIncrement es.CommandType = iota + 1
	CmdReset
	CmdIncrementTwice
	CmdNoop
)

const (
	EvIncremented es.EventType = iota + 1
	EvReset
	// EvAudited has no event handler; it only advances the version.
	EvAudited
)

const Limit = 24

var ErrLimitExceeded = errors.New("counter cannot exceed 24")

type (
	Counter struct {
		Count       int `json:"count"`
		Increments  int `json:"increments"`
		Resets      int `json:"resets"`
		TotalEvents int `json:"total_events"`
	}

	Incremented struct {
		By int `json:"by"`
	}
)

func Increment(by int) es.Command { return es.Command{Type: CmdIncrement, Args: []any{by}} }
func IncrementTwice() es.Command  { return es.Command{Type: CmdIncrementTwice} }
func Reset() es.Command           { return es.Command{Type: CmdReset} }
func Noop() es.Command            { return es.Command{Type: CmdNoop} }

func increment(ctx es.HandlerCtx[Counter], cmd es.Command) ([]es.NewEvent, error) {
	by, _ := cmd.Args[0].(int)
	if ctx.State.Count+by > Limit {
		return nil, ErrLimitExceeded
	}
	return []es.NewEvent{{Type: EvIncremented, Body: es.MustBodyOf(Incremented{By: by})}}, nil
}

func incrementTwice(ctx es.HandlerCtx[Counter], _ es.Command) ([]es.NewEvent, error) {
	if ctx.State.Count+2 > Limit {
		return nil, ErrLimitExceeded
	}
	ev := es.NewEvent{Type: EvIncremented, Body: es.MustBodyOf(Incremented{By: 1})}
	return []es.NewEvent{ev, ev, {Type: EvAudited}}, nil
}

func reset(es.HandlerCtx[Counter], es.Command) ([]es.NewEvent, error) {
	return []es.NewEvent{{Type: EvReset}}, nil
}

func noop(es.HandlerCtx[Counter], es.Command) ([]es.NewEvent, error) { return nil, nil }

func onIncremented(ctx es.HandlerCtx[Counter], ev es.Event) (Counter, error) {
	body, err := es.DecodeBody[Incremented](ev)
	if err != nil {
		return ctx.State, err
	}
	s := ctx.State
	s.Count += body.By
	s.Increments++
	s.TotalEvents++
	return s, nil
}

func onReset(ctx es.HandlerCtx[Counter], _ es.Event) (Counter, error) {
	s := ctx.State
	s.Count = 0
	s.Resets++
	s.TotalEvents++
	return s, nil
}

// Handlers returns the counter handler table.
func Handlers() *es.Handlers[Counter] {
	return es.MustHandlers(
		[]es.CommandHandler[Counter]{
			es.CommandFunc(CmdIncrement, increment),
			es.CommandFunc(CmdIncrementTwice, incrementTwice),
			es.CommandFunc(CmdReset, reset),
			es.CommandFunc(CmdNoop, noop),
		},
		[]es.EventHandler[Counter]{
			es.EventFunc(EvIncremented, onIncremented),
			es.EventFunc(EvReset, onReset),
		},
		es.RequireEvents(EvIncremented, EvReset),
	)
}
