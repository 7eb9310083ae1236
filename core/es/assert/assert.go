// Package assert expresses command preconditions. A failed precondition
// is a *PreconditionError naming the condition, so callers can tell a
// rejected command apart from an infrastructure failure.
package assert

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codewandler/arque-go/core/es"
)

var ErrPrecondition = errors.New("precondition failed")

type PreconditionError struct {
	Cond string
}

func (e *PreconditionError) Error() string { return "precondition failed: " + e.Cond }
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

type Cond interface {
	String() string
	Eval() bool
	Check() error
}

type cond struct {
	name  string
	eval  func() bool
	check func() error
}

func (c *cond) Check() error   { return c.check() }
func (c *cond) String() string { return c.name }
func (c *cond) Eval() bool     { return c.eval() }

func newCond(name string, eval func() bool) *cond {
	return &cond{name: name, eval: eval, check: func() error {
		if !eval() {
			return &PreconditionError{Cond: name}
		}
		return nil
	}}
}

// That is a named condition evaluated lazily.
func That(name string, fn func() bool) Cond { return newCond(name, fn) }

func True(v bool, name string) Cond  { return newCond(name, func() bool { return v }) }
func False(v bool, name string) Cond { return newCond(name, func() bool { return !v }) }

func Not(c Cond) Cond {
	return newCond("not("+c.String()+")", func() bool { return !c.Eval() })
}

// All holds when every c holds. Check reports the first failing one.
func All(cs ...Cond) Cond {
	all := newCond("all", func() bool {
		for _, c := range cs {
			if !c.Eval() {
				return false
			}
		}
		return true
	})
	all.check = func() error {
		for _, c := range cs {
			if err := c.Check(); err != nil {
				return err
			}
		}
		return nil
	}
	return all
}

// Any holds when at least one c holds.
func Any(cs ...Cond) Cond {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.String()
	}
	return newCond("any("+strings.Join(names, ", ")+")", func() bool {
		for _, c := range cs {
			if c.Eval() {
				return true
			}
		}
		return false
	})
}

func NotZero[T comparable](v T, name string) Cond {
	var zero T
	return newCond(name, func() bool { return v != zero })
}

// Check evaluates cs in order and returns the first failure.
func Check(cs ...Cond) error { return All(cs...).Check() }

// Guarded returns a command handler that runs fn only when the conditions
// built by pre hold for the current state and command.
func Guarded[S any](
	t es.CommandType,
	pre func(ctx es.HandlerCtx[S], cmd es.Command) []Cond,
	fn func(ctx es.HandlerCtx[S], cmd es.Command) ([]es.NewEvent, error),
) es.CommandHandler[S] {
	return es.CommandFunc(t, func(ctx es.HandlerCtx[S], cmd es.Command) ([]es.NewEvent, error) {
		if err := Check(pre(ctx, cmd)...); err != nil {
			return nil, fmt.Errorf("command %d: %w", t, err)
		}
		return fn(ctx, cmd)
	})
}
