package assert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
)

func TestAssert(t *testing.T) {
	mustBeTrue := True(true, "must be true")
	require.True(t, mustBeTrue.Eval())
	require.NoError(t, mustBeTrue.Check())
	require.Equal(t, "must be true", mustBeTrue.String())

	mustBeFalse := False(false, "must be false")
	require.True(t, mustBeFalse.Eval())
	require.NoError(t, mustBeFalse.Check())

	require.NoError(t, All(mustBeTrue, mustBeFalse).Check())

	err := Check(mustBeTrue, That("foo", func() bool { return false }), False(true, "bar"))
	require.ErrorIs(t, err, ErrPrecondition)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "foo", pe.Cond, "first failing condition is reported")

	require.ErrorIs(t, Not(mustBeTrue).Check(), ErrPrecondition)
	require.Equal(t, "not(must be true)", Not(mustBeTrue).String())
}

func TestAny(t *testing.T) {
	c := Any(False(true, "a"), True(true, "b"))
	require.True(t, c.Eval())
	require.Equal(t, "any(a, b)", c.String())
	require.Error(t, Any(False(true, "a")).Check())
}

func TestNotZero(t *testing.T) {
	require.NoError(t, NotZero("x", "name").Check())
	require.Error(t, NotZero("", "name").Check())
	require.Error(t, NotZero(0, "count").Check())
}

type tally struct{ N int }

func TestGuarded(t *testing.T) {
	const (
		cmdAdd es.CommandType = 1
		evAdd  es.EventType   = 1
	)
	handlers := es.MustHandlers(
		[]es.CommandHandler[tally]{
			Guarded(cmdAdd,
				func(ctx es.HandlerCtx[tally], cmd es.Command) []Cond {
					return []Cond{
						True(len(cmd.Args) == 1, "one argument"),
						True(ctx.State.N < 2, "below limit"),
					}
				},
				func(es.HandlerCtx[tally], es.Command) ([]es.NewEvent, error) {
					return []es.NewEvent{{Type: evAdd}}, nil
				},
			),
		},
		[]es.EventHandler[tally]{
			es.EventFunc(evAdd, func(ctx es.HandlerCtx[tally], _ es.Event) (tally, error) {
				return tally{N: ctx.State.N + 1}, nil
			}),
		},
	)

	store := es.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	a := es.NewAggregate(store, nil, handlers, ids.NewObjectID().Bytes())
	t.Cleanup(a.Close)

	add := es.Command{Type: cmdAdd, Args: []any{1}}
	require.NoError(t, a.Process(t.Context(), add))
	require.NoError(t, a.Process(t.Context(), add))

	err := a.Process(t.Context(), add)
	require.ErrorIs(t, err, ErrPrecondition)
	require.ErrorContains(t, err, "below limit")
	require.ErrorIs(t, a.Process(t.Context(), es.Command{Type: cmdAdd}), ErrPrecondition)
	require.Equal(t, 2, a.State().N)
}
