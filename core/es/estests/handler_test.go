package estests

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/es/estests/domain"
)

func TestHandlers(t *testing.T) {
	noop := es.CommandFunc(1, func(es.HandlerCtx[int], es.Command) ([]es.NewEvent, error) { return nil, nil })
	apply := es.EventFunc(1, func(ctx es.HandlerCtx[int], _ es.Event) (int, error) { return ctx.State + 1, nil })

	t.Run("duplicate command", func(t *testing.T) {
		_, err := es.NewHandlers([]es.CommandHandler[int]{noop, noop}, nil)
		require.ErrorIs(t, err, es.ErrDuplicateHandler)
	})

	t.Run("duplicate event", func(t *testing.T) {
		_, err := es.NewHandlers(nil, []es.EventHandler[int]{apply, apply})
		require.ErrorIs(t, err, es.ErrDuplicateHandler)
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := es.NewHandlers([]es.CommandHandler[int]{noop}, nil, es.RequireEvents(1))
		require.ErrorIs(t, err, es.ErrMissingHandler)
		_, err = es.NewHandlers(nil, []es.EventHandler[int]{apply}, es.RequireCommands(2))
		require.ErrorIs(t, err, es.ErrMissingHandler)
	})

	t.Run("lookup", func(t *testing.T) {
		h := domain.Handlers()
		_, ok := h.Command(domain.CmdIncrement)
		require.True(t, ok)
		_, ok = h.Event(domain.EvAudited)
		require.False(t, ok)
		require.Equal(t, []es.CommandType{domain.CmdIncrement, domain.CmdReset, domain.CmdIncrementTwice, domain.CmdNoop}, h.CommandTypes())
	})
}
