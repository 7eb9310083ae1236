package wire

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
)

func TestEventCodec(t *testing.T) {
	c, err := NewEventCodec()
	require.NoError(t, err)

	ev := es.Event{
		ID:        ids.NewEventID(),
		Type:      7,
		Aggregate: es.AggregateRef{ID: ids.NewObjectID().Bytes(), Version: 3},
		Body:      map[string]any{"amount": decimal.RequireFromString("10.25"), "note": "rent"},
		Meta:      es.Meta{es.MetaContextKey: []byte("req-1")},
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := c.Encode(ev)
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, ev.Type, got.Type)
	require.True(t, ev.Aggregate.ID.Equal(got.Aggregate.ID))
	require.Equal(t, ev.Aggregate.Version, got.Aggregate.Version)
	require.True(t, ev.Timestamp.Equal(got.Timestamp))
	require.True(t, decimal.RequireFromString("10.25").Equal(got.Body["amount"].(decimal.Decimal)))
	require.Equal(t, "rent", got.Body["note"])
	require.Equal(t, []byte("req-1"), got.Meta.Context())
}

func TestEventCodec_EmptyBody(t *testing.T) {
	c, err := NewEventCodec()
	require.NoError(t, err)

	data, err := c.Encode(es.Event{ID: ids.NewEventID(), Aggregate: es.AggregateRef{ID: es.AggregateID{1}, Version: 1}})
	require.NoError(t, err)
	got, err := c.Decode(data)
	require.NoError(t, err)
	require.Nil(t, got.Body)
	require.Nil(t, got.Meta)
}

func TestEventCodec_Garbage(t *testing.T) {
	c, err := NewEventCodec()
	require.NoError(t, err)
	_, err = c.Decode([]byte("{"))
	require.Error(t, err)
	_, err = c.Decode([]byte(`{"id":"not-an-id"}`))
	require.Error(t, err)
}
