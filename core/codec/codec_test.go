package codec

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/ids"
)

type money struct {
	Currency string `json:"currency"`
	Cents    int64  `json:"cents"`
}

func TestCodec_RoundTripJSON(t *testing.T) {
	c := MustNew(Defaults())

	at := time.Date(2024, 5, 1, 12, 30, 0, 123, time.UTC)
	eid := ids.NewEventID()
	oid := ids.NewObjectID()
	in := map[string]any{
		"blob":    []byte{0, 1, 2, 255},
		"at":      at,
		"event":   eid,
		"account": oid,
		"amount":  decimal.RequireFromString("10.25"),
		"name":    "alice",
		"nested": map[string]any{
			"list": []any{[]byte("x"), "y", true},
		},
	}

	data, err := c.EncodeJSON(in)
	require.NoError(t, err)

	out, err := c.DecodeJSON(data)
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, []byte{0, 1, 2, 255}, m["blob"])
	require.True(t, at.Equal(m["at"].(time.Time)))
	require.Equal(t, eid, m["event"])
	require.Equal(t, oid, m["account"])
	require.True(t, decimal.RequireFromString("10.25").Equal(m["amount"].(decimal.Decimal)))
	require.Equal(t, "alice", m["name"])
	require.Equal(t, []any{[]byte("x"), "y", true}, m["nested"].(map[string]any)["list"])
}

func TestCodec_TaggedEnvelope(t *testing.T) {
	c := MustNew([]Entry{Bytes()})

	v, err := c.Serialize([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, map[string]any{TagKey: "bytes", ValueKey: "aGk="}, v)

	_, err = c.Deserialize(map[string]any{TagKey: "nope", ValueKey: "x"})
	require.ErrorIs(t, err, ErrUnknownTag)

	// a map that only looks similar is left alone
	plain := map[string]any{TagKey: "bytes", ValueKey: "aGk=", "other": 1}
	d, err := c.Deserialize(plain)
	require.NoError(t, err)
	require.Equal(t, plain, d)
}

func TestCodec_ReflectFallback(t *testing.T) {
	c := MustNew(nil)

	v, err := c.Serialize(map[string]any{
		"money":  money{Currency: "EUR", Cents: 100},
		"counts": map[string]int{"a": 1},
		"tags":   []string{"x", "y"},
		"ptr":    &money{Currency: "USD"},
		"nil":    (*money)(nil),
	})
	require.NoError(t, err)

	m := v.(map[string]any)
	require.Equal(t, map[string]any{"currency": "EUR", "cents": float64(100)}, m["money"])
	require.Equal(t, map[string]any{"a": 1}, m["counts"])
	require.Equal(t, []any{"x", "y"}, m["tags"])
	require.Equal(t, map[string]any{"currency": "USD", "cents": float64(0)}, m["ptr"])
	require.Nil(t, m["nil"])
}

func TestCodec_PassthroughAndNormalizer(t *testing.T) {
	type wrapped struct{ B []byte }

	c := MustNew(nil,
		WithPassthrough(reflect.TypeFor[[]byte]()),
		WithNormalizer(reflect.TypeFor[wrapped](), func(v any) (any, error) {
			return v.(wrapped).B, nil
		}),
	)

	v, err := c.Serialize(map[string]any{"b": []byte("raw")})
	require.NoError(t, err)
	require.Equal(t, []byte("raw"), v.(map[string]any)["b"])

	d, err := c.Deserialize(map[string]any{"b": wrapped{B: []byte("raw")}})
	require.NoError(t, err)
	require.Equal(t, []byte("raw"), d.(map[string]any)["b"])
}

func TestCodec_New(t *testing.T) {
	_, err := New([]Entry{Bytes(), Bytes()})
	require.ErrorIs(t, err, ErrDuplicateEntry)

	_, err = New([]Entry{{Name: "broken"}})
	require.ErrorIs(t, err, ErrInvalidEntry)

	custom := EntryFor("money",
		func(m money) (any, error) { return m.Currency, nil },
		func(v any) (money, error) { return money{Currency: v.(string)}, nil },
	)
	_, err = New([]Entry{custom, {Name: "money", Type: reflect.TypeFor[int](), Serialize: custom.Serialize, Deserialize: custom.Deserialize}})
	require.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestCodec_Maps(t *testing.T) {
	c := MustNew(Defaults())

	m, err := c.SerializeMap(nil)
	require.NoError(t, err)
	require.Nil(t, m)

	d, err := c.DeserializeMap(nil)
	require.NoError(t, err)
	require.Empty(t, d)
}
