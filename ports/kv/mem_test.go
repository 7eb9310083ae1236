package kv

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	type Foo struct {
		Name string
		Age  int
	}
	s := NewMemStore()

	_, err := Get[Foo](t.Context(), s, "foobar")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Put[Foo](t.Context(), s, "p1", Foo{Name: "P1", Age: 10}, PutOptions{}))
	require.NoError(t, Put[Foo](t.Context(), s, "p2", Foo{Name: "P2", Age: 20}, PutOptions{}))

	loaded, err := Get[Foo](t.Context(), s, "p1")
	require.NoError(t, err)
	require.Equal(t, Foo{Name: "P1", Age: 10}, loaded)

	require.NoError(t, s.Delete(t.Context(), "p1"))
	_, err = Get[Foo](t.Context(), s, "p1")
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Memory_Update(t *testing.T) {
	s := NewMemStore()

	add := func(name string) error {
		return Update(t.Context(), s, "set", func(cur []string, exists bool) ([]string, error) {
			return append(cur, name), nil
		})
	}
	require.NoError(t, add("a"))
	require.NoError(t, add("b"))

	got, err := Get[[]string](t.Context(), s, "set")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got)

	boom := errors.New("boom")
	err = Update(t.Context(), s, "set", func([]string, bool) ([]string, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	got, err = Get[[]string](t.Context(), s, "set")
	require.NoError(t, err)
	require.Len(t, got, 2, "failed update leaves the entry unchanged")
}

func Test_Memory_TTL(t *testing.T) {
	now := time.Now()
	s := NewMemStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(t.Context(), "k", Entry{Data: []byte("1")}, PutOptions{TTL: time.Second}))
	_, err := s.Get(t.Context(), "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = s.Get(t.Context(), "k")
	require.ErrorIs(t, err, ErrNotFound)
}
