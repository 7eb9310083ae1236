package main

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
)

func TestUser(t *testing.T) {
	store := es.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	repo := es.NewRepository(store, nil, userHandlers())
	t.Cleanup(repo.Close)

	id := es.AggregateID(ids.NewObjectID().Bytes())
	require.NoError(t, repo.Process(t.Context(), id, changeEmail("a@example.com")))
	require.NoError(t, repo.Process(t.Context(), id, changeEmail("b@example.com")))
	require.ErrorIs(t, repo.Process(t.Context(), id, changeEmail("")), errEmptyEmail)

	repo.Evict(id)
	u, err := repo.Load(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, User{Email: "b@example.com", Changes: 2}, u.State())
}

func TestLoadSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := loadSettings()
		require.NoError(t, err)
		require.Equal(t, es.Version(100), s.SnapshotInterval)
		require.Equal(t, 100, s.Aggregates)
	})

	t.Run("snapshot interval drives the repository", func(t *testing.T) {
		t.Setenv("ARQUE_LOADTEST_SNAPSHOT_INTERVAL", "2")
		s, err := loadSettings()
		require.NoError(t, err)
		require.Equal(t, es.Version(2), s.SnapshotInterval)

		inner := es.NewInMemoryStore()
		t.Cleanup(func() { _ = inner.Close(context.Background()) })
		spy := es.NewSpyStore(inner)

		repo := newUserRepository(spy, nil, s, slog.Default(), es.NopESMetrics())
		t.Cleanup(repo.Close)

		id := es.AggregateID(ids.NewObjectID().Bytes())
		for i := range 4 {
			require.NoError(t, repo.Process(t.Context(), id, changeEmail(fmt.Sprintf("u%d@example.com", i))))
		}
		require.Eventually(t, func() bool { return len(spy.Snapshots()) == 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("invalid interval", func(t *testing.T) {
		t.Setenv("ARQUE_LOADTEST_SNAPSHOT_INTERVAL", "-1")
		_, err := loadSettings()
		require.Error(t, err)
	})
}
