package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestContainer starts a postgres container for t and returns a Config
// pointing at it. The test is skipped when no container runtime is
// available.
func NewTestContainer(t *testing.T) Config {
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "arque",
			"POSTGRES_PASSWORD": "arque",
			"POSTGRES_DB":       "arque",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := pgC.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)
	t.Logf("postgres endpoint: %s", endpoint)

	return Config{
		URI: fmt.Sprintf("postgres://arque:arque@%s/arque?sslmode=disable", endpoint),
	}
}

// NewTestStore creates a store on cfg in a fresh schema and closes it when
// the test ends.
func NewTestStore(t *testing.T, cfg Config, schema string) *Store {
	cfg.Schema = schema
	store, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Init(t.Context()))
	t.Cleanup(func() {
		require.NoError(t, store.Close(context.Background()))
	})
	return store
}
