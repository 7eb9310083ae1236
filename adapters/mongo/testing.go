package mongo

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestContainer starts a single node mongo replica set for t and
// returns a Config pointing at it. The test is skipped when no container
// runtime is available.
func NewTestContainer(t *testing.T) Config {
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithCmd("--replSet", "rs0", "--bind_ip_all"),
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("27017/tcp"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(mongoC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	mongosh := func(script string) string {
		code, out, err := mongoC.Exec(ctx, []string{"mongosh", "--quiet", "--eval", script}, tcexec.Multiplexed())
		require.NoError(t, err)
		data, err := io.ReadAll(out)
		require.NoError(t, err)
		require.Zero(t, code, string(data))
		return string(data)
	}

	mongosh(`rs.initiate({_id: "rs0", members: [{_id: 0, host: "localhost:27017"}]})`)
	require.Eventually(t, func() bool {
		return strings.Contains(mongosh(`db.hello().isWritablePrimary`), "true")
	}, 30*time.Second, 250*time.Millisecond)

	endpoint, err := mongoC.PortEndpoint(ctx, "27017/tcp", "")
	require.NoError(t, err)
	t.Logf("mongo endpoint: %s", endpoint)

	return Config{URI: "mongodb://" + endpoint + "/?directConnection=true"}
}

// NewTestStore creates a store on cfg using database and closes it when
// the test ends.
func NewTestStore(t *testing.T, cfg Config, database string) *Store {
	cfg.Database = database
	store, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Init(t.Context()))
	t.Cleanup(func() {
		require.NoError(t, store.Close(context.Background()))
	})
	return store
}
