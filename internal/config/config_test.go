package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/es/estests/domain"
	"github.com/codewandler/arque-go/core/ids"
)

func writeFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "arque.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.Equal(t, BackendMemory, cfg.Stream.Backend)
	require.Equal(t, "public", cfg.Store.Postgres.Schema)
	require.Equal(t, "arque", cfg.Store.Mongo.Database)
	require.Equal(t, "ARQUE", cfg.Stream.NATS.StreamName)
	require.Equal(t, "arque.", cfg.Stream.Kafka.TopicPrefix)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
log_level: debug
store:
  backend: postgres
  postgres:
    uri: postgres://file/arque
    schema: from_file
    retry:
      max_attempts: 5
      starting_delay: 50ms
stream:
  backend: kafka
  kafka:
    brokers: [k1:9092, k2:9092]
`)
	t.Setenv("ARQUE_STORE_POSTGRES_SCHEMA", "from_env")
	t.Setenv("ARQUE_STREAM_KAFKA_PARTITIONS", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, BackendPostgres, cfg.Store.Backend)
	require.Equal(t, "postgres://file/arque", cfg.Store.Postgres.URI)
	require.Equal(t, "from_env", cfg.Store.Postgres.Schema)
	require.Equal(t, 5, cfg.Store.Postgres.Retry.MaxAttempts)
	require.Equal(t, 50*time.Millisecond, cfg.Store.Postgres.Retry.StartingDelay)
	require.Equal(t, int32(10), cfg.Store.Postgres.MaxConns, "defaults survive the file")
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Stream.Kafka.Brokers)
	require.Equal(t, 6, cfg.Stream.Kafka.Partitions)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("ARQUE_STORE_BACKEND", "mongo")
	t.Setenv("ARQUE_STORE_MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("ARQUE_ROUTING_BACKEND", "redis")
	t.Setenv("ARQUE_ROUTING_REDIS_ADDR", "cache:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, BackendMongo, cfg.Store.Backend)
	require.Equal(t, "mongodb://localhost:27017", cfg.Store.Mongo.URI)
	require.Equal(t, "cache:6379", cfg.Routing.Redis.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	for name, content := range map[string]string{
		"unknown store":   "store: {backend: cassandra}",
		"postgres no uri": "store: {backend: postgres}",
		"kafka no broker": "stream: {backend: kafka}",
		"bad level":       "log_level: loud",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, content))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	b, err := Open(t.Context(), cfg, slog.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close(context.Background())) })

	require.NoError(t, b.Routing.SaveStream(t.Context(), es.StreamConfig{ID: "counters", Events: []es.EventType{domain.EvIncremented}}))
	streams, err := b.Routing.FindStreams(t.Context(), domain.EvIncremented)
	require.NoError(t, err)
	require.Equal(t, []string{"counters"}, streams)

	a := es.NewAggregate(b.Store, b.Stream, domain.Handlers(), ids.NewObjectID().Bytes())
	t.Cleanup(a.Close)
	require.NoError(t, a.Process(t.Context(), domain.Increment(2)))
	require.Equal(t, 2, a.State().Count)
}

func TestConfig_Logger(t *testing.T) {
	cfg := Config{LogLevel: "warn", LogFormat: "json"}
	log := cfg.Logger()
	require.False(t, log.Enabled(t.Context(), slog.LevelInfo))
	require.True(t, log.Enabled(t.Context(), slog.LevelWarn))
}
