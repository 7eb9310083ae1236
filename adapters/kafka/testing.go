package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const starterScript = "/usr/sbin/arque-kafka-start"

// NewTestContainer starts a single node KRaft broker for t and returns a
// Config pointing at it. The test is skipped when no container runtime is
// available.
//
// The broker must advertise the mapped host port, which is only known
// after start, so the entrypoint waits for a starter script that a post
// start hook writes.
func NewTestContainer(t *testing.T) Config {
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	kafkaC, err := testcontainers.Run(
		ctx, "apache/kafka:3.8.0",
		testcontainers.WithExposedPorts("9092/tcp"),
		testcontainers.WithEnv(map[string]string{
			"KAFKA_NODE_ID":                                  "1",
			"KAFKA_PROCESS_ROLES":                            "broker,controller",
			"KAFKA_LISTENERS":                                "PLAINTEXT://0.0.0.0:9092,CONTROLLER://0.0.0.0:9093",
			"KAFKA_CONTROLLER_LISTENER_NAMES":                "CONTROLLER",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":           "CONTROLLER:PLAINTEXT,PLAINTEXT:PLAINTEXT",
			"KAFKA_CONTROLLER_QUORUM_VOTERS":                 "1@localhost:9093",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR":         "1",
			"KAFKA_TRANSACTION_STATE_LOG_REPLICATION_FACTOR": "1",
			"KAFKA_TRANSACTION_STATE_LOG_MIN_ISR":            "1",
			"KAFKA_GROUP_INITIAL_REBALANCE_DELAY_MS":         "0",
		}),
		testcontainers.WithEntrypoint("sh"),
		testcontainers.WithCmd("-c", fmt.Sprintf(
			"while [ ! -f %[1]s ]; do sleep 0.1; done; . %[1]s; exec /etc/kafka/docker/run",
			starterScript,
		)),
		testcontainers.WithLifecycleHooks(testcontainers.ContainerLifecycleHooks{
			PostStarts: []testcontainers.ContainerHook{
				func(ctx context.Context, c testcontainers.Container) error {
					endpoint, err := c.PortEndpoint(ctx, "9092/tcp", "")
					if err != nil {
						return err
					}
					script := fmt.Sprintf("export KAFKA_ADVERTISED_LISTENERS=PLAINTEXT://%s\n", endpoint)
					if err := c.CopyToContainer(ctx, []byte(script), starterScript, 0o755); err != nil {
						return err
					}
					return wait.ForLog("Kafka Server started").
						WithStartupTimeout(90*time.Second).
						WaitUntilReady(ctx, c)
				},
			},
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(kafkaC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := kafkaC.PortEndpoint(ctx, "9092/tcp", "")
	require.NoError(t, err)
	t.Logf("kafka endpoint: %s", endpoint)
	return Config{Brokers: []string{endpoint}}
}

// NewTestStream creates a stream on cfg using topicPrefix and closes it
// when the test ends.
func NewTestStream(t *testing.T, cfg Config, topicPrefix string) *Stream {
	cfg.TopicPrefix = topicPrefix
	s, err := NewStream(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(t.Context()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}
