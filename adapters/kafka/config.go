package kafka

import (
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/arque-go/core/codec"
	"github.com/codewandler/arque-go/core/es"
)

var defaultFetchRetry = es.RetryPolicy{
	StartingDelay: 100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	Multiplier:    2,
}

type Config struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	// TopicPrefix is prepended to every stream name to form the topic.
	TopicPrefix       string        `yaml:"topic_prefix" env:"TOPIC_PREFIX" envDefault:"arque."`
	Partitions        int           `yaml:"partitions" env:"PARTITIONS" envDefault:"1"`
	ReplicationFactor int           `yaml:"replication_factor" env:"REPLICATION_FACTOR" envDefault:"1"`
	BatchTimeout      time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT" envDefault:"10ms"`
	DialTimeout       time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT" envDefault:"10s"`
	// MaxWait bounds how long a fetch waits for new messages.
	MaxWait time.Duration `yaml:"max_wait" env:"MAX_WAIT" envDefault:"250ms"`
	// FetchRetry paces subscribers while fetches fail, e.g. while the
	// brokers are down.
	FetchRetry es.RetryPolicy `yaml:"fetch_retry" envPrefix:"FETCH_RETRY_"`

	Codec []codec.Entry `yaml:"-"`
	Log   *slog.Logger  `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "arque."
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 250 * time.Millisecond
	}
	c.FetchRetry = c.FetchRetry.OrDefault(defaultFetchRetry)
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	return nil
}
