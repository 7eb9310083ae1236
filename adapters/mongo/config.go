package mongo

import (
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/arque-go/core/codec"
	"github.com/codewandler/arque-go/core/es"
)

const (
	defaultDatabase               = "arque"
	defaultMinPoolSize            = 1
	defaultMaxPoolSize            = 10
	defaultConnectTimeout         = 10 * time.Second
	defaultSocketTimeout          = 30 * time.Second
	defaultServerSelectionTimeout = 10 * time.Second
)

// Config configures the mongo store. The deployment must be a replica set
// because writes use multi document transactions.
type Config struct {
	URI                    string        `yaml:"uri" env:"URI"`
	Database               string        `yaml:"database" env:"DATABASE" envDefault:"arque"`
	MinPoolSize            uint64        `yaml:"min_pool_size" env:"MIN_POOL_SIZE" envDefault:"1"`
	MaxPoolSize            uint64        `yaml:"max_pool_size" env:"MAX_POOL_SIZE" envDefault:"10"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" envDefault:"10s"`
	SocketTimeout          time.Duration `yaml:"socket_timeout" env:"SOCKET_TIMEOUT" envDefault:"30s"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout" env:"SERVER_SELECTION_TIMEOUT" envDefault:"10s"`
	// SnapshotQueueLimit bounds the snapshot queue; zero is unbounded.
	SnapshotQueueLimit int            `yaml:"snapshot_queue_limit" env:"SNAPSHOT_QUEUE_LIMIT"`
	Retry              es.RetryPolicy `yaml:"retry" envPrefix:"RETRY_"`

	Codec   []codec.Entry `yaml:"-"`
	Log     *slog.Logger  `yaml:"-"`
	Metrics es.ESMetrics  `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.MinPoolSize == 0 {
		c.MinPoolSize = defaultMinPoolSize
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = defaultSocketTimeout
	}
	if c.ServerSelectionTimeout <= 0 {
		c.ServerSelectionTimeout = defaultServerSelectionTimeout
	}
	c.Retry = c.Retry.OrDefault(es.DefaultStoreRetryPolicy())
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = es.NopESMetrics()
	}
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.applyDefaults()
	if c.URI == "" {
		return errors.New("mongo: uri is required")
	}
	if c.MinPoolSize > c.MaxPoolSize {
		return errors.New("mongo: min_pool_size exceeds max_pool_size")
	}
	return nil
}
