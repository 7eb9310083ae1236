package postgres

import (
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/codewandler/arque-go/core/codec"
	"github.com/codewandler/arque-go/core/es"
)

const (
	defaultSchema           = "public"
	defaultMinConns         = 1
	defaultMaxConns         = 10
	defaultConnectTimeout   = 10 * time.Second
	defaultStatementTimeout = 30 * time.Second
)

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config configures the postgres store.
type Config struct {
	URI              string        `yaml:"uri" env:"URI"`
	Schema           string        `yaml:"schema" env:"SCHEMA" envDefault:"public"`
	MinConns         int32         `yaml:"min_conns" env:"MIN_CONNS" envDefault:"1"`
	MaxConns         int32         `yaml:"max_conns" env:"MAX_CONNS" envDefault:"10"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" envDefault:"10s"`
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"STATEMENT_TIMEOUT" envDefault:"30s"`
	// SnapshotQueueLimit bounds the snapshot queue; zero is unbounded.
	SnapshotQueueLimit int            `yaml:"snapshot_queue_limit" env:"SNAPSHOT_QUEUE_LIMIT"`
	Retry              es.RetryPolicy `yaml:"retry" envPrefix:"RETRY_"`

	// Codec entries extend codec.Defaults for event bodies, meta and
	// snapshot state.
	Codec   []codec.Entry `yaml:"-"`
	Log     *slog.Logger  `yaml:"-"`
	Metrics es.ESMetrics  `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.Schema == "" {
		c.Schema = defaultSchema
	}
	if c.MinConns <= 0 {
		c.MinConns = defaultMinConns
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = defaultStatementTimeout
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
		return errors.New("postgres: uri is required")
	}
	if !schemaName.MatchString(c.Schema) {
		return errors.New("postgres: schema must be a lower case identifier")
	}
	if c.MinConns > c.MaxConns {
		return errors.New("postgres: min_conns exceeds max_conns")
	}
	return nil
}
