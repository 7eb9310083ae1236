// Package config loads runtime configuration from a YAML file overlaid by
// ARQUE_ prefixed environment variables, and opens the configured
// backends.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/codewandler/arque-go/adapters/kafka"
	"github.com/codewandler/arque-go/adapters/mongo"
	"github.com/codewandler/arque-go/adapters/nats"
	"github.com/codewandler/arque-go/adapters/postgres"
	"github.com/codewandler/arque-go/adapters/redis"
)

const EnvPrefix = "ARQUE_"

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendNATS     = "nats"
	BackendKafka    = "kafka"
	BackendRedis    = "redis"
)

type Config struct {
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" envDefault:"text"`

	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Stream  StreamConfig  `yaml:"stream" envPrefix:"STREAM_"`
	Routing RoutingConfig `yaml:"routing" envPrefix:"ROUTING_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

type StoreConfig struct {
	Backend  string          `yaml:"backend" env:"BACKEND" envDefault:"memory"`
	Postgres postgres.Config `yaml:"postgres" envPrefix:"POSTGRES_"`
	Mongo    mongo.Config    `yaml:"mongo" envPrefix:"MONGO_"`
}

type StreamConfig struct {
	Backend string            `yaml:"backend" env:"BACKEND" envDefault:"memory"`
	NATS    nats.StreamConfig `yaml:"nats" envPrefix:"NATS_"`
	Kafka   kafka.Config      `yaml:"kafka" envPrefix:"KAFKA_"`
}

// RoutingConfig selects where the broker finds stream routing.
type RoutingConfig struct {
	Backend string        `yaml:"backend" env:"BACKEND" envDefault:"memory"`
	Prefix  string        `yaml:"prefix" env:"PREFIX" envDefault:"arque"`
	NATS    nats.KVConfig `yaml:"nats" envPrefix:"NATS_"`
	Redis   redis.Config  `yaml:"redis" envPrefix:"REDIS_"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `yaml:"addr" env:"ADDR"`
}

// Load reads path (optional) and applies the environment on top. Values
// resolve as environment, then file, then defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		// second pass without defaults so set variables win over the file
		if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, DefaultValueTagName: "envDefaultDisabled"}); err != nil {
			return cfg, fmt.Errorf("parse env: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown backend %q, want one of %s", field, v, strings.Join(allowed, ", "))
}

func (c Config) Validate() error {
	var errs []error
	errs = append(errs,
		oneOf("store.backend", c.Store.Backend, BackendMemory, BackendPostgres, BackendMongo),
		oneOf("stream.backend", c.Stream.Backend, BackendMemory, BackendNATS, BackendKafka),
		oneOf("routing.backend", c.Routing.Backend, BackendMemory, BackendNATS, BackendRedis),
	)
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Backend {
	case BackendPostgres:
		errs = append(errs, c.Store.Postgres.Validate())
	case BackendMongo:
		errs = append(errs, c.Store.Mongo.Validate())
	}
	if c.Stream.Backend == BackendKafka {
		errs = append(errs, c.Stream.Kafka.Validate())
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Logger builds the process logger.
func (c Config) Logger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
