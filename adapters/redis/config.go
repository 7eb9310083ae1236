// Package redis keeps stream routing in redis sets.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/codewandler/arque-go/core/es"
)

const defaultMaxTxRetries = 16

type Config struct {
	// Client is used when set; otherwise one is created from Addr.
	Client *redis.Client `yaml:"-"`
	Log    *slog.Logger  `yaml:"-"`

	Addr     string `yaml:"addr" env:"ADDR" envDefault:"localhost:6379"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX" envDefault:"arque"`
	// MaxTxRetries bounds optimistic transaction attempts of SaveStream.
	MaxTxRetries int `yaml:"max_tx_retries" env:"MAX_TX_RETRIES" envDefault:"16"`
}

// ConfigStore is an es.ConfigAdapter. Each stream is a set of event types
// and each event type a set of stream ids; SaveStream updates both in one
// WATCH guarded transaction.
type ConfigStore struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	maxRetries int
	log        *slog.Logger
}

func NewConfigStore(cfg Config) *ConfigStore {
	s := &ConfigStore{
		client:     cfg.Client,
		prefix:     cfg.Prefix,
		maxRetries: cfg.MaxTxRetries,
		log:        cfg.Log,
	}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		s.ownsClient = true
	}
	if s.prefix == "" {
		s.prefix = "arque"
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxTxRetries
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With(slog.String("config_adapter", "redis"))
	return s
}

func (s *ConfigStore) streamKey(id string) string { return s.prefix + ":streams:" + id }
func (s *ConfigStore) typeKey(t es.EventType) string {
	return s.prefix + ":event_types:" + strconv.Itoa(int(t))
}

func (s *ConfigStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (s *ConfigStore) SaveStream(ctx context.Context, cfg es.StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	key := s.streamKey(cfg.ID)

	txf := func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range members {
				t, err := strconv.Atoi(m)
				if err != nil || slices.Contains(cfg.Events, es.EventType(t)) {
					continue
				}
				pipe.SRem(ctx, s.typeKey(es.EventType(t)), cfg.ID)
			}
			pipe.Del(ctx, key)
			if len(cfg.Events) == 0 {
				return nil
			}
			types := make([]any, len(cfg.Events))
			for i, t := range cfg.Events {
				types[i] = strconv.Itoa(int(t))
				pipe.SAdd(ctx, s.typeKey(t), cfg.ID)
			}
			pipe.SAdd(ctx, key, types...)
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			s.log.Debug("stream saved", slog.String("stream", cfg.ID), slog.Int("event_types", len(cfg.Events)))
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("redis: save stream %q: %w", cfg.ID, err)
		}
	}
	return fmt.Errorf("redis: save stream %q: too many concurrent updates", cfg.ID)
}

// FindStreams returns the stream ids for t in lexical order.
func (s *ConfigStore) FindStreams(ctx context.Context, t es.EventType) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.typeKey(t)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: find streams for event type %d: %w", t, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	slices.Sort(ids)
	return ids, nil
}

// Close closes the client when the store created it.
func (s *ConfigStore) Close(context.Context) error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

var _ es.ConfigAdapter = (*ConfigStore)(nil)
