package es

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/codewandler/arque-go/ports/kv"
)

type (
	// StreamConfig routes events of the listed types to the stream ID.
	StreamConfig struct {
		ID     string      `json:"id" yaml:"id"`
		Events []EventType `json:"events" yaml:"events"`
	}

	// ConfigAdapter stores stream routing. FindStreams returns the ids of
	// all streams subscribed to an event type.
	ConfigAdapter interface {
		Init(ctx context.Context) error
		SaveStream(ctx context.Context, cfg StreamConfig) error
		FindStreams(ctx context.Context, t EventType) ([]string, error)
		Close(ctx context.Context) error
	}
)

func (c StreamConfig) Validate() error {
	if c.ID == "" {
		return invalidArgument("stream id is empty")
	}
	return nil
}

// KVConfig keeps stream routing in a kv.Store: one record per stream plus
// one index record per event type listing the streams for that type.
type KVConfig struct {
	store  kv.Store
	prefix string
}

func NewKVConfig(store kv.Store, prefix string) *KVConfig {
	if prefix == "" {
		prefix = "arque"
	}
	return &KVConfig{store: store, prefix: prefix}
}

func (c *KVConfig) streamKey(id string) string { return c.prefix + ".streams." + id }
func (c *KVConfig) typeKey(t EventType) string {
	return c.prefix + ".event_types." + strconv.Itoa(int(t))
}

func (c *KVConfig) Init(context.Context) error  { return nil }
func (c *KVConfig) Close(context.Context) error { return nil }

// SaveStream replaces the event types of cfg.ID and updates the type index.
func (c *KVConfig) SaveStream(ctx context.Context, cfg StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var previous []EventType
	err := kv.Update(ctx, c.store, c.streamKey(cfg.ID), func(cur StreamConfig, exists bool) (StreamConfig, error) {
		previous = cur.Events
		return cfg, nil
	})
	if err != nil {
		return fmt.Errorf("save stream %q: %w", cfg.ID, err)
	}

	for _, t := range previous {
		if slices.Contains(cfg.Events, t) {
			continue
		}
		if err := c.updateIndex(ctx, t, func(ids []string) []string {
			return slices.DeleteFunc(ids, func(id string) bool { return id == cfg.ID })
		}); err != nil {
			return err
		}
	}
	for _, t := range cfg.Events {
		if err := c.updateIndex(ctx, t, func(ids []string) []string {
			if slices.Contains(ids, cfg.ID) {
				return ids
			}
			ids = append(ids, cfg.ID)
			slices.Sort(ids)
			return ids
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *KVConfig) updateIndex(ctx context.Context, t EventType, fn func([]string) []string) error {
	err := kv.Update(ctx, c.store, c.typeKey(t), func(cur []string, _ bool) ([]string, error) {
		return fn(cur), nil
	})
	if err != nil {
		return fmt.Errorf("update stream index for event type %d: %w", t, err)
	}
	return nil
}

func (c *KVConfig) FindStreams(ctx context.Context, t EventType) ([]string, error) {
	ids, err := kv.Get[[]string](ctx, c.store, c.typeKey(t))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

var _ ConfigAdapter = (*KVConfig)(nil)
