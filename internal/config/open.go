package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/codewandler/arque-go/adapters/kafka"
	"github.com/codewandler/arque-go/adapters/mongo"
	"github.com/codewandler/arque-go/adapters/nats"
	"github.com/codewandler/arque-go/adapters/postgres"
	"github.com/codewandler/arque-go/adapters/redis"
	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/ports/kv"
)

// Backends holds the adapters selected by a Config, initialized.
type Backends struct {
	Store   es.StoreAdapter
	Stream  es.StreamAdapter
	Routing es.ConfigAdapter

	closers []func(context.Context) error
}

// Open creates and initializes every configured backend. On error the
// backends opened so far are closed again.
func Open(ctx context.Context, cfg Config, log *slog.Logger, metrics es.ESMetrics) (b *Backends, err error) {
	if metrics == nil {
		metrics = es.NopESMetrics()
	}
	b = &Backends{}
	defer func() {
		if err != nil {
			_ = b.Close(context.WithoutCancel(ctx))
			b = nil
		}
	}()

	if b.Store, err = openStore(cfg.Store, log, metrics); err != nil {
		return
	}
	b.closers = append(b.closers, b.Store.Close)
	if err = b.Store.Init(ctx); err != nil {
		return b, fmt.Errorf("init %s store: %w", cfg.Store.Backend, err)
	}

	if b.Stream, err = openStream(cfg.Stream, log); err != nil {
		return
	}
	b.closers = append(b.closers, b.Stream.Close)
	if err = b.Stream.Init(ctx); err != nil {
		return b, fmt.Errorf("init %s stream: %w", cfg.Stream.Backend, err)
	}

	var closeRouting func(context.Context) error
	if b.Routing, closeRouting, err = openRouting(cfg.Routing, log); err != nil {
		return
	}
	b.closers = append(b.closers, closeRouting)
	if err = b.Routing.Init(ctx); err != nil {
		return b, fmt.Errorf("init %s routing: %w", cfg.Routing.Backend, err)
	}

	log.Info(
		"backends opened",
		slog.String("store", cfg.Store.Backend),
		slog.String("stream", cfg.Stream.Backend),
		slog.String("routing", cfg.Routing.Backend),
	)
	return b, nil
}

func openStore(cfg StoreConfig, log *slog.Logger, metrics es.ESMetrics) (es.StoreAdapter, error) {
	switch cfg.Backend {
	case BackendPostgres:
		pc := cfg.Postgres
		pc.Log, pc.Metrics = log, metrics
		return postgres.New(pc)
	case BackendMongo:
		mc := cfg.Mongo
		mc.Log, mc.Metrics = log, metrics
		return mongo.New(mc)
	default:
		return es.NewInMemoryStore(es.WithLog(log), es.WithMetrics(metrics)), nil
	}
}

func openStream(cfg StreamConfig, log *slog.Logger) (es.StreamAdapter, error) {
	switch cfg.Backend {
	case BackendNATS:
		nc := cfg.NATS
		nc.Log = log
		return nats.NewStream(nc)
	case BackendKafka:
		kc := cfg.Kafka
		kc.Log = log
		return kafka.NewStream(kc)
	default:
		return es.NewInMemoryStream(es.WithLog(log)), nil
	}
}

func openRouting(cfg RoutingConfig, log *slog.Logger) (es.ConfigAdapter, func(context.Context) error, error) {
	switch cfg.Backend {
	case BackendRedis:
		rc := cfg.Redis
		rc.Log = log
		if rc.Prefix == "" {
			rc.Prefix = cfg.Prefix
		}
		s := redis.NewConfigStore(rc)
		return s, s.Close, nil
	case BackendNATS:
		kc := cfg.NATS
		kc.Log = log
		store := nats.NewKV(kc)
		return es.NewKVConfig(store, cfg.Prefix), func(context.Context) error {
			store.Close()
			return nil
		}, nil
	default:
		c := es.NewKVConfig(kv.NewMemStore(), cfg.Prefix)
		return c, c.Close, nil
	}
}

// Close closes the backends in reverse opening order.
func (b *Backends) Close(ctx context.Context) error {
	var errs []error
	for _, c := range slices.Backward(b.closers) {
		errs = append(errs, c(ctx))
	}
	b.closers = nil
	return errors.Join(errs...)
}
