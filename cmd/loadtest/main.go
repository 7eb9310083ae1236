// Command loadtest drives commands against the backends selected by the
// configuration and reports throughput.
//
//	ARQUE_STORE_BACKEND=postgres ARQUE_STORE_POSTGRES_URI=postgres://... loadtest -config arque.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc/pool"

	promadapter "github.com/codewandler/arque-go/adapters/prometheus"
	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
	"github.com/codewandler/arque-go/internal/config"
)

// Settings of the run itself, read from ARQUE_LOADTEST_*.
type Settings struct {
	N                int           `env:"N" envDefault:"50000"`
	Aggregates       int           `env:"AGGREGATES" envDefault:"100"`
	Workers          int           `env:"WORKERS" envDefault:"16"`
	BatchSize        int           `env:"BATCH" envDefault:"1000"`
	SnapshotInterval es.Version    `env:"SNAPSHOT_INTERVAL" envDefault:"100"`
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"120s"`
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "loadtest:", err)
		os.Exit(1)
	}
}

func loadSettings() (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Prefix: config.EnvPrefix + "LOADTEST_"}); err != nil {
		return s, fmt.Errorf("loadtest settings: %w", err)
	}
	return s, nil
}

func newUserRepository(store es.StoreAdapter, stream es.StreamAdapter, s Settings, log *slog.Logger, metrics es.ESMetrics) *es.Repository[User] {
	return es.NewRepository(
		store, stream, userHandlers(),
		es.WithLog(log),
		es.WithMetrics(metrics),
		es.WithRepoCacheSize(s.Aggregates),
		es.WithAggregateOpts(es.WithSnapshotInterval(s.SnapshotInterval)),
	)
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := promadapter.NewESMetrics(reg)
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, log)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	backends, err := config.Open(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(context.Background()); err != nil {
			log.Error("failed to close backends", slog.Any("error", err))
		}
	}()

	repo := newUserRepository(backends.Store, backends.Stream, settings, log, metrics)
	defer repo.Close()
	promadapter.RegisterGaugeFunc(reg, "repository_cached_aggregates", "Aggregates held by the repository", nil, repo.Cached)

	users := make([]es.AggregateID, settings.Aggregates)
	for i := range users {
		users[i] = ids.NewObjectID().Bytes()
	}

	fmt.Printf("store: %s | stream: %s | commands: %d | aggregates: %d | workers: %d\n",
		cfg.Store.Backend, cfg.Stream.Backend, settings.N, settings.Aggregates, settings.Workers)

	var (
		done     atomic.Int64
		startAt  = time.Now()
		progress = &reporter{batch: settings.BatchSize, last: startAt}
		p        = pool.New().WithMaxGoroutines(settings.Workers).WithContext(ctx).WithCancelOnError()
	)
	for i := range settings.N {
		p.Go(func(ctx context.Context) error {
			id := users[i%len(users)]
			if err := repo.Process(ctx, id, changeEmail(fmt.Sprintf("user@host-%d.com", i))); err != nil {
				return fmt.Errorf("command %d: %w", i, err)
			}

			progress.done(done.Add(1))
			return nil
		})
	}
	runErr := p.Wait()

	took := time.Since(startAt)
	runtime.GC()

	fmt.Println("==========================================")
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("     commands: %d\n", done.Load())
	fmt.Printf("  avg. cmds/s: %d\n", int(float64(done.Load())/took.Seconds()))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	log.Info("serving metrics", slog.String("addr", addr))
	return srv
}

// === stats helpers ===

type reporter struct {
	mu    sync.Mutex
	batch int
	last  time.Time
}

func (r *reporter) done(n int64) {
	if n%int64(r.batch) != 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	took := now.Sub(r.last)
	r.last = now
	mu := getMemUsage()
	fmt.Printf(" | %7d commands | %6d ms | %7d commands/s | (%d / %d) MiB mem (sys) |\n",
		n, took.Milliseconds(), int(float64(r.batch)/took.Seconds()),
		mu.Alloc/1024/1024, mu.Sys/1024/1024)
}

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}
