package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeOpDuration *prometheus.HistogramVec
	eventsAppended  *prometheus.CounterVec
	storeRetries    *prometheus.CounterVec

	// Aggregate metrics
	processDuration      prometheus.Histogram
	concurrencyConflicts prometheus.Counter
	streamSendFailures   *prometheus.CounterVec

	// Repository cache metrics
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// Snapshot metrics
	snapshotSaveDuration prometheus.Histogram
	snapshotsSaved       *prometheus.CounterVec
	snapshotsDropped     prometheus.Counter

	projectionEvents *prometheus.CounterVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arque_es_store_op_duration_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"store", "op"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arque_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"store"}),

		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arque_es_store_retries_total",
			Help: "Total number of retried store operations by error code",
		}, []string{"store", "op", "code"}),

		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arque_es_process_duration_seconds",
			Help:    "Command processing latency in seconds, retries included",
			Buckets: defaultBuckets,
		}),

		concurrencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arque_es_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}),

		streamSendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arque_es_stream_send_failures_total",
			Help: "Total number of failed stream publications",
		}, []string{"stream"}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arque_es_cache_hits_total",
			Help: "Total number of repository cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arque_es_cache_misses_total",
			Help: "Total number of repository cache misses",
		}),

		snapshotSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arque_es_snapshot_save_duration_seconds",
			Help:    "Snapshot write latency in seconds",
			Buckets: defaultBuckets,
		}),

		snapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arque_es_snapshots_saved_total",
			Help: "Total number of snapshot writes",
		}, []string{"success"}),

		snapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arque_es_snapshots_dropped_total",
			Help: "Total number of snapshots dropped because the queue was full",
		}),

		projectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arque_es_projection_events_total",
			Help: "Total number of events seen by projections",
		}, []string{"projection", "skipped", "success"}),
	}

	reg.MustRegister(
		m.storeOpDuration,
		m.eventsAppended,
		m.storeRetries,
		m.processDuration,
		m.concurrencyConflicts,
		m.streamSendFailures,
		m.cacheHits,
		m.cacheMisses,
		m.snapshotSaveDuration,
		m.snapshotsSaved,
		m.snapshotsDropped,
		m.projectionEvents,
	)

	return m
}

func (m *esMetrics) StoreOpDuration(store, op string) metrics.Timer {
	return newTimer(m.storeOpDuration.WithLabelValues(store, op))
}

func (m *esMetrics) EventsAppended(store string, count int) {
	m.eventsAppended.WithLabelValues(store).Add(float64(count))
}

func (m *esMetrics) StoreRetry(store, op, code string) {
	m.storeRetries.WithLabelValues(store, op, code).Inc()
}

func (m *esMetrics) ProcessDuration() metrics.Timer { return newTimer(m.processDuration) }
func (m *esMetrics) ConcurrencyConflict()           { m.concurrencyConflicts.Inc() }

func (m *esMetrics) StreamSendFailed(stream string) {
	m.streamSendFailures.WithLabelValues(stream).Inc()
}

func (m *esMetrics) CacheHit()  { m.cacheHits.Inc() }
func (m *esMetrics) CacheMiss() { m.cacheMisses.Inc() }

func (m *esMetrics) SnapshotSaveDuration() metrics.Timer { return newTimer(m.snapshotSaveDuration) }
func (m *esMetrics) SnapshotSaved(success bool)          { m.snapshotsSaved.WithLabelValues(boolToStr(success)).Inc() }
func (m *esMetrics) SnapshotDropped()                    { m.snapshotsDropped.Inc() }

func (m *esMetrics) ProjectionEvent(projection string, skipped bool, success bool) {
	m.projectionEvents.WithLabelValues(projection, boolToStr(skipped), boolToStr(success)).Inc()
}

var _ es.ESMetrics = (*esMetrics)(nil)
