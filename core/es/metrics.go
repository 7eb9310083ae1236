package es

import "github.com/codewandler/arque-go/core/metrics"

// ESMetrics defines the metrics interface for the event sourcing core.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Store operations
	StoreOpDuration(store, op string) metrics.Timer
	EventsAppended(store string, count int)
	StoreRetry(store, op, code string)

	// Aggregate
	ProcessDuration() metrics.Timer
	ConcurrencyConflict()
	StreamSendFailed(stream string)

	// Repository cache
	CacheHit()
	CacheMiss()

	// Snapshots
	SnapshotSaveDuration() metrics.Timer
	SnapshotSaved(success bool)
	SnapshotDropped()

	// Projections
	ProjectionEvent(projection string, skipped bool, success bool)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreOpDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)                   {}
func (nopESMetrics) StoreRetry(string, string, string)            {}

func (nopESMetrics) ProcessDuration() metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict()           {}
func (nopESMetrics) StreamSendFailed(string)        {}

func (nopESMetrics) CacheHit()  {}
func (nopESMetrics) CacheMiss() {}

func (nopESMetrics) SnapshotSaveDuration() metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaved(bool)                  {}
func (nopESMetrics) SnapshotDropped()                    {}

func (nopESMetrics) ProjectionEvent(string, bool, bool) {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }
