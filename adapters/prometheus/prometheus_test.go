package prometheus

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/es/estests/domain"
	"github.com/codewandler/arque-go/core/ids"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	require.NotNil(t, m)

	// Test store operations
	timer := m.StoreOpDuration("postgres", "save_events")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsAppended("postgres", 5)
	m.StoreRetry("postgres", "save_events", "40001")

	// Test aggregate
	timer = m.ProcessDuration()
	assert.NotNil(t, timer)
	timer.ObserveDuration()
	m.ConcurrencyConflict()
	m.StreamSendFailed("main")

	// Test cache
	m.CacheHit()
	m.CacheMiss()

	// Test snapshots
	timer = m.SnapshotSaveDuration()
	assert.NotNil(t, timer)
	timer.ObserveDuration()
	m.SnapshotSaved(true)
	m.SnapshotSaved(false)
	m.SnapshotDropped()

	m.ProjectionEvent("balances", false, true)
	m.ProjectionEvent("balances", true, true)

	// Verify metrics were registered
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["arque_es_store_op_duration_seconds"])
	assert.True(t, names["arque_es_store_retries_total"])
	assert.True(t, names["arque_es_process_duration_seconds"])
	assert.True(t, names["arque_es_cache_hits_total"])
	assert.True(t, names["arque_es_projection_events_total"])
}

func TestESMetrics_Aggregate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)
	mm := m.(*esMetrics)

	store := es.NewInMemoryStore(es.WithMetrics(m))
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	a := es.NewAggregate(store, nil, domain.Handlers(), ids.NewObjectID().Bytes(), es.WithMetrics(m))
	t.Cleanup(a.Close)

	require.NoError(t, a.Process(t.Context(), domain.Increment(1)))
	require.NoError(t, a.Process(t.Context(), domain.IncrementTwice()))

	assert.Equal(t, 4.0, testutil.ToFloat64(mm.eventsAppended.WithLabelValues("memory")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var processed uint64
	for _, mf := range mfs {
		if mf.GetName() == "arque_es_process_duration_seconds" {
			processed = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(2), processed)
}

func TestRegisterGaugeFunc(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := 3
	RegisterGaugeFunc(reg, "repository_cached_aggregates", "Aggregates held by the repository", prometheus.Labels{"repository": "accounts"}, func() int { return n })

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	require.Equal(t, "arque_repository_cached_aggregates", mfs[0].GetName())
	require.Equal(t, 3.0, mfs[0].GetMetric()[0].GetGauge().GetValue())
}
