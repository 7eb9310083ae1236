// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the event sourcing core.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/arque-go/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RegisterGaugeFunc exposes fn as arque_<name>. It is used for values the
// core keeps itself, such as the number of cached aggregates of a
// repository or the snapshot queue length.
func RegisterGaugeFunc(reg prometheus.Registerer, name, help string, labels prometheus.Labels, fn func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "arque_" + name,
		Help:        help,
		ConstLabels: labels,
	}, func() float64 { return float64(fn()) }))
}
