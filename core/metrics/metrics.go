// Package metrics holds the instrumentation types shared between the event
// sourcing core and metric backends such as the prometheus adapter.
package metrics

// Timer measures one operation:
//
//	defer m.StoreOpDuration("postgres", "save_events").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
