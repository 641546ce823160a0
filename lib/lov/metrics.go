package lov

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics counts what the coordinator does. Every arena owns its own set so
// several arenas (and tests) never share counters.
type Metrics struct {
	set *metrics.Set

	statePasses     *metrics.Counter
	stateRestarts   *metrics.Counter
	errorsDelivered *metrics.Counter
	modifies        *metrics.Counter
	deleteRestarts  *metrics.Counter
	demotions       *metrics.Counter
	topTeardowns    *metrics.Counter
	unuseRaces      *metrics.Counter
	fatal           *metrics.Counter
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	StatePasses     uint64 `json:"state_passes"`
	StateRestarts   uint64 `json:"state_restarts"`
	ErrorsDelivered uint64 `json:"errors_delivered"`
	Modifies        uint64 `json:"modifies"`
	DeleteRestarts  uint64 `json:"delete_restarts"`
	Demotions       uint64 `json:"demotions"`
	TopTeardowns    uint64 `json:"top_teardowns"`
	UnuseRaces      uint64 `json:"unuse_races"`
	Fatal           uint64 `json:"fatal"`
}

// NewMetrics creates a fresh counter set.
func NewMetrics() *Metrics {
	return newMetrics("")
}

// NewClientMetrics creates a fresh counter set whose series carry a client
// label, so the sets of several clients can be exported side by side.
func NewClientMetrics(client string) *Metrics {
	return newMetrics(fmt.Sprintf("{client=%q}", client))
}

func newMetrics(labels string) *Metrics {
	s := metrics.NewSet()
	counter := func(name string) *metrics.Counter {
		return s.NewCounter(name + labels)
	}
	return &Metrics{
		set:             s,
		statePasses:     counter("dstripe_lovsub_state_passes_total"),
		stateRestarts:   counter("dstripe_lovsub_state_restarts_total"),
		errorsDelivered: counter("dstripe_lovsub_errors_delivered_total"),
		modifies:        counter("dstripe_lovsub_modifies_total"),
		deleteRestarts:  counter("dstripe_lovsub_delete_restarts_total"),
		demotions:       counter("dstripe_lov_cached_demotions_total"),
		topTeardowns:    counter("dstripe_lov_top_teardowns_total"),
		unuseRaces:      counter("dstripe_lov_unuse_races_total"),
		fatal:           counter("dstripe_lov_invariant_failures_total"),
	}
}

// WritePrometheus writes all counters in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		StatePasses:     m.statePasses.Get(),
		StateRestarts:   m.stateRestarts.Get(),
		ErrorsDelivered: m.errorsDelivered.Get(),
		Modifies:        m.modifies.Get(),
		DeleteRestarts:  m.deleteRestarts.Get(),
		Demotions:       m.demotions.Get(),
		TopTeardowns:    m.topTeardowns.Get(),
		UnuseRaces:      m.unuseRaces.Get(),
		Fatal:           m.fatal.Get(),
	}
}
