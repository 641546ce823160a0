package client

import (
	"fmt"
	"io"
	"sort"

	"github.com/ValentinKolb/dStripe/lib/target"
	"github.com/rcrowley/go-metrics"
)

// Stats collects client side statistics in a go-metrics registry.
type Stats struct {
	registry metrics.Registry

	locks       metrics.Counter
	unlocks     metrics.Counter
	cacheHits   metrics.Counter
	lockErrors  metrics.Counter
	quarantines metrics.Counter
	fatal       metrics.Counter
	shrunk      metrics.Counter
	events      map[target.EventKind]metrics.Counter

	lockLatency  metrics.Histogram // microseconds
	eventLatency metrics.Histogram // microseconds
}

func newStats() *Stats {
	s := &Stats{
		registry:     metrics.NewRegistry(),
		events:       make(map[target.EventKind]metrics.Counter),
		lockLatency:  metrics.NewHistogram(metrics.NewUniformSample(1028)),
		eventLatency: metrics.NewHistogram(metrics.NewUniformSample(1028)),
	}
	s.locks = s.counter("locks")
	s.unlocks = s.counter("unlocks")
	s.cacheHits = s.counter("cache_hits")
	s.lockErrors = s.counter("lock_errors")
	s.quarantines = s.counter("quarantines")
	s.fatal = s.counter("fatal")
	s.shrunk = s.counter("shrunk")
	for _, k := range []target.EventKind{target.EventRevoked, target.EventEvicted, target.EventModified, target.EventFailed} {
		s.events[k] = s.counter("events." + k.String())
	}
	s.mustRegister("lock_latency_us", s.lockLatency)
	s.mustRegister("event_latency_us", s.eventLatency)
	return s
}

func (s *Stats) counter(name string) metrics.Counter {
	c := metrics.NewCounter()
	s.mustRegister(name, c)
	return c
}

// mustRegister adds m under name and panics if the name is taken.
func (s *Stats) mustRegister(name string, m interface{}) {
	if err := s.registry.Register(name, m); err != nil {
		panic(fmt.Sprintf("registering client metric %q: %v", name, err))
	}
}

func (s *Stats) event(k target.EventKind) {
	if c, ok := s.events[k]; ok {
		c.Inc(1)
	}
}

// Registry returns the underlying registry.
func (s *Stats) Registry() metrics.Registry { return s.registry }

// Counters returns the value of every counter by name.
func (s *Stats) Counters() map[string]int64 {
	res := make(map[string]int64)
	s.registry.Each(func(name string, m interface{}) {
		if c, ok := m.(metrics.Counter); ok {
			res[name] = c.Count()
		}
	})
	return res
}

// Counter returns the value of a single counter, 0 if it does not exist.
func (s *Stats) Counter(name string) int64 {
	return s.Counters()[name]
}

// Write prints all counters and latency summaries, one per line.
func (s *Stats) Write(w io.Writer) {
	counters := s.Counters()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%-22s %d\n", name, counters[name])
	}
	for _, h := range []struct {
		name string
		h    metrics.Histogram
	}{{"lock_latency_us", s.lockLatency}, {"event_latency_us", s.eventLatency}} {
		snap := h.h.Snapshot()
		ps := snap.Percentiles([]float64{0.5, 0.99})
		_, _ = fmt.Fprintf(w, "%-22s n=%d mean=%.1f p50=%.0f p99=%.0f max=%d\n",
			h.name, snap.Count(), snap.Mean(), ps[0], ps[1], snap.Max())
	}
}
