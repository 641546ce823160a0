package lov

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientMetricsCarryLabel(t *testing.T) {
	m := NewClientMetrics("a")
	m.demotions.Inc()
	m.fatal.Add(2)

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `dstripe_lov_cached_demotions_total{client="a"} 1`)
	assert.Contains(t, buf.String(), `dstripe_lov_invariant_failures_total{client="a"} 2`)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.Demotions)
	assert.Equal(t, uint64(2), snap.Fatal)
	assert.Zero(t, NewMetrics().Snapshot().Demotions)
}
