package sim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dStripe/lib/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func smallWorkload() (common.SimConfig, common.ClientConfig) {
	conf := common.DefaultSimConfig()
	conf.Files = 2
	conf.FilePages = 256
	conf.MaxPages = 48
	conf.Goroutines = 3
	conf.Ops = 200
	conf.FaultRatio = 0.1

	cc := common.DefaultClientConfig()
	cc.Name = "sim"
	cc.Workers = 2
	return conf, cc
}

func TestRunKeepsHierarchyConsistent(t *testing.T) {
	conf, cc := smallWorkload()
	s, err := New(conf, cc)
	require.NoError(t, err)
	require.Len(t, s.Clients(), conf.Clients)
	require.Len(t, s.Targets(), cc.Targets)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(conf.Clients*conf.Goroutines*conf.Ops), res.Ops)
	assert.Positive(t, res.Locks)
	assert.Positive(t, res.Faults)
	assert.Zero(t, res.Quarantined)
	assert.Contains(t, res.String(), "Faults Injected")

	var buf bytes.Buffer
	s.Dump(&buf)
	assert.Contains(t, buf.String(), "client sim-0")
	assert.Contains(t, buf.String(), "client sim-1")
}

func TestRunUntilCanceled(t *testing.T) {
	conf, cc := smallWorkload()
	conf.Ops = 0
	conf.Clients = 1
	s, err := New(conf, cc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Positive(t, res.Ops)
	assert.Zero(t, res.Quarantined)
}

func TestNewRejectsBadWorkload(t *testing.T) {
	conf, cc := smallWorkload()
	conf.WriteRatio = 2
	_, err := New(conf, cc)
	assert.Error(t, err)

	conf, cc = smallWorkload()
	cc.Workers = 0
	_, err = New(conf, cc)
	assert.Error(t, err)
}
