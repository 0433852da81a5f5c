package compaction

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"agentrun/internal/metrics"
)

type fakeCleaner struct {
	calledWith []time.Duration
}

func (f *fakeCleaner) Cleanup(ttl time.Duration) {
	f.calledWith = append(f.calledWith, ttl)
}

func TestRunOnceCleansBothStoresWhenTTLsSet(t *testing.T) {
	runs := &fakeCleaner{}
	procs := &fakeCleaner{}
	c := New(runs, procs, Config{RunTTL: time.Hour, ProcessTTL: time.Minute}, nil)

	c.runOnce()

	assert.Equal(t, []time.Duration{time.Hour}, runs.calledWith)
	assert.Equal(t, []time.Duration{time.Minute}, procs.calledWith)
	assert.False(t, c.LastRun().IsZero())
}

func TestRunOnceSkipsStoreWithZeroTTL(t *testing.T) {
	runs := &fakeCleaner{}
	procs := &fakeCleaner{}
	c := New(runs, procs, Config{RunTTL: time.Hour}, nil)

	c.runOnce()

	assert.Equal(t, []time.Duration{time.Hour}, runs.calledWith)
	assert.Empty(t, procs.calledWith)
}

func TestRunOnceObservesMetricsOnlyForActiveTTLs(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.MustNew(registry)
	runs := &fakeCleaner{}
	procs := &fakeCleaner{}
	c := New(runs, procs, Config{RunTTL: time.Hour}, nil, WithMetrics(m))

	c.runOnce()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CompactionRuns.WithLabelValues("runs")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CompactionRuns.WithLabelValues("processes")))
}
