package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledMetricsDiscardSamples(t *testing.T) {
	registry = nil

	assert.Equal(t, NoopStat{}, NewCounterVec("ops_total", "ops", []string{"op"}).With("sync_event"))
	assert.Equal(t, NoopStat{}, NewGaugeVec("lag_seconds", "lag", []string{"origin"}).With("n1"))
	assert.Equal(t, NoopStat{}, NewHistogramVec("op_seconds", "op", []string{"op"}, RemoteOpBuckets).With("sync_event"))
	assert.Equal(t, NoopStat{}, NewGauge("step", "step"))
	assert.Nil(t, GetMetricsHandler())

	// must not panic
	NewCounter("runs_total", "runs").Inc()
	NewHistogramWithBuckets("wait_seconds", "wait", BarrierBuckets).Observe(1)
}

func TestLabeledMetricsUseConstLabels(t *testing.T) {
	InitializeTelemetry(true, "n9")
	t.Cleanup(func() { registry = nil })

	runs := NewCounterVec("test_runs_total", "runs", []string{"result"})
	runs.With("success").Inc()
	runs.With("success").Inc()
	runs.With("failed").Inc()

	counter, ok := runs.With("success").(prometheus.Collector)
	require.True(t, ok)
	assert.Equal(t, float64(2), testutil.ToFloat64(counter))

	families, err := registry.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() != "meshjoin_test_runs_total" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 2)
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			assert.Equal(t, "n9", labels["new_node"])
		}
	}
	assert.True(t, found)
}
