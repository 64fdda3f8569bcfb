package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("offsets:recompute").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("offsets:recompute").End(boom), boom)

	require.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("offsets:recompute", "success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("offsets:recompute", "failure")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.failures.WithLabelValues("offsets:recompute")), 0)
}

func TestEngineCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveSales("granted", 3)
	m.ObserveSales("granted", 0)
	m.ObserveLimit("UNITS")
	m.ObservePass("GROUP", "succeeded")

	require.InDelta(t, 3, testutil.ToFloat64(m.sales.WithLabelValues("granted")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.limits.WithLabelValues("UNITS")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.passes.WithLabelValues("GROUP", "succeeded")), 0)

	var nilMetrics *Metrics
	nilMetrics.ObserveSales("granted", 1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
