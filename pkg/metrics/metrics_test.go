package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type fakeCache struct{ n int }

func (f fakeCache) Stats() (int, error) { return f.n, nil }

func TestCollectorCopiesCacheEntries(t *testing.T) {
	c := NewCollector(fakeCache{n: 7}, 0)
	c.collect()
	assert.Equal(t, float64(7), gaugeValue(t, BinaryCacheEntries))
}

func TestCounterVecLabels(t *testing.T) {
	before := counterValue(t, CompilationsTotal.WithLabelValues("success"))
	CompilationsTotal.WithLabelValues("success").Inc()
	assert.Equal(t, before+1, counterValue(t, CompilationsTotal.WithLabelValues("success")))

	ActionsTotal.WithLabelValues("store", "committed").Inc()
	assert.GreaterOrEqual(t, counterValue(t, ActionsTotal.WithLabelValues("store", "committed")), float64(1))
}
