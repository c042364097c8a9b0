package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witmproxy/witmproxy/internal/pluginapi"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
	}
	return total
}

func TestCertMintedAndEvictedIncrement(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CertMinted("example.com")
	m.CertMinted("other.example")
	m.CertEvicted("example.com")

	assert.Equal(t, float64(2), counterValue(t, m.certsMinted))
	assert.Equal(t, float64(1), counterValue(t, m.certsEvicted))
}

func TestObservePluginInvocationLabelsOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePluginInvocation(pluginapi.EventRequest, nil)
	m.ObservePluginInvocation(pluginapi.EventRequest, assert.AnError)
	m.ObservePluginSkipped(pluginapi.EventResponse)

	assert.Equal(t, float64(1), counterValue(t, m.pluginOutcomes.WithLabelValues("request", "ok")))
	assert.Equal(t, float64(1), counterValue(t, m.pluginOutcomes.WithLabelValues("request", "failed")))
	assert.Equal(t, float64(1), counterValue(t, m.pluginOutcomes.WithLabelValues("response", "skipped")))
}

func TestDispatchTimerRecordsAnObservation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	stop := m.DispatchTimer(pluginapi.EventConnect)
	stop()

	ch := make(chan prometheus.Metric, 1)
	m.dispatchLat.WithLabelValues("connect").(prometheus.Histogram).Collect(ch)
	close(ch)
	var pb dto.Metric
	require.NoError(t, (<-ch).Write(&pb))
	assert.EqualValues(t, 1, pb.Histogram.GetSampleCount())
}
