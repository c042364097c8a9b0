// Package metrics defines and registers the Prometheus series witmproxy
// exposes, grounded on the teacher's metrics.go (a struct of
// *prometheus.CounterVec/HistogramVec fields, registered via promauto at
// construction) generalized from Caddy's HTTP-route metrics to this proxy's
// own events: certs minted/evicted, plugin invocation outcomes, and
// dispatch latency per event kind.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/witmproxy/witmproxy/internal/pluginapi"
)

const namespace = "witmproxy"

// Metrics is the set of series this process exposes. A nil *Metrics (the
// zero value obtained without calling New) is never valid; every
// constructor downstream is expected to receive one from New.
type Metrics struct {
	certsMinted    prometheus.Counter
	certsEvicted   prometheus.Counter
	pluginOutcomes *prometheus.CounterVec
	dispatchLat    *prometheus.HistogramVec
}

// New registers and returns a fresh Metrics against reg. Pass
// prometheus.DefaultRegisterer for the process-global registry, or a
// private prometheus.NewRegistry() in tests to avoid duplicate-registration
// panics across test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		certsMinted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certs",
			Name:      "minted_total",
			Help:      "Leaf certificates minted by the CA.",
		}),
		certsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certs",
			Name:      "evicted_total",
			Help:      "Leaf certificates evicted from the cache to make room for a new one.",
		}),
		pluginOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "invocations_total",
			Help:      "Plugin guest invocations by event kind and outcome.",
		}, []string{"event_kind", "outcome"}),
		dispatchLat: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time to dispatch one event through every matching plugin.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_kind"}),
	}
}

// CertMinted increments the certs-minted counter. Wire this as a
// proxycert.MintListener. domain is accepted but not used as a label:
// per-domain cardinality would be unbounded for a proxy that can MITM any
// host a client connects to.
func (m *Metrics) CertMinted(domain string) {
	m.certsMinted.Inc()
}

// CertEvicted increments the certs-evicted counter. Wire this as a
// proxycert.EvictionListener. Same cardinality note as CertMinted.
func (m *Metrics) CertEvicted(domain string) {
	m.certsEvicted.Inc()
}

// PluginOutcome is the label this package attaches to a completed guest
// invocation.
type PluginOutcome string

const (
	OutcomeOK      PluginOutcome = "ok"
	OutcomeSkipped PluginOutcome = "skipped"
	OutcomeFailed  PluginOutcome = "failed"
)

// ObservePluginInvocation records one guest call's outcome for kind. err is
// the invocation error, if any. Every actual invocation is counted here
// before its verdict is known, so a call that returns a Skip verdict is
// counted as ok and is additionally counted by ObservePluginSkipped; a
// selector miss never reaches here.
func (m *Metrics) ObservePluginInvocation(kind pluginapi.EventKind, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	m.pluginOutcomes.WithLabelValues(kind.String(), string(outcome)).Inc()
}

// ObservePluginSkipped records a guest call that declined via a Skip
// verdict, distinct from a runtime failure.
func (m *Metrics) ObservePluginSkipped(kind pluginapi.EventKind) {
	m.pluginOutcomes.WithLabelValues(kind.String(), string(OutcomeSkipped)).Inc()
}

// DispatchTimer starts timing one Dispatch call for kind; call the
// returned func once dispatch returns.
func (m *Metrics) DispatchTimer(kind pluginapi.EventKind) func() {
	start := time.Now()
	return func() {
		m.dispatchLat.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}
}
