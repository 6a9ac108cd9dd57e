package proxy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsRecorder wraps the process's Prometheus counters. It is
// optional: a nil *metricsRecorder is never dereferenced by callers,
// which all guard on it being non-nil, mirroring the atomic-bool-gated
// opt-in pattern used for telemetry elsewhere in the ecosystem.
type metricsRecorder struct {
	proxiedTotal   prometheus.Counter
	chaosApplied   *prometheus.CounterVec
	upstreamStatus *prometheus.CounterVec
	wsSubscribers  prometheus.Gauge
}

// newMetricsRecorder constructs and registers the proxy's counters
// against reg. Call once at startup.
func newMetricsRecorder(reg prometheus.Registerer) *metricsRecorder {
	m := &metricsRecorder{
		proxiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chaosproxy_proxied_requests_total",
			Help: "Total requests received on the proxy surface.",
		}),
		chaosApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chaosproxy_chaos_applied_total",
			Help: "Requests where a chaos rule matched, by chaos type.",
		}, []string{"chaos_type"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chaosproxy_upstream_responses_total",
			Help: "Upstream responses received, by status code.",
		}, []string{"status"}),
		wsSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chaosproxy_ws_subscribers",
			Help: "Currently connected websocket log subscribers.",
		}),
	}
	reg.MustRegister(m.proxiedTotal, m.chaosApplied, m.upstreamStatus, m.wsSubscribers)
	return m
}

func (m *metricsRecorder) observeProxied() {
	m.proxiedTotal.Inc()
}

func (m *metricsRecorder) observeChaos(t ChaosType) {
	m.chaosApplied.WithLabelValues(string(t)).Inc()
}

func (m *metricsRecorder) observeUpstream(status int) {
	m.upstreamStatus.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *metricsRecorder) setWSSubscribers(n int) {
	m.wsSubscribers.Set(float64(n))
}
