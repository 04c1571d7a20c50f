package prometheus

import (
	"time"

	"github.com/marmos91/rpcgate/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rpcMetrics is the Prometheus implementation of metrics.RPCMetrics.
type rpcMetrics struct {
	callsTotal     *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	callsInFlight  *prometheus.GaugeVec
	sessionsOpened prometheus.Counter
	sessionsClosed prometheus.Counter
}

// NewRPCMetrics creates a new Prometheus-backed RPCMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewRPCMetrics() metrics.RPCMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRPCMetrics()
	}
	return newRPCMetrics(metrics.GetRegistry())
}

func newRPCMetrics(reg prometheus.Registerer) *rpcMetrics {
	return &rpcMetrics{
		callsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcgate_rpc_calls_total",
				Help: "Total number of RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "rpcgate_rpc_call_duration_milliseconds",
				Help: "Duration of RPC calls in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"method"},
		),
		callsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rpcgate_rpc_calls_in_flight",
				Help: "Current number of RPC calls being processed",
			},
			[]string{"method"},
		),
		sessionsOpened: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rpcgate_rpc_sessions_opened_total",
				Help: "Total number of RPC sessions started",
			},
		),
		sessionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rpcgate_rpc_sessions_closed_total",
				Help: "Total number of RPC sessions finished",
			},
		),
	}
}

func (m *rpcMetrics) RecordCall(method string, duration time.Duration, err error) {
	m.callsTotal.WithLabelValues(method, status(err)).Inc()
	m.callDuration.WithLabelValues(method).Observe(float64(duration.Milliseconds()))
}

func (m *rpcMetrics) RecordCallStart(method string) {
	m.callsInFlight.WithLabelValues(method).Inc()
}

func (m *rpcMetrics) RecordCallEnd(method string) {
	m.callsInFlight.WithLabelValues(method).Dec()
}

func (m *rpcMetrics) RecordSessionOpened() {
	m.sessionsOpened.Inc()
}

func (m *rpcMetrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
}
