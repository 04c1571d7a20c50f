package prometheus

import (
	"github.com/marmos91/rpcgate/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics is the Prometheus implementation of metrics.ServerMetrics.
type serverMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	connectionsClosed   prometheus.Counter
	activeConnections   prometheus.Gauge
	handlerFailures     *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	childrenReaped      prometheus.Counter
	registrations       *prometheus.CounterVec
}

// NewServerMetrics creates a new Prometheus-backed ServerMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewServerMetrics() metrics.ServerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopServerMetrics()
	}
	return newServerMetrics(metrics.GetRegistry())
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	return &serverMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rpcgate_connections_accepted_total",
				Help: "Total number of connections accepted",
			},
		),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcgate_connections_rejected_total",
				Help: "Total number of connections closed without being served, by reason",
			},
			[]string{"reason"},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rpcgate_connections_closed_total",
				Help: "Total number of connections released",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "rpcgate_active_connections",
				Help: "Current number of tracked client connections",
			},
		),
		handlerFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcgate_handler_failures_total",
				Help: "Total number of failed connection pipelines, by strategy",
			},
			[]string{"strategy"},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "rpcgate_pool_queue_depth",
				Help: "Connections waiting for a pool worker",
			},
		),
		childrenReaped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rpcgate_children_reaped_total",
				Help: "Total number of forked connection handlers reaped",
			},
		),
		registrations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpcgate_registry_calls_total",
				Help: "Total number of service registry calls, by operation and status",
			},
			[]string{"op", "status"},
		),
	}
}

func (m *serverMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *serverMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *serverMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *serverMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *serverMetrics) RecordHandlerFailure(strategy string) {
	m.handlerFailures.WithLabelValues(strategy).Inc()
}

func (m *serverMetrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *serverMetrics) RecordChildrenReaped(n int) {
	m.childrenReaped.Add(float64(n))
}

func (m *serverMetrics) RecordRegistration(op string, err error) {
	m.registrations.WithLabelValues(op, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
