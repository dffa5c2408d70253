package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one server. Each server has
// its own registry so several can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	openConnections     prometheus.Gauge
	activeSessions      prometheus.Gauge
	connectionsAccepted *prometheus.CounterVec
	connectionsClosed   prometheus.Counter
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	messagesForwarded   prometheus.Counter
	messagesDropped     prometheus.Counter
	directoryErrors     *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jimchat_open_connections",
			Help: "Number of open client connections, registered or not",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jimchat_active_sessions",
			Help: "Number of registered sessions",
		}),
		connectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jimchat_connections_accepted_total",
			Help: "Connections accepted, by transport",
		}, []string{"transport"}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jimchat_connections_closed_total",
			Help: "Connections closed for any reason",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jimchat_envelopes_received_total",
			Help: "Inbound envelopes, by action",
		}, []string{"action"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jimchat_responses_sent_total",
			Help: "Responses sent, by status code",
		}, []string{"code"}),
		messagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jimchat_messages_forwarded_total",
			Help: "Chat messages written to their destination",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jimchat_messages_dropped_total",
			Help: "Chat messages dropped because the destination went away",
		}),
		directoryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jimchat_directory_errors_total",
			Help: "Persistence failures, by operation",
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.openConnections,
		m.activeSessions,
		m.connectionsAccepted,
		m.connectionsClosed,
		m.messagesReceived,
		m.messagesSent,
		m.messagesForwarded,
		m.messagesDropped,
		m.directoryErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordOpenConnections(n int) { m.openConnections.Set(float64(n)) }

func (m *Metrics) RecordActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

func (m *Metrics) RecordConnectionAccepted(transport string) {
	m.connectionsAccepted.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordConnectionClosed() { m.connectionsClosed.Inc() }

func (m *Metrics) RecordMessageReceived(action string) {
	m.messagesReceived.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordResponseSent(code string) { m.messagesSent.WithLabelValues(code).Inc() }

func (m *Metrics) RecordMessageForwarded() { m.messagesForwarded.Inc() }

func (m *Metrics) RecordMessagesDropped(n int) { m.messagesDropped.Add(float64(n)) }

func (m *Metrics) RecordDirectoryError(operation string) {
	m.directoryErrors.WithLabelValues(operation).Inc()
}
