package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "sockfeed"

// Metrics holds the Prometheus collectors shared by the server and client
// components. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	RejectedTotal     prometheus.Counter
	BroadcastsTotal   *prometheus.CounterVec
	BroadcastErrors   *prometheus.CounterVec
	ReceivedTotal     prometheus.Counter
	RenderedTotal     *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "active_connections",
			Help:      "Number of connected clients.",
		}, []string{"transport"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Total number of accepted client connections.",
		}, []string{"transport"}),
		RejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "rejected_connections_total",
			Help:      "Connections rejected by the accept rate limiter.",
		}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "broadcasts_total",
			Help:      "Envelopes handed to the transport, by broadcast type.",
		}, []string{"type"}),
		BroadcastErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "broadcast_errors_total",
			Help:      "Envelopes the transport failed to accept, by broadcast type.",
		}, []string{"type"}),
		ReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "received_messages_total",
			Help:      "Messages received from duplex clients.",
		}),
		RenderedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "records_total",
			Help:      "Records placed into the document, by classification.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.RejectedTotal,
		m.BroadcastsTotal,
		m.BroadcastErrors,
		m.ReceivedTotal,
		m.RenderedTotal,
	)
	return m
}

func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(transport).Inc()
	m.ConnectionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(transport).Dec()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.RejectedTotal.Inc()
}

// Broadcast records one envelope handed to the transport. A non-nil err
// counts as a failed write.
func (m *Metrics) Broadcast(broadcastType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BroadcastErrors.WithLabelValues(broadcastType).Inc()
		return
	}
	m.BroadcastsTotal.WithLabelValues(broadcastType).Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.ReceivedTotal.Inc()
}

func (m *Metrics) Rendered(renderType string) {
	if m == nil {
		return
	}
	m.RenderedTotal.WithLabelValues(renderType).Inc()
}
