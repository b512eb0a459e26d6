// Package metrics holds the Prometheus collectors of the relay gateway.
// Every method is nil-safe so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pprelay"

type Metrics struct {
	registry *prometheus.Registry

	OnlineUsers     prometheus.Gauge
	Connections     prometheus.Gauge
	PresenceChanges *prometheus.CounterVec
	Routes          *prometheus.CounterVec
	Pushes          *prometheus.CounterVec
	InboundEvents   *prometheus.CounterVec
	OfflineHandoffs *prometheus.CounterVec
	Broadcasts      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Number of users with at least one live connection",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of active websocket sessions",
		}),
		PresenceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_changes_total",
			Help:      "Online/offline transitions by new status",
		}, []string{"status"}),
		Routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Routed envelopes by kind and result",
		}, []string{"kind", "result"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Per-connection push attempts by outcome",
		}, []string{"outcome"}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound websocket events by type and outcome",
		}, []string{"type", "outcome"}),
		OfflineHandoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_handoffs_total",
			Help:      "Envelopes handed to the offline sink by outcome",
		}, []string{"outcome"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_broadcasts_total",
			Help:      "onlineUsers broadcasts sent",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OnlineUsers,
		m.Connections,
		m.PresenceChanges,
		m.Routes,
		m.Pushes,
		m.InboundEvents,
		m.OfflineHandoffs,
		m.Broadcasts,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePresence(status string, online int) {
	if m == nil {
		return
	}
	m.PresenceChanges.WithLabelValues(status).Inc()
	m.OnlineUsers.Set(float64(online))
}

func (m *Metrics) ObserveRoute(kind, result string) {
	if m == nil {
		return
	}
	m.Routes.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObservePush(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Pushes.WithLabelValues("ok").Inc()
		return
	}
	m.Pushes.WithLabelValues("failed").Inc()
}

func (m *Metrics) ObserveInbound(eventType, outcome string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveOffline(outcome string) {
	if m == nil {
		return
	}
	m.OfflineHandoffs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncBroadcast() {
	if m == nil {
		return
	}
	m.Broadcasts.Inc()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}
