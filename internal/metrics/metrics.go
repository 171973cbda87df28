// Package metrics holds the process's Prometheus collectors. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gnomella"

type Metrics struct {
	registry *prometheus.Registry

	serverState    *prometheus.GaugeVec
	serverStarts   *prometheus.CounterVec
	serverEvents   *prometheus.CounterVec
	players        prometheus.Gauge
	lobbyVisible   prometheus.Gauge
	joinAttempts   *prometheus.CounterVec
	channelErrors  *prometheus.CounterVec
	hubSubscribers prometheus.Gauge
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		serverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "state",
			Help: "1 for the server supervisor's current state, 0 for the others.",
		}, []string{"state"}),
		serverStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "starts_total",
			Help: "Server start attempts by outcome.",
		}, []string{"outcome"}),
		serverEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "events_total",
			Help: "Server events emitted to the client role, by type.",
		}, []string{"type"}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "players",
			Help: "Players connected to the running server.",
		}),
		lobbyVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lobby", Name: "visible",
			Help: "1 while the hosted lobby is visible to friends.",
		}),
		joinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "join_attempts_total",
			Help: "Client join attempts by target kind and result.",
		}, []string{"target", "result"}),
		channelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "send_errors_total",
			Help: "Command channel sends that failed, by role and error kind.",
		}, []string{"role", "kind"}),
		hubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "subscribers",
			Help: "Admin event feed subscribers.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.serverState, m.serverStarts, m.serverEvents, m.players,
		m.lobbyVisible, m.joinAttempts, m.channelErrors, m.hubSubscribers,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetServerState marks state as current among all.
func (m *Metrics) SetServerState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.serverState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ServerStart(outcome string) {
	if m == nil {
		return
	}
	m.serverStarts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ServerEvent(kind string) {
	if m == nil {
		return
	}
	m.serverEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetPlayers(n int) {
	if m == nil {
		return
	}
	m.players.Set(float64(n))
}

func (m *Metrics) SetLobbyVisible(v bool) {
	if m == nil {
		return
	}
	if v {
		m.lobbyVisible.Set(1)
	} else {
		m.lobbyVisible.Set(0)
	}
}

func (m *Metrics) JoinAttempt(target, result string) {
	if m == nil {
		return
	}
	m.joinAttempts.WithLabelValues(target, result).Inc()
}

func (m *Metrics) ChannelError(role, kind string) {
	if m == nil {
		return
	}
	m.channelErrors.WithLabelValues(role, kind).Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.hubSubscribers.Set(float64(n))
}
