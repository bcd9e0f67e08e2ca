// Package metrics exposes prometheus counters for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ChannelNotices *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	TurnsSent      prometheus.Counter
	Diagnostics    *prometheus.CounterVec
	SessionStarts  *prometheus.CounterVec
}

// New registers all collectors on a private registry so tests and multiple
// engines never collide on the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ChannelNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairo",
			Subsystem: "channel",
			Name:      "notices_total",
			Help:      "Channel lifecycle notices by kind.",
		}, []string{"kind"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairo",
			Subsystem: "assembler",
			Name:      "anomalies_total",
			Help:      "Protocol anomalies absorbed by the stream assembler.",
		}, []string{"anomaly"}),
		TurnsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kairo",
			Subsystem: "dispatch",
			Name:      "turns_sent_total",
			Help:      "Outbound send-turn frames written to the channel.",
		}),
		Diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairo",
			Name:      "diagnostics_total",
			Help:      "User-visible system records by source.",
		}, []string{"source"}),
		SessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairo",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Session starts by outcome (new, resumed, failed).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.ChannelNotices, m.Anomalies, m.TurnsSent, m.Diagnostics, m.SessionStarts)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
