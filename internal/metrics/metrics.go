// Package metrics exposes call and relay counters for prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	callsActive  prometheus.Gauge

	relayFrames  *prometheus.CounterVec
	relayMembers prometheus.Gauge
	relayKicks   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicecall",
			Name:      "calls_started_total",
			Help:      "Calls that left idle, by direction.",
		}, []string{"direction"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicecall",
			Name:      "calls_ended_total",
			Help:      "Calls that returned to idle or error, by reason.",
		}, []string{"reason"}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicecall",
			Name:      "calls_active",
			Help:      "Calls currently between start and end.",
		}),
		relayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicecall",
			Name:      "relay_frames_total",
			Help:      "Relayed frames per recipient, by result.",
		}, []string{"result"}),
		relayMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicecall",
			Name:      "relay_members",
			Help:      "Connections currently joined to a room.",
		}),
		relayKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicecall",
			Name:      "relay_kicks_total",
			Help:      "Connections closed by the relay.",
		}),
	}
	m.reg.MustRegister(
		m.callsStarted, m.callsEnded, m.callsActive,
		m.relayFrames, m.relayMembers, m.relayKicks,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) CallStarted(direction string) {
	m.callsStarted.WithLabelValues(direction).Inc()
	m.callsActive.Inc()
}

func (m *Metrics) CallEnded(reason string) {
	m.callsEnded.WithLabelValues(reason).Inc()
	m.callsActive.Dec()
}

func (m *Metrics) FrameRelayed(delivered, dropped int) {
	if delivered > 0 {
		m.relayFrames.WithLabelValues("delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		m.relayFrames.WithLabelValues("dropped").Add(float64(dropped))
	}
}

func (m *Metrics) MemberJoined() { m.relayMembers.Inc() }
func (m *Metrics) MemberLeft()   { m.relayMembers.Dec() }
func (m *Metrics) MemberKicked() { m.relayKicks.Inc() }
