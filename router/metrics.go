package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the router's Prometheus instruments.
type metrics struct {
	endpoints   prometheus.Gauge
	names       prometheus.Gauge
	sessions    prometheus.Gauge
	sessionless prometheus.Gauge
	messages    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	ret := &metrics{
		endpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alljoyn",
			Subsystem: "router",
			Name:      "endpoints",
			Help:      "Connected bus attachments.",
		}),
		names: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alljoyn",
			Subsystem: "router",
			Name:      "well_known_names",
			Help:      "Owned well-known names.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alljoyn",
			Subsystem: "router",
			Name:      "sessions",
			Help:      "Active sessions.",
		}),
		sessionless: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alljoyn",
			Subsystem: "router",
			Name:      "sessionless_signals",
			Help:      "Stored sessionless signals.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alljoyn",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages routed, by message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alljoyn",
			Subsystem: "router",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(ret.endpoints, ret.names, ret.sessions, ret.sessionless, ret.messages, ret.dropped)
	}
	return ret
}
