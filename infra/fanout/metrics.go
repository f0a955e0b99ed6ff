package fanout

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge  prometheus.Gauge
	deliveredTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Gauge, *prometheus.CounterVec, *prometheus.CounterVec) {
	sess := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_sessions",
		Help: "Connected websocket sessions",
	})
	del := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_messages_total",
		Help: "Events queued to websocket sessions",
	}, []string{"event_type"})
	drop := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_dropped_total",
		Help: "Events not delivered to a session",
	}, []string{"reason"})
	return sess, del, drop
}

func init() {
	sessionsGauge, deliveredTotal, droppedTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers fanout metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(sessionsGauge, deliveredTotal, droppedTotal)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	sessionsGauge, deliveredTotal, droppedTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
