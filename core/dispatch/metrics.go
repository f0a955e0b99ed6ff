package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	commandsTotal   *prometheus.CounterVec
	publishAttempts *prometheus.CounterVec
	commandLatency  prometheus.Histogram
	batchesTotal    prometheus.Counter
	deferralsTotal  prometheus.Counter
	inFlight        prometheus.Gauge
	leaksTotal      prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Histogram, prometheus.Counter, prometheus.Counter, prometheus.Gauge, prometheus.Counter) {
	cmd := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_commands_total",
			Help: "Switch commands by outcome and failure kind",
		},
		[]string{"outcome", "kind"},
	)
	att := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_publish_attempts_total",
			Help: "Transport publish attempts by result",
		},
		[]string{"result"},
	)
	lat := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switch_command_latency_seconds",
			Help:    "Time from batch start to command resolution",
			Buckets: prometheus.DefBuckets,
		},
	)
	bat := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_batches_total",
			Help: "Number of batches executed",
		},
	)
	def := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_command_deferrals_total",
			Help: "Number of times a command waited for controller capacity",
		},
	)
	inf := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switch_commands_in_flight",
			Help: "Commands currently holding a controller slot",
		},
	)
	leak := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_counter_leaks_total",
			Help: "Concurrency counter slots removed by the reaper",
		},
	)
	return cmd, att, lat, bat, def, inf, leak
}

func init() {
	commandsTotal, publishAttempts, commandLatency, batchesTotal, deferralsTotal, inFlight, leaksTotal = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(commandsTotal, publishAttempts, commandLatency, batchesTotal, deferralsTotal, inFlight, leaksTotal)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	commandsTotal, publishAttempts, commandLatency, batchesTotal, deferralsTotal, inFlight, leaksTotal = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
