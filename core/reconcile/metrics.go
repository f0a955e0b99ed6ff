package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	stateChanges    *prometheus.CounterVec
	unchangedTotal  prometheus.Counter
	debouncedTotal  prometheus.Counter
	persistFailures prometheus.Counter
	unknownReports  prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Counter, prometheus.Counter, prometheus.Counter, prometheus.Counter) {
	chg := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switch_state_changes_total",
			Help: "Committed switch state changes by source",
		},
		[]string{"source"},
	)
	unc := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_observations_unchanged_total",
			Help: "Observations that matched the stored state",
		},
	)
	deb := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_reports_debounced_total",
			Help: "Controller reports held by the debounce window",
		},
	)
	fail := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switch_state_persistence_failures_total",
			Help: "Store updates that failed",
		},
	)
	unk := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_reports_unknown_total",
			Help: "Reports received from unknown controller addresses",
		},
	)
	return chg, unc, deb, fail, unk
}

func init() {
	stateChanges, unchangedTotal, debouncedTotal, persistFailures, unknownReports = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers reconciler metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(stateChanges, unchangedTotal, debouncedTotal, persistFailures, unknownReports)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	stateChanges, unchangedTotal, debouncedTotal, persistFailures, unknownReports = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
