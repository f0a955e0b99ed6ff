package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/switchyard/core/metrics"
)

// PromSink exposes the last known switch and controller state as gauges.
type PromSink struct {
	state    *prometheus.GaugeVec
	sequence *prometheus.GaugeVec
	online   *prometheus.GaugeVec
	commands *prometheus.CounterVec
}

var (
	_ coremetrics.Sink             = (*PromSink)(nil)
	_ coremetrics.PresenceRecorder = (*PromSink)(nil)
	_ coremetrics.CommandRecorder  = (*PromSink)(nil)
)

// NewPromSink registers the gauges on the default Prometheus registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers the gauges on reg. A nil registerer
// defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	state, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switch_state",
		Help: "Last committed switch state (1 on, 0 off)",
	}, []string{"controller_id", "classroom", "switch_id"}))
	if err != nil {
		return nil, err
	}
	sequence, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controller_sequence",
		Help: "Last committed change sequence per controller",
	}, []string{"controller_id"}))
	if err != nil {
		return nil, err
	}
	online, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controller_online",
		Help: "Controller connectivity (1 online, 0 offline)",
	}, []string{"controller_id", "classroom"}))
	if err != nil {
		return nil, err
	}
	commands, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_commands_total",
		Help: "Switch commands per controller and outcome",
	}, []string{"controller_id", "success"}))
	if err != nil {
		return nil, err
	}
	return &PromSink{state: state, sequence: sequence, online: online, commands: commands}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RecordStateChange sets the switch gauge and the controller sequence.
func (s *PromSink) RecordStateChange(ev coremetrics.StateChange) error {
	s.state.WithLabelValues(ev.ControllerID, ev.Classroom, ev.SwitchID).Set(boolGauge(ev.State))
	s.sequence.WithLabelValues(ev.ControllerID).Set(float64(ev.Sequence))
	return nil
}

// RecordPresence sets the controller connectivity gauge.
func (s *PromSink) RecordPresence(ev coremetrics.Presence) error {
	s.online.WithLabelValues(ev.ControllerID, ev.Classroom).Set(boolGauge(ev.Online))
	return nil
}

// RecordCommand counts command outcomes per controller.
func (s *PromSink) RecordCommand(ev coremetrics.CommandResult) error {
	success := "false"
	if ev.Success {
		success = "true"
	}
	s.commands.WithLabelValues(ev.ControllerID, success).Inc()
	return nil
}
