package metrics

import (
	"time"

	"github.com/kilianp07/switchyard/core/model"
)

// StateChange is one committed switch state change.
type StateChange struct {
	ControllerID string
	Classroom    string
	SwitchID     string
	State        bool
	Sequence     uint64
	Source       model.Source
	Time         time.Time
}

// Sink records state changes for observability purposes.
type Sink interface {
	RecordStateChange(ev StateChange) error
}

// CommandResult is the outcome of one switch command.
type CommandResult struct {
	ControllerID string
	SwitchID     string
	BatchID      string
	State        bool
	Success      bool
	Kind         string
	Attempts     int
	Latency      time.Duration
	Time         time.Time
}

// CommandRecorder records command outcomes.
type CommandRecorder interface {
	RecordCommand(ev CommandResult) error
}

// Presence is a controller connectivity transition.
type Presence struct {
	ControllerID string
	Classroom    string
	Online       bool
	Time         time.Time
}

// PresenceRecorder records presence transitions.
type PresenceRecorder interface {
	RecordPresence(ev Presence) error
}

// Leak is a concurrency counter entry removed by the reaper.
type Leak struct {
	ControllerID string
	Count        int
	Time         time.Time
}

// LeakRecorder records reaped counter entries.
type LeakRecorder interface {
	RecordLeak(ev Leak) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordStateChange(StateChange) error { return nil }
func (NopSink) RecordCommand(CommandResult) error   { return nil }
func (NopSink) RecordPresence(Presence) error       { return nil }
func (NopSink) RecordLeak(Leak) error               { return nil }

// MultiSink fans records out to several sinks.
type MultiSink struct {
	Sinks []Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordStateChange forwards to all sinks, returning the first error.
func (m *MultiSink) RecordStateChange(ev StateChange) error {
	for _, s := range m.Sinks {
		if err := s.RecordStateChange(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordCommand forwards to sinks implementing CommandRecorder.
func (m *MultiSink) RecordCommand(ev CommandResult) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(CommandRecorder); ok {
			if err := rec.RecordCommand(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordPresence forwards to sinks implementing PresenceRecorder.
func (m *MultiSink) RecordPresence(ev Presence) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(PresenceRecorder); ok {
			if err := rec.RecordPresence(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordLeak forwards to sinks implementing LeakRecorder.
func (m *MultiSink) RecordLeak(ev Leak) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(LeakRecorder); ok {
			if err := rec.RecordLeak(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
