// Package metrics defines the observability sinks of the dispatch core.
//
// A Sink records committed switch state changes; optional recorder
// interfaces cover command outcomes, controller presence and counter leaks.
// Sinks are built from configuration through the factory registry and are
// combined with NewMultiSink when several are configured.
package metrics
