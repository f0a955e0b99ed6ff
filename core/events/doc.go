// Package events defines the events emitted on the event bus.
//
// Available event types:
//   - ChangeEvent: a sequenced switch state change, consumed by the fanout
//   - PresenceEvent: a controller went online or offline
//   - CommandEvent: outcome of one switch command
//   - LeakEvent: a concurrency counter entry removed by the reaper
package events
