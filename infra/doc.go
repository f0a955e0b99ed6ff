// Package infra holds the adapters that connect the switchyard core to the
// outside world: the MQTT transport, the MongoDB store, the websocket
// fanout, metrics sinks and the zerolog logger. Adapters implement the
// interfaces declared under core.
package infra
