package metrics

import "github.com/kilianp07/switchyard/core/factory"

// Config lists the metrics sinks to instantiate.
type Config struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
	// PrometheusAddr is the listen address of the /metrics endpoint. Empty
	// disables the endpoint.
	PrometheusAddr string `json:"prometheus_addr"`
}
