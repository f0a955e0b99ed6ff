// Package transport defines the boundary between the dispatch core and the
// channel used to reach physical controllers.
package transport

import (
	"context"

	"github.com/kilianp07/switchyard/core/model"
)

// Publisher hands commands to the controller transport.
type Publisher interface {
	// Publish hands the command to the transport for the controller at
	// address. true means the transport accepted the message, not that the
	// controller executed it. Implementations fail closed: when disconnected
	// they return false and never panic.
	Publish(ctx context.Context, address string, cmd model.Command) bool
}

// ReportSource delivers asynchronous controller reports.
type ReportSource interface {
	Reports() <-chan model.ControllerReport
}

// Transport is the complete adapter.
type Transport interface {
	Publisher
	ReportSource
}
