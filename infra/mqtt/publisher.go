package mqtt

import (
	"context"
	"sync"

	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/core/transport"
)

// Transport mirrors the core transport.Transport interface.
type Transport = transport.Transport

// MockTransport is an in-memory transport used in tests and the dry-run
// mode of the CLI.
type MockTransport struct {
	Sent       []model.Command
	FailAddrs  map[string]bool
	AutoReport bool

	mu      sync.Mutex
	reports chan model.ControllerReport
}

// NewMockTransport creates a MockTransport. With autoReport set, every
// accepted command is echoed back as a controller state report.
func NewMockTransport(autoReport bool) *MockTransport {
	return &MockTransport{
		FailAddrs:  make(map[string]bool),
		AutoReport: autoReport,
		reports:    make(chan model.ControllerReport, 256),
	}
}

// Publish records the command or rejects it if its address is configured
// to fail.
func (m *MockTransport) Publish(_ context.Context, address string, cmd model.Command) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAddrs[address] {
		return false
	}
	m.Sent = append(m.Sent, cmd)
	if m.AutoReport {
		m.emit(model.ControllerReport{Address: address, SwitchID: cmd.SwitchID, State: cmd.State})
	}
	return true
}

// Emit injects a report as if a controller had sent it.
func (m *MockTransport) Emit(rep model.ControllerReport) {
	m.mu.Lock()
	m.emit(rep)
	m.mu.Unlock()
}

func (m *MockTransport) emit(rep model.ControllerReport) {
	select {
	case m.reports <- rep:
	default:
	}
}

// Commands returns a copy of the accepted commands.
func (m *MockTransport) Commands() []model.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Command(nil), m.Sent...)
}

// Reports implements transport.ReportSource.
func (m *MockTransport) Reports() <-chan model.ControllerReport { return m.reports }

var _ Transport = (*MockTransport)(nil)
var _ Transport = (*PahoClient)(nil)
