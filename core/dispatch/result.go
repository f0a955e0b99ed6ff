package dispatch

import (
	"sort"
	"sync"
)

// CommandOutcome describes a command the transport accepted.
type CommandOutcome struct {
	ControllerID string `json:"controller_id"`
	SwitchID     string `json:"switch_id"`
	State        bool   `json:"state"`
	BatchID      string `json:"batch_id"`
	Sequence     uint64 `json:"sequence,omitempty"`
	Attempts     int    `json:"attempts"`
	// Retryable is set when the command was delivered but its state could
	// not be persisted.
	Retryable bool   `json:"retryable,omitempty"`
	Warning   string `json:"warning,omitempty"`

	index int
}

// CommandFailure describes a command that was not delivered.
type CommandFailure struct {
	ControllerID string `json:"controller_id"`
	SwitchID     string `json:"switch_id"`
	BatchID      string `json:"batch_id,omitempty"`
	Kind         Kind   `json:"kind"`
	Reason       string `json:"reason"`
	Attempts     int    `json:"attempts,omitempty"`
	Err          error  `json:"-"`

	index int
}

// Result is the outcome of a submission. Partial success is normal: every
// request ends up in exactly one of Successful or Failed.
type Result struct {
	Successful []CommandOutcome `json:"successful"`
	Failed     []CommandFailure `json:"failed"`
	// Batches is the number of batches formed per controller.
	Batches map[string]int `json:"batches"`
}

// Failures returns the failures of the given kind.
func (r Result) Failures(kind Kind) []CommandFailure {
	var out []CommandFailure
	for _, f := range r.Failed {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// collector accumulates outcomes from concurrent command tasks.
type collector struct {
	mu  sync.Mutex
	res Result
}

func newCollector() *collector {
	return &collector{res: Result{
		Successful: []CommandOutcome{},
		Failed:     []CommandFailure{},
		Batches:    map[string]int{},
	}}
}

func (c *collector) success(o CommandOutcome) {
	c.mu.Lock()
	c.res.Successful = append(c.res.Successful, o)
	c.mu.Unlock()
}

func (c *collector) failure(f CommandFailure) {
	c.mu.Lock()
	c.res.Failed = append(c.res.Failed, f)
	c.mu.Unlock()
}

func (c *collector) batches(controllerID string, n int) {
	c.mu.Lock()
	c.res.Batches[controllerID] = n
	c.mu.Unlock()
}

// result returns the outcomes in submission order.
func (c *collector) result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.SliceStable(c.res.Successful, func(i, j int) bool { return c.res.Successful[i].index < c.res.Successful[j].index })
	sort.SliceStable(c.res.Failed, func(i, j int) bool { return c.res.Failed[i].index < c.res.Failed[j].index })
	return c.res
}
