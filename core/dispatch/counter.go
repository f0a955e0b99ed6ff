package dispatch

import "sync"

// Release gives back one slot obtained from TryAcquire. Calling it more than
// once has no further effect.
type Release func()

// counterEntry lives while its count is positive; a key that drops to zero
// and is acquired again gets a new entry.
type counterEntry struct {
	count int
}

// ConcurrencyCounter tracks in-flight commands per controller. Entries are
// created on first acquire and deleted when they drop back to zero.
type ConcurrencyCounter struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*counterEntry
}

// NewConcurrencyCounter creates a counter allowing capacity slots per key.
func NewConcurrencyCounter(capacity int) *ConcurrencyCounter {
	if capacity <= 0 {
		capacity = DefaultConfig().Capacity
	}
	return &ConcurrencyCounter{capacity: capacity, entries: make(map[string]*counterEntry)}
}

// Capacity returns the per-key limit.
func (c *ConcurrencyCounter) Capacity() int { return c.capacity }

// TryAcquire takes a slot for id. It returns false without blocking when id
// is at capacity.
func (c *ConcurrencyCounter) TryAcquire(id string) (Release, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e == nil {
		e = &counterEntry{}
		c.entries[id] = e
	}
	if e.count >= c.capacity {
		return nil, false
	}
	e.count++
	var once sync.Once
	return func() { once.Do(func() { c.release(id, e) }) }, true
}

func (c *ConcurrencyCounter) release(id string, e *counterEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A reaped entry is gone; its late releases must not touch a newer one.
	if c.entries[id] != e || e.count == 0 {
		return
	}
	e.count--
	if e.count == 0 {
		delete(c.entries, id)
	}
}

// Count returns the in-flight count for id.
func (c *ConcurrencyCounter) Count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[id]; e != nil {
		return e.count
	}
	return 0
}

// Len returns the number of entries.
func (c *ConcurrencyCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns a copy of the positive counts.
func (c *ConcurrencyCounter) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.entries))
	for id, e := range c.entries {
		if e.count > 0 {
			out[id] = e.count
		}
	}
	return out
}

// reap removes entries that were already present in marks, the entries
// seen by the previous sweep. Since entries are deleted when they reach zero,
// a surviving entry has stayed positive for the whole interval, whatever
// traffic it saw meanwhile. It returns the removed counts and the marks for
// the next sweep.
func (c *ConcurrencyCounter) reap(marks map[string]*counterEntry) (map[string]int, map[string]*counterEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := make(map[string]int)
	next := make(map[string]*counterEntry, len(c.entries))
	for id, e := range c.entries {
		if e.count <= 0 {
			delete(c.entries, id)
			continue
		}
		if marks[id] == e {
			removed[id] = e.count
			delete(c.entries, id)
			continue
		}
		next[id] = e
	}
	return removed, next
}

// Total returns the sum of all in-flight counts.
func (c *ConcurrencyCounter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		n += e.count
	}
	return n
}
