package testutil

import "sync"

// DeterministicClock provides a thread-safe monotonic clock for fixtures.
//
// Each call to Next returns the previous timestamp plus the step, so the
// same fixture built twice carries identical time fields.
type DeterministicClock struct {
	mu    sync.Mutex
	start float64
	step  float64
	n     int64
}

// NewDeterministicClock creates a clock whose first Next returns start+step.
func NewDeterministicClock(start, step float64) *DeterministicClock {
	if step <= 0 {
		step = 1
	}
	return &DeterministicClock{start: start, step: step}
}

// Next advances the clock and returns the new timestamp in epoch seconds.
func (c *DeterministicClock) Next() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.start + float64(c.n)*c.step
}

// Current returns the current timestamp without advancing.
func (c *DeterministicClock) Current() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start + float64(c.n)*c.step
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
