// Package system provides the real clock and generation source.
package system

import (
	"sync"
	"time"
)

// Clock implements harvest.Clock using time.Now and harvest.GenerationSource
// using wall-clock milliseconds.
type Clock struct {
	mu      sync.Mutex
	lastGen int64
	now     func() time.Time
}

// New creates a new Clock.
func New() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return c.now().UTC()
}

// NextGeneration returns the current time in Unix milliseconds, bumped past the
// previous stamp when the wall clock stalls or steps backwards.
func (c *Clock) NextGeneration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.now().UnixMilli()
	if gen <= c.lastGen {
		gen = c.lastGen + 1
	}
	c.lastGen = gen
	return gen
}
