package ringsync

import "sync"

// LogicalClock is a Lamport scalar clock. User calls and background workers
// touch it concurrently, so every access is serialized behind one mutex.
//
// Control traffic (tokens, heartbeats, barrier and discovery envelopes) never
// goes through the clock; only locally generated user events tick it and only
// delivered user payloads merge into it.
type LogicalClock struct {
	mu    sync.Mutex
	value uint64
}

// Tick increments the clock for a locally generated event and returns the new
// value.
func (c *LogicalClock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Observe merges a remote timestamp: clock = max(clock, remote) + 1. Called
// exactly once per delivered user-level payload.
func (c *LogicalClock) Observe(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.value {
		c.value = remote
	}
	c.value++
	return c.value
}

// Now returns the current value without advancing it.
func (c *LogicalClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
