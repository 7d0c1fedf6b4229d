package utils

import "sync"

// HostConnCounter tracks concurrent streaming connections per remote
// host and enforces an upper bound. max <= 0 disables the bound.
type HostConnCounter struct {
	mu    sync.Mutex
	max   int
	conns map[string]int
}

func NewHostConnCounter(max int) *HostConnCounter {
	return &HostConnCounter{
		max:   max,
		conns: make(map[string]int),
	}
}

// Acquire reserves a slot for host. Returns false when the host is at
// its cap; the caller must not call Release in that case.
func (c *HostConnCounter) Acquire(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && c.conns[host] >= c.max {
		return false
	}
	c.conns[host]++
	return true
}

// Release frees a slot previously acquired for host. Releasing an
// unknown host is a no-op.
func (c *HostConnCounter) Release(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.conns[host]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.conns, host)
		return
	}
	c.conns[host] = n - 1
}

func (c *HostConnCounter) Count(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[host]
}

// Snapshot returns a copy of the current per-host counts.
func (c *HostConnCounter) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.conns))
	for host, n := range c.conns {
		out[host] = n
	}
	return out
}
