package bot

import (
	"sync"
	"time"
)

// Cooldown throttles repeat executions of the same cycle within a fixed
// window. Safe for concurrent use by the per-venue scan loops.
type Cooldown struct {
	mu   sync.Mutex
	ttl  time.Duration
	last map[string]time.Time
}

// NewCooldown creates a Cooldown with the given window.
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{
		ttl:  ttl,
		last: make(map[string]time.Time),
	}
}

// Throttled reports whether key fired within the window. A miss records
// the key, so the first caller proceeds and later callers wait out the
// window.
func (c *Cooldown) Throttled(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.last[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.last[key] = now
	return false
}

// Sweep drops expired entries so the map never grows past the set of
// recently traded cycles. The scan loops call it between passes.
func (c *Cooldown) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, at := range c.last {
		if now.Sub(at) >= c.ttl {
			delete(c.last, key)
		}
	}
}
