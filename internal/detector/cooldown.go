package detector

import (
	"sync"
	"time"
)

// Cooldown limits verdicts to one per path per window.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewCooldown creates a cooldown table. A non-positive window disables
// suppression.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// TryAcquire reports whether a verdict for path may be emitted at now and,
// if so, starts a new window for it. Check and update happen under one lock
// so concurrent callers for the same path cannot both succeed.
func (c *Cooldown) TryAcquire(path string, now time.Time) bool {
	if c.window <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.last[path]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[path] = now
	return true
}

// Prune drops entries whose window has ended and returns how many were removed.
func (c *Cooldown) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for path, last := range c.last {
		if now.Sub(last) >= c.window {
			delete(c.last, path)
			removed++
		}
	}
	return removed
}

// Len returns the number of paths currently cooling down.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
