package ddos

import (
	"sync"
	"sync/atomic"
)

// ConnLimiter enforces the global and per-IP concurrent connection caps
// from section 4.6.
type ConnLimiter struct {
	globalMax int64
	perIPMax  int64

	global atomic.Int64

	mu    sync.Mutex
	perIP map[string]int64
}

// NewConnLimiter builds a ConnLimiter enforcing globalMax total connections
// and perIPMax connections from any single address.
func NewConnLimiter(globalMax, perIPMax int64) *ConnLimiter {
	return &ConnLimiter{
		globalMax: globalMax,
		perIPMax:  perIPMax,
		perIP:     make(map[string]int64),
	}
}

// TryAcquire attempts to admit a new connection from ip, returning false if
// either the global or per-IP cap is already reached.
func (c *ConnLimiter) TryAcquire(ip string) bool {
	if c.global.Load() >= c.globalMax {
		return false
	}

	c.mu.Lock()
	if c.perIP[ip] >= c.perIPMax {
		c.mu.Unlock()
		return false
	}
	c.perIP[ip]++
	c.mu.Unlock()

	c.global.Add(1)
	return true
}

// Release returns a connection slot for ip.
func (c *ConnLimiter) Release(ip string) {
	c.global.Add(-1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.perIP[ip]; ok {
		if n <= 1 {
			delete(c.perIP, ip)
		} else {
			c.perIP[ip] = n - 1
		}
	}
}

// GlobalCount returns the current global connection count.
func (c *ConnLimiter) GlobalCount() int64 { return c.global.Load() }
