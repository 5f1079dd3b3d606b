package ddos

import (
	"net/netip"
	"time"

	"github.com/secbeat/fleet/internal/metrics"
)

// Controller is the unified DDoS-mitigation decision point consulted by the
// ingress listener (CheckAccept, per connection) and the HTTP proxy core
// (CheckRequest, per request).
type Controller struct {
	blocklist *Blocklist
	conns     *ConnLimiter
	limiter   *ShardedRateLimiter
	metrics   *metrics.Registry
}

// Config bundles the DDoS Controller's construction parameters, mirroring
// internal/config.DDoSConfig.
type Config struct {
	StaticBlacklist     []string
	StaticWhitelist     []string
	GlobalConnMax       int64
	PerIPConnMax        int64
	RequestsPerSecond   float64
	BurstSize           int
	MaxRateLimitBuckets int
}

// NewController builds a Controller from cfg and starts its background
// blocklist sweep loop.
func NewController(cfg Config) *Controller {
	c := &Controller{
		blocklist: NewBlocklist(cfg.StaticBlacklist, cfg.StaticWhitelist),
		conns:     NewConnLimiter(cfg.GlobalConnMax, cfg.PerIPConnMax),
		limiter:   NewShardedRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize, cfg.MaxRateLimitBuckets),
	}
	go c.sweepLoop()
	return c
}

func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		c.blocklist.Sweep()
	}
}

// SetMetrics attaches a metrics.Registry the Controller increments on
// every rejection. Optional: a nil registry (the zero value) is a no-op,
// so existing construction sites that don't care about metrics are
// unaffected.
func (c *Controller) SetMetrics(m *metrics.Registry) {
	c.metrics = m
}

// CheckAccept decides whether a new TCP connection from addr may be
// admitted: whitelist/blocklist first, then the global/per-IP connection
// caps. Callers that accept must later call Release.
func (c *Controller) CheckAccept(addr netip.Addr) bool {
	if !c.blocklist.Allowed(addr) {
		c.recordConnReject()
		return false
	}
	if c.conns.TryAcquire(addr.String()) {
		return true
	}
	c.recordConnReject()
	return false
}

// ReleaseConn returns a connection slot acquired via CheckAccept.
func (c *Controller) ReleaseConn(addr netip.Addr) {
	c.conns.Release(addr.String())
}

// RequestVerdict is CheckRequest's result: Allowed, or the reason a request
// was denied so the caller can answer and classify it correctly (a
// blocklisted IP is a 403/Blocked condition, a rate-limit hit is 429).
type RequestVerdict int

const (
	RequestAllowed RequestVerdict = iota
	RequestDeniedBlocklist
	RequestDeniedRateLimit
)

// CheckRequest decides whether a single HTTP request from addr may proceed,
// consulting the blocklist and the per-IP token bucket in that order.
func (c *Controller) CheckRequest(addr netip.Addr) RequestVerdict {
	if !c.blocklist.Allowed(addr) {
		c.recordConnReject()
		return RequestDeniedBlocklist
	}
	if c.limiter.Allow(addr.String()) {
		return RequestAllowed
	}
	if c.metrics != nil {
		c.metrics.RateLimitRejects.Inc()
	}
	return RequestDeniedRateLimit
}

func (c *Controller) recordConnReject() {
	if c.metrics != nil {
		c.metrics.ConnRejects.Inc()
	}
}

// Block adds a dynamic block entry (used by the orchestrator's
// BlockCommand handler).
func (c *Controller) Block(target, reason string, ttl time.Duration) error {
	return c.blocklist.Block(target, reason, ttl)
}

// Unblock removes a dynamic block entry.
func (c *Controller) Unblock(target string) error {
	return c.blocklist.Unblock(target)
}
