package ddos

import (
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const shardCount = 16

// ShardedRateLimiter is a per-IP token-bucket limiter sharded across
// shardCount sync.Mutex-guarded buckets (keyed by FNV hash of the IP) to
// bound lock contention under high connection fan-in. Each shard holds an
// LRU-evicted map so the combined bucket count never exceeds maxEntries
// (or shardCount, when maxEntries is smaller), per the §4.6 memory bound.
type ShardedRateLimiter struct {
	shards [shardCount]*limiterShard
	rps    rate.Limit
	burst  int
}

type limiterShard struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *rate.Limiter]
}

// NewShardedRateLimiter builds a limiter allowing rps requests/sec per IP
// (burst capacity burst), with the combined bucket population capped at
// maxEntries across all shards.
func NewShardedRateLimiter(rps float64, burst, maxEntries int) *ShardedRateLimiter {
	if maxEntries < shardCount {
		maxEntries = shardCount
	}
	perShard := maxEntries / shardCount
	if perShard < 1 {
		perShard = 1
	}

	s := &ShardedRateLimiter{rps: rate.Limit(rps), burst: burst}
	for i := range s.shards {
		c, _ := lru.New[string, *rate.Limiter](perShard)
		s.shards[i] = &limiterShard{lru: c}
	}
	return s
}

func shardFor(s *ShardedRateLimiter, ip string) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return s.shards[h.Sum32()%shardCount]
}

// Allow reports whether a request from ip may proceed right now, creating
// that IP's token bucket on first use.
func (s *ShardedRateLimiter) Allow(ip string) bool {
	shard := shardFor(s, ip)

	shard.mu.Lock()
	limiter, ok := shard.lru.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(s.rps, s.burst)
		shard.lru.Add(ip, limiter)
	}
	shard.mu.Unlock()

	return limiter.Allow()
}

// Len returns the total number of tracked IP buckets across all shards,
// mainly for tests and metrics.
func (s *ShardedRateLimiter) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += shard.lru.Len()
		shard.mu.Unlock()
	}
	return total
}
