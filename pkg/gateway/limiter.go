package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 3 * time.Minute

// agentLimiter keeps a token bucket per agent id. Idle buckets are pruned
// on access to bound memory.
type agentLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	buckets  map[string]*agentBucket
	lastScan time.Time
}

type agentBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAgentLimiter(rps float64, burst int) *agentLimiter {
	return &agentLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		buckets:  make(map[string]*agentBucket),
		lastScan: time.Now(),
	}
}

func (l *agentLimiter) allow(agentID string) bool {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastScan) > limiterIdleTTL {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, id)
			}
		}
		l.lastScan = now
	}

	b, ok := l.buckets[agentID]
	if !ok {
		b = &agentBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[agentID] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.Allow()
}
