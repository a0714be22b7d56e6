package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const placementLimiterIdleTTL = 10 * time.Minute

// placementLimiter holds one token bucket per user. Idle buckets are pruned
// lazily on access.
type placementLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clock     func() time.Time
	visitors  map[string]*placementVisitor
	lastPrune time.Time
}

type placementVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPlacementLimiter(perSecond float64, burst int, clock func() time.Time) *placementLimiter {
	if clock == nil {
		clock = time.Now
	}
	if burst <= 0 {
		burst = 1
	}
	return &placementLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		clock:    clock,
		visitors: make(map[string]*placementVisitor),
	}
}

// Allow reports whether userID may place another batch now.
func (l *placementLimiter) Allow(userID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > placementLimiterIdleTTL {
		for key, visitor := range l.visitors {
			if now.Sub(visitor.lastSeen) > placementLimiterIdleTTL {
				delete(l.visitors, key)
			}
		}
		l.lastPrune = now
	}

	visitor, ok := l.visitors[userID]
	if !ok {
		visitor = &placementVisitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[userID] = visitor
	}
	visitor.lastSeen = now
	return visitor.limiter.AllowN(now, 1)
}
