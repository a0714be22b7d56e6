package users

import (
	"sync"
	"time"
)

const defaultProfileTTL = 5 * time.Minute

type cachedProfile struct {
	profile   Profile
	expiresAt time.Time
}

// profileCache remembers resolved profiles for a bounded time so a renamed
// user shows up under the new name without a restart.
type profileCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]cachedProfile
}

func newProfileCache(ttl time.Duration, clock func() time.Time) *profileCache {
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	return &profileCache{ttl: ttl, clock: clock, entries: make(map[string]cachedProfile)}
}

func (c *profileCache) get(key string) (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Profile{}, false
	}
	if !c.clock().Before(entry.expiresAt) {
		delete(c.entries, key)
		return Profile{}, false
	}
	return entry.profile, true
}

func (c *profileCache) put(key string, profile Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedProfile{profile: profile, expiresAt: c.clock().Add(c.ttl)}
}
