package permguard

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultCacheTTL applies when a company has no session timeout, and caps
// the TTL when it has one.
const DefaultCacheTTL = 5 * time.Minute

// CacheKey identifies one effective-permission scope. An empty ProjectID
// means company scope only.
type CacheKey struct {
	UserID    string
	CompanyID string
	ProjectID string
}

func (k CacheKey) String() string {
	if k.ProjectID == "" {
		return k.UserID + "@" + k.CompanyID
	}
	return k.UserID + "@" + k.CompanyID + "/" + k.ProjectID
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[CacheKey]*EffectivePermissions
}

// PermissionCache memoizes effective permission sets. Reads take a shard
// read lock. Stored values are never mutated after Put.
//
// Every invalidation bumps a global epoch. Writers pass the epoch observed
// before they started computing, and Put refuses stale epochs, so a value
// computed before an invalidation can never be served after it.
type PermissionCache struct {
	shards []*cacheShard
	epoch  atomic.Uint64
	now    func() time.Time
}

func NewPermissionCache(shards int, now func() time.Time) *PermissionCache {
	if shards <= 0 {
		shards = 32
	}
	if now == nil {
		now = time.Now
	}
	c := &PermissionCache{shards: make([]*cacheShard, shards), now: now}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[CacheKey]*EffectivePermissions)}
	}
	return c
}

func (c *PermissionCache) shard(k CacheKey) *cacheShard {
	h := xxhash.New()
	_, _ = h.WriteString(k.UserID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.CompanyID)
	return c.shards[h.Sum64()%uint64(len(c.shards))]
}

// Epoch returns the current generation; pass it to Put.
func (c *PermissionCache) Epoch() uint64 {
	return c.epoch.Load()
}

// Get returns a live entry. Expired entries are removed and reported as a miss.
func (c *PermissionCache) Get(k CacheKey) (*EffectivePermissions, bool) {
	s := c.shard(k)
	s.mu.RLock()
	ep, ok := s.entries[k]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !ep.Valid(c.now()) {
		s.mu.Lock()
		if cur, ok := s.entries[k]; ok && cur == ep {
			delete(s.entries, k)
		}
		s.mu.Unlock()
		return nil, false
	}
	return ep, true
}

// Put stores v unless an invalidation happened since epoch was read or v
// is already expired.
func (c *PermissionCache) Put(k CacheKey, v *EffectivePermissions, epoch uint64) bool {
	if v == nil || !v.Valid(c.now()) {
		return false
	}
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.epoch.Load() != epoch {
		return false
	}
	s.entries[k] = v
	return true
}

// Invalidate drops every entry whose key matches pred and returns the count.
func (c *PermissionCache) Invalidate(pred func(CacheKey) bool) int {
	c.epoch.Add(1)
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.entries {
			if pred(k) {
				delete(s.entries, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (c *PermissionCache) InvalidateUser(userID string) int {
	return c.Invalidate(func(k CacheKey) bool { return k.UserID == userID })
}

func (c *PermissionCache) InvalidateCompany(companyID string) int {
	return c.Invalidate(func(k CacheKey) bool { return k.CompanyID == companyID })
}

func (c *PermissionCache) Purge() int {
	return c.Invalidate(func(CacheKey) bool { return true })
}

// Sweep removes expired entries without bumping the epoch.
func (c *PermissionCache) Sweep() int {
	now := c.now()
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, v := range s.entries {
			if !v.Valid(now) {
				delete(s.entries, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (c *PermissionCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// CacheTTL derives the entry lifetime from the company session timeout,
// never exceeding max.
func CacheTTL(settings CompanySettings, max time.Duration) time.Duration {
	if max <= 0 {
		max = DefaultCacheTTL
	}
	if settings.SessionTimeout > 0 && settings.SessionTimeout < max {
		return settings.SessionTimeout
	}
	return max
}
