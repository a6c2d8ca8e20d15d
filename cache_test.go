package permguard

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func entryFor(k CacheKey, expires time.Time) *EffectivePermissions {
	return &EffectivePermissions{UserID: k.UserID, CompanyID: k.CompanyID, ProjectID: k.ProjectID, ExpiresAt: expires}
}

func TestCacheGetPutExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewPermissionCache(8, clock.Now)
	k := CacheKey{UserID: "u1", CompanyID: "acme"}

	if _, ok := c.Get(k); ok {
		t.Fatalf("empty cache hit")
	}
	if !c.Put(k, entryFor(k, testEpoch.Add(time.Minute)), c.Epoch()) {
		t.Fatalf("put rejected")
	}
	if _, ok := c.Get(k); !ok {
		t.Fatalf("expected hit")
	}

	clock.Advance(time.Minute)
	if _, ok := c.Get(k); ok {
		t.Fatalf("entry served at its expiry instant")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed on read")
	}
	if c.Put(k, entryFor(k, testEpoch), c.Epoch()) {
		t.Fatalf("already expired value accepted")
	}
}

func TestCacheRejectsStaleEpoch(t *testing.T) {
	c := NewPermissionCache(4, newFakeClock().Now)
	k := CacheKey{UserID: "u1", CompanyID: "acme"}

	epoch := c.Epoch()
	// an invalidation for an unrelated user still bumps the generation
	c.InvalidateUser("someone-else")
	if c.Put(k, entryFor(k, testEpoch.Add(time.Hour)), epoch) {
		t.Fatalf("value computed before an invalidation was stored")
	}
	if !c.Put(k, entryFor(k, testEpoch.Add(time.Hour)), c.Epoch()) {
		t.Fatalf("current epoch rejected")
	}
}

func TestCacheInvalidation(t *testing.T) {
	c := NewPermissionCache(4, newFakeClock().Now)
	keys := []CacheKey{
		{UserID: "u1", CompanyID: "acme"},
		{UserID: "u1", CompanyID: "acme", ProjectID: "p1"},
		{UserID: "u1", CompanyID: "globex"},
		{UserID: "u2", CompanyID: "acme"},
	}
	fill := func() {
		for _, k := range keys {
			c.Put(k, entryFor(k, testEpoch.Add(time.Hour)), c.Epoch())
		}
	}

	fill()
	if n := c.InvalidateUser("u1"); n != 3 {
		t.Fatalf("InvalidateUser removed %d", n)
	}
	if _, ok := c.Get(keys[3]); !ok {
		t.Fatalf("other user's entry removed")
	}

	fill()
	if n := c.InvalidateCompany("acme"); n != 3 {
		t.Fatalf("InvalidateCompany removed %d", n)
	}
	if _, ok := c.Get(keys[2]); !ok {
		t.Fatalf("other company's entry removed")
	}

	fill()
	if n := c.Purge(); n != 4 || c.Len() != 0 {
		t.Fatalf("Purge removed %d, %d left", n, c.Len())
	}
}

func TestCacheSweep(t *testing.T) {
	clock := newFakeClock()
	c := NewPermissionCache(2, clock.Now)
	short := CacheKey{UserID: "u1", CompanyID: "acme"}
	long := CacheKey{UserID: "u2", CompanyID: "acme"}
	c.Put(short, entryFor(short, testEpoch.Add(time.Second)), c.Epoch())
	c.Put(long, entryFor(long, testEpoch.Add(time.Hour)), c.Epoch())

	epoch := c.Epoch()
	clock.Advance(time.Minute)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d", n)
	}
	if c.Epoch() != epoch {
		t.Fatalf("sweep must not bump the epoch")
	}
}

func TestCacheTTL(t *testing.T) {
	cases := []struct {
		session, max, want time.Duration
	}{
		{0, 0, DefaultCacheTTL},
		{0, time.Minute, time.Minute},
		{30 * time.Second, time.Minute, 30 * time.Second},
		{time.Hour, time.Minute, time.Minute},
	}
	for _, tc := range cases {
		got := CacheTTL(CompanySettings{SessionTimeout: tc.session}, tc.max)
		if got != tc.want {
			t.Fatalf("CacheTTL(%v, %v) = %v, want %v", tc.session, tc.max, got, tc.want)
		}
	}
}

func TestCacheKeyString(t *testing.T) {
	if s := (CacheKey{UserID: "u", CompanyID: "c"}).String(); s != "u@c" {
		t.Fatalf("got %q", s)
	}
	if s := (CacheKey{UserID: "u", CompanyID: "c", ProjectID: "p"}).String(); s != "u@c/p" {
		t.Fatalf("got %q", s)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewPermissionCache(16, time.Now)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := CacheKey{UserID: fmt.Sprintf("u%d", i%20), CompanyID: "acme"}
				if ep, ok := c.Get(k); ok && ep.UserID != k.UserID {
					t.Errorf("torn entry for %v", k)
					return
				}
				c.Put(k, entryFor(k, time.Now().Add(time.Minute)), c.Epoch())
				if i%50 == 0 {
					c.InvalidateUser(k.UserID)
				}
			}
		}(g)
	}
	wg.Wait()
}
