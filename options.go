package permguard

import (
	"errors"
	"time"
)

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine) error

// WithCatalog replaces the default permission catalog.
func WithCatalog(c *Catalog) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("permguard: nil catalog")
		}
		e.catalog = c
		return nil
	}
}

// WithClock substitutes the time source, mainly for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

// WithCacheTTL sets the TTL used when a company has no session timeout and
// the cap applied when it does.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return errors.New("permguard: cache ttl must be positive")
		}
		e.defaultTTL = ttl
		return nil
	}
}

func WithCacheShards(n int) EngineOption {
	return func(e *Engine) error {
		e.cacheShards = n
		return nil
	}
}

// WithoutCache makes every check recompute from the store.
func WithoutCache() EngineOption {
	return func(e *Engine) error {
		e.cacheDisabled = true
		return nil
	}
}

// WithSweepInterval starts a janitor that drops expired cache entries.
func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) error {
		e.sweepInterval = d
		return nil
	}
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithInvalidationBus shares invalidations with other engine instances.
func WithInvalidationBus(bus InvalidationBus) EngineOption {
	return func(e *Engine) error {
		e.bus = bus
		return nil
	}
}

// WithAuditOptions tunes the audit queue.
func WithAuditOptions(o AuditLoggerOptions) EngineOption {
	return func(e *Engine) error {
		e.auditOpts = o
		return nil
	}
}

// WithConditionCache sizes the compiled-condition cache. numCounters of zero disables it.
func WithConditionCache(numCounters, maxCost, bufferItems int64) EngineOption {
	return func(e *Engine) error {
		e.condCounters, e.condMaxCost, e.condBuffer = numCounters, maxCost, bufferItems
		return nil
	}
}

// WithPlatformAdminRole additionally treats assignments of roleID under
// PlatformCompanyID as platform admin, whatever the role's Platform flag.
func WithPlatformAdminRole(roleID string) EngineOption {
	return func(e *Engine) error {
		e.platformAdminRole = roleID
		return nil
	}
}
