package permguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the file form of a permguard deployment: engine tuning, catalog
// extensions and seed data.
type Config struct {
	Version     uint16            `json:"version" yaml:"version"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Permissions []PermissionDef   `json:"permissions,omitempty" yaml:"permissions,omitempty" validate:"dive"`
	Companies   []*Company        `json:"companies" yaml:"companies" validate:"dive,required"`
	Users       []*User           `json:"users,omitempty" yaml:"users,omitempty" validate:"dive,required"`
	Roles       []*Role           `json:"roles" yaml:"roles" validate:"dive,required"`
	Assignments []*RoleAssignment `json:"assignments" yaml:"assignments" validate:"dive,required"`
}

// EngineConfig durations are milliseconds. Every field can be overridden
// from the environment with the PERMGUARD_ prefix.
type EngineConfig struct {
	DefaultCacheTTL           int64  `json:"default_cache_ttl_ms" yaml:"default_cache_ttl_ms" envconfig:"DEFAULT_CACHE_TTL_MS" validate:"gte=0"`
	CacheShards               int    `json:"cache_shards" yaml:"cache_shards" envconfig:"CACHE_SHARDS" validate:"gte=0,lte=4096"`
	SweepInterval             int64  `json:"sweep_interval_ms" yaml:"sweep_interval_ms" envconfig:"SWEEP_INTERVAL_MS" validate:"gte=0"`
	AuditQueueSize            int    `json:"audit_queue_size" yaml:"audit_queue_size" envconfig:"AUDIT_QUEUE_SIZE" validate:"gte=0"`
	AuditWorkers              int    `json:"audit_workers" yaml:"audit_workers" envconfig:"AUDIT_WORKERS" validate:"gte=0,lte=64"`
	AuditMaxRetries           int    `json:"audit_max_retries" yaml:"audit_max_retries" envconfig:"AUDIT_MAX_RETRIES" validate:"gte=0"`
	AuditRetryBackoff         int64  `json:"audit_retry_backoff_ms" yaml:"audit_retry_backoff_ms" envconfig:"AUDIT_RETRY_BACKOFF_MS" validate:"gte=0"`
	ConditionCacheNumCounters int64  `json:"condition_cache_num_counters" yaml:"condition_cache_num_counters" envconfig:"CONDITION_CACHE_NUM_COUNTERS" validate:"gte=0"`
	ConditionCacheMaxCost     int64  `json:"condition_cache_max_cost" yaml:"condition_cache_max_cost" envconfig:"CONDITION_CACHE_MAX_COST" validate:"gte=0"`
	ConditionCacheBuffer      int64  `json:"condition_cache_buffer" yaml:"condition_cache_buffer" envconfig:"CONDITION_CACHE_BUFFER" validate:"gte=0"`
	PlatformAdminRole         string `json:"platform_admin_role,omitempty" yaml:"platform_admin_role,omitempty" envconfig:"PLATFORM_ADMIN_ROLE"`
	RedisAddr                 string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty" envconfig:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	InvalidationChannel       string `json:"invalidation_channel,omitempty" yaml:"invalidation_channel,omitempty" envconfig:"INVALIDATION_CHANNEL"`
}

// Options turns the tuning fields into engine options. Zero fields keep
// engine defaults. The invalidation bus is wired by the caller.
func (c EngineConfig) Options() []EngineOption {
	var opts []EngineOption
	if c.DefaultCacheTTL > 0 {
		opts = append(opts, WithCacheTTL(time.Duration(c.DefaultCacheTTL)*time.Millisecond))
	}
	if c.CacheShards > 0 {
		opts = append(opts, WithCacheShards(c.CacheShards))
	}
	if c.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(time.Duration(c.SweepInterval)*time.Millisecond))
	}
	if c.AuditQueueSize > 0 || c.AuditWorkers > 0 || c.AuditMaxRetries > 0 || c.AuditRetryBackoff > 0 {
		opts = append(opts, WithAuditOptions(AuditLoggerOptions{
			QueueSize:    c.AuditQueueSize,
			Workers:      c.AuditWorkers,
			MaxRetries:   c.AuditMaxRetries,
			RetryBackoff: time.Duration(c.AuditRetryBackoff) * time.Millisecond,
		}))
	}
	if c.ConditionCacheNumCounters > 0 {
		opts = append(opts, WithConditionCache(c.ConditionCacheNumCounters, c.ConditionCacheMaxCost, c.ConditionCacheBuffer))
	}
	if c.PlatformAdminRole != "" {
		opts = append(opts, WithPlatformAdminRole(c.PlatformAdminRole))
	}
	return opts
}

// ConfigLoader loads configuration from YAML or JSON.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the extension; anything but .json is YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyEnv overrides engine settings from prefix_* variables.
func (c *Config) ApplyEnv(prefix string) error {
	if prefix == "" {
		prefix = "PERMGUARD"
	}
	return envconfig.Process(prefix, &c.Engine)
}

// Catalog returns the built-in catalog extended with c.Permissions.
func (c *Config) Catalog() (*Catalog, error) {
	cat := DefaultCatalog()
	for _, d := range c.Permissions {
		if err := cat.Register(d); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

// Validate checks field constraints and cross references: every assignment
// must name a defined role and company, with matching scope, and every
// permission must be in the catalog.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cat, err := c.Catalog()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	companies := make(map[string]struct{}, len(c.Companies))
	for _, co := range c.Companies {
		if _, dup := companies[co.ID]; dup {
			return fmt.Errorf("invalid config: duplicate company %q", co.ID)
		}
		companies[co.ID] = struct{}{}
	}
	roles := make(map[string]*Role, len(c.Roles))
	for _, r := range c.Roles {
		if _, dup := roles[r.ID]; dup {
			return fmt.Errorf("invalid config: duplicate role %q", r.ID)
		}
		if err := checkCatalog(cat, r.Permissions); err != nil {
			return fmt.Errorf("invalid config: role %q: %w", r.ID, err)
		}
		roles[r.ID] = r
	}
	var errs []error
	seen := make(map[string]struct{}, len(c.Assignments))
	for _, a := range c.Assignments {
		if _, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate assignment %q", a.ID))
			continue
		}
		seen[a.ID] = struct{}{}
		r, ok := roles[a.RoleID]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("assignment %q: unknown role %q", a.ID, a.RoleID))
		case r.Scope != a.Scope:
			errs = append(errs, fmt.Errorf("assignment %q: role %q is %s scoped", a.ID, r.ID, r.Scope))
		}
		if _, ok := companies[a.CompanyID]; !ok && a.CompanyID != PlatformCompanyID {
			errs = append(errs, fmt.Errorf("assignment %q: unknown company %q", a.ID, a.CompanyID))
		}
		if err := checkCatalog(cat, a.Override); err != nil {
			errs = append(errs, fmt.Errorf("assignment %q: %w", a.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ApplyConfig writes the seed data of cfg through the engine's mutation
// helpers, so every write is validated, invalidates and is audited.
func (e *Engine) ApplyConfig(ctx context.Context, actorID string, cfg *Config) error {
	for _, c := range cfg.Companies {
		if err := e.UpdateCompany(ctx, actorID, c); err != nil {
			return fmt.Errorf("apply company %s: %w", c.ID, err)
		}
	}
	if len(cfg.Users) > 0 {
		w, ok := e.store.(UserWriter)
		if !ok {
			return ErrReadOnlyStore
		}
		for _, u := range cfg.Users {
			if err := ValidateUser(u); err != nil {
				return err
			}
			action := AuditUserCreated
			if dir, ok := e.store.(UserDirectory); ok {
				if prev, err := dir.GetUser(ctx, u.ID); err == nil && prev != nil {
					action = AuditUserUpdated
				}
			}
			if err := w.PutUser(ctx, u); err != nil {
				return fmt.Errorf("apply user %s: %w", u.ID, err)
			}
			_ = e.InvalidateUser(ctx, u.ID)
			e.record(ctx, &AuditEntry{Action: action, ActorID: actorID, CompanyID: u.CompanyID, Context: map[string]any{"user_id": u.ID}})
		}
	}
	for _, r := range cfg.Roles {
		if err := e.PutRole(ctx, actorID, r); err != nil {
			return fmt.Errorf("apply role %s: %w", r.ID, err)
		}
	}
	for _, a := range cfg.Assignments {
		if err := e.AssignRole(ctx, actorID, a); err != nil {
			return fmt.Errorf("apply assignment %s: %w", a.ID, err)
		}
	}
	return nil
}

// RetentionCutoff returns the instant before which the company's audit
// entries may be purged. ok is false when retention is unlimited.
func RetentionCutoff(c *Company, now time.Time) (cutoff time.Time, ok bool) {
	if c == nil || c.Settings.AuditRetention <= 0 {
		return time.Time{}, false
	}
	return now.Add(-c.Settings.AuditRetention), true
}
