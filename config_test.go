package permguard

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oarkflow/permguard/logger"
)

const sampleYAML = `
version: 1
engine:
  default_cache_ttl_ms: 60000
  cache_shards: 16
  audit_queue_size: 256
  platform_admin_role: platform-admin
permissions:
  - id: 40
    name: invoices.approve
    sensitive: true
companies:
  - id: acme
    name: Acme
    status: active
    settings:
      require_mfa: false
      session_timeout: 30m
      audit_retention: 2160h
users:
  - id: alice
    email: alice@acme.test
    company_id: acme
    mfa_enabled: true
roles:
  - id: finance
    name: Finance
    scope: company
    rank: 30
    permissions: [14, 40]
  - id: photographer
    scope: project
    rank: 10
    permissions: [9, 10]
assignments:
  - id: a1
    user_id: alice
    role_id: finance
    company_id: acme
    scope: company
  - id: a2
    user_id: alice
    role_id: photographer
    company_id: acme
    scope: project
    project_id: shoot-1
    expires_at: 2030-01-01T00:00:00Z
`

func loadSample(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestLoadYAMLConfig(t *testing.T) {
	cfg := loadSample(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Companies[0].Settings.SessionTimeout != 30*time.Minute {
		t.Fatalf("session timeout = %v", cfg.Companies[0].Settings.SessionTimeout)
	}
	a2 := cfg.Assignments[1]
	if a2.ExpiresAt == nil || !a2.ExpiresAt.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expires_at = %v", a2.ExpiresAt)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatal(err)
	}
	if !cat.Contains(40) {
		t.Fatalf("catalog extension missing")
	}
}

func TestConfigFileFormats(t *testing.T) {
	cfg := loadSample(t)
	dir := t.TempDir()

	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	jsonPath := filepath.Join(dir, "permguard.json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	fromJSON, err := NewConfigLoader().LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if err := fromJSON.Validate(); err != nil {
		t.Fatalf("json config invalid: %v", err)
	}
	if len(fromJSON.Assignments) != 2 || fromJSON.Assignments[1].ProjectID != "shoot-1" {
		t.Fatalf("json assignments = %+v", fromJSON.Assignments)
	}

	data, err = cfg.ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	yamlPath := filepath.Join(dir, "permguard.yaml")
	if err := os.WriteFile(yamlPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	fromYAML, err := NewConfigLoader().LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if fromYAML.Engine.CacheShards != 16 || fromYAML.Roles[0].Rank != 30 {
		t.Fatalf("yaml round trip lost data: %+v", fromYAML.Engine)
	}

	if _, err := NewConfigLoader().LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing file loaded")
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	cfg := loadSample(t)
	t.Setenv("PERMGUARD_CACHE_SHARDS", "64")
	t.Setenv("PERMGUARD_REDIS_ADDR", "localhost:6379")
	if err := cfg.ApplyEnv(""); err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.CacheShards != 64 || cfg.Engine.RedisAddr != "localhost:6379" {
		t.Fatalf("env not applied: %+v", cfg.Engine)
	}
	// untouched fields keep their file values
	if cfg.Engine.DefaultCacheTTL != 60000 || cfg.Engine.PlatformAdminRole != "platform-admin" {
		t.Fatalf("file values lost: %+v", cfg.Engine)
	}

	t.Setenv("PERMGUARD_CACHE_SHARDS", "many")
	if err := cfg.ApplyEnv("PERMGUARD"); err == nil {
		t.Fatalf("bad integer accepted")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown role", func(c *Config) { c.Assignments[0].RoleID = "ghost" }, "unknown role"},
		{"scope mismatch", func(c *Config) { c.Assignments[0].RoleID = "photographer" }, "project scoped"},
		{"missing project", func(c *Config) { c.Assignments[1].ProjectID = "" }, "scope_project"},
		{"unknown company", func(c *Config) { c.Assignments[0].CompanyID = "globex" }, "unknown company"},
		{"unknown permission", func(c *Config) { c.Roles[0].Permissions = append(c.Roles[0].Permissions, 99) }, "not in the catalog"},
		{"duplicate role", func(c *Config) { c.Roles = append(c.Roles, c.Roles[0]) }, "duplicate role"},
		{"duplicate assignment", func(c *Config) { c.Assignments = append(c.Assignments, c.Assignments[0]) }, "duplicate assignment"},
		{"bad status", func(c *Config) { c.Companies[0].Status = "closed" }, "Status"},
		{"bad email", func(c *Config) { c.Users[0].Email = "not-an-email" }, "Email"},
		{"bad redis addr", func(c *Config) { c.Engine.RedisAddr = "no port" }, "RedisAddr"},
		{"nil role", func(c *Config) { c.Roles = append(c.Roles, nil) }, "Roles"},
	}
	for _, tc := range cases {
		cfg := loadSample(t)
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected a validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestEngineConfigOptions(t *testing.T) {
	cfg := loadSample(t)
	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatal(err)
	}
	store := NewMemoryStore()
	opts := append(cfg.Engine.Options(), WithCatalog(cat), WithLogger(logger.NewNullLogger()))
	e, err := NewEngine(store, nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(context.Background())

	if e.defaultTTL != time.Minute || e.cacheShards != 16 || e.platformAdminRole != "platform-admin" {
		t.Fatalf("options not applied: ttl=%v shards=%d admin=%q", e.defaultTTL, e.cacheShards, e.platformAdminRole)
	}
	if e.auditOpts.QueueSize != 256 {
		t.Fatalf("audit queue = %d", e.auditOpts.QueueSize)
	}
}

func TestApplyConfigSeedsEngine(t *testing.T) {
	cfg := loadSample(t)
	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, WithCatalog(cat))
	ctx := context.Background()
	if err := f.engine.ApplyConfig(ctx, "bootstrap", cfg); err != nil {
		t.Fatal(err)
	}

	d := f.authorize(t, "alice", []PermissionID{40}, AuthorizeOptions{})
	if !d.Allowed {
		t.Fatalf("custom permission not granted: %s", d.Reason)
	}
	d = f.authorize(t, "alice", []PermissionID{PermUploadPhotos}, AuthorizeOptions{ProjectID: "shoot-1"})
	if !d.Allowed {
		t.Fatalf("project grant missing: %s", d.Reason)
	}
	ep, err := f.engine.GetEffectivePermissions(ctx, "alice", "acme", "shoot-1")
	if err != nil {
		t.Fatal(err)
	}
	// the session timeout caps the entry lifetime
	if want := testEpoch.Add(5 * time.Minute); !ep.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", ep.ExpiresAt, want)
	}

	f.drain(t)
	got := f.actions(t, AuditFilter{ActorID: "bootstrap"})
	want := []AuditAction{AuditCompanyChange, AuditUserCreated, AuditRoleCreated, AuditRoleCreated, AuditRoleAssigned, AuditRoleAssigned}
	if len(got) != len(want) {
		t.Fatalf("audit = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit = %v, want %v", got, want)
		}
	}
}

func TestConfigBuilder(t *testing.T) {
	cfg := NewConfigBuilder().
		Version(2).
		AddCompany(&Company{ID: "acme", Status: CompanyActive}).
		AddRole(NewRoleBuilder("viewer").Grant(PermViewProjects).Build()).
		AddAssignment(NewAssignment("a1", "u1", "viewer", "acme").GrantedBy("ops").Build()).
		EngineSettings(func(e *EngineConfig) { e.CacheShards = 8 }).
		Build()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Version != 2 || cfg.Engine.CacheShards != 8 || cfg.Assignments[0].GrantedBy != "ops" {
		t.Fatalf("builder lost fields: %+v", cfg)
	}
	data, err := NewConfigBuilder().AddCompany(&Company{ID: "x", Status: CompanyPending}).ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "status: pending") {
		t.Fatalf("yaml = %s", data)
	}
}

func TestRetentionCutoff(t *testing.T) {
	c := &Company{ID: "acme", Settings: CompanySettings{AuditRetention: 24 * time.Hour}}
	cutoff, ok := RetentionCutoff(c, testEpoch)
	if !ok || !cutoff.Equal(testEpoch.Add(-24*time.Hour)) {
		t.Fatalf("cutoff = %v %v", cutoff, ok)
	}
	if _, ok := RetentionCutoff(&Company{ID: "forever"}, testEpoch); ok {
		t.Fatalf("unlimited retention produced a cutoff")
	}
}
