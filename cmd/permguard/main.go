package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/permguard"
	"github.com/oarkflow/permguard/logger"
	"github.com/oarkflow/permguard/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "convert":
		handleConvert()
	case "check":
		handleCheck()
	case "effective":
		handleEffective()
	case "eval":
		handleEval()
	case "migrate":
		handleMigrate()
	case "apply":
		handleApply()
	case "permissions":
		handlePermissions()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("permguard - authorization engine tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  permguard validate <config>                                   - Validate configuration")
	fmt.Println("  permguard stats <config>                                      - Show configuration statistics")
	fmt.Println("  permguard convert <input> <output>                            - Convert between YAML and JSON")
	fmt.Println("  permguard permissions [config]                                - List the permission catalog")
	fmt.Println("  permguard check <config> <user> <company> <perms> [project]   - Decide a check against the config")
	fmt.Println("  permguard effective <config> <user> <company> [project]       - Print effective permissions")
	fmt.Println("  permguard eval <condition.json> <context.json>                - Evaluate an ABAC condition")
	fmt.Println("  permguard migrate <sqlite-file>                               - Create or upgrade the SQL schema")
	fmt.Println("  permguard apply <config> <sqlite-file>                        - Migrate a database and seed it")
	fmt.Println()
	fmt.Println("Permissions are comma separated names or ids. Engine settings can be")
	fmt.Println("overridden with PERMGUARD_* environment variables.")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func loadConfig(filename string) *permguard.Config {
	cfg, err := permguard.NewConfigLoader().LoadFile(filename)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	if err := cfg.ApplyEnv(""); err != nil {
		fail("Error reading environment: %v", err)
	}
	return cfg
}

func handleValidate() {
	if len(os.Args) < 3 {
		fail("Usage: permguard validate <config>")
	}
	cfg := loadConfig(os.Args[2])
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration: %v", err)
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Companies: %d\n", len(cfg.Companies))
	fmt.Printf("  Users: %d\n", len(cfg.Users))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
}

func handleStats() {
	if len(os.Args) < 3 {
		fail("Usage: permguard stats <config>")
	}
	filename := os.Args[2]
	cfg := loadConfig(filename)
	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Companies:   %d\n", len(cfg.Companies))
	fmt.Printf("  Users:       %d\n", len(cfg.Users))
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Printf("  Custom permissions: %d\n", len(cfg.Permissions))
	fmt.Println()

	if len(cfg.Roles) > 0 {
		totalPerms, projectRoles := 0, 0
		for _, r := range cfg.Roles {
			totalPerms += len(r.Permissions)
			if r.Scope == permguard.ScopeProject {
				projectRoles++
			}
		}
		fmt.Println("Role Details:")
		fmt.Printf("  Project scoped:    %d\n", projectRoles)
		fmt.Printf("  Total permissions: %d\n", totalPerms)
		fmt.Printf("  Avg per role:      %.1f\n", float64(totalPerms)/float64(len(cfg.Roles)))
		fmt.Println()
	}

	if len(cfg.Assignments) > 0 {
		expiring, overrides := 0, 0
		for _, a := range cfg.Assignments {
			if a.ExpiresAt != nil {
				expiring++
			}
			if _, ok := a.OverrideSet(); ok {
				overrides++
			}
		}
		fmt.Println("Assignment Details:")
		fmt.Printf("  Expiring:  %d\n", expiring)
		fmt.Printf("  Overrides: %d\n", overrides)
		fmt.Println()
	}

	now := time.Now()
	fmt.Println("Companies:")
	for _, c := range cfg.Companies {
		ttl := permguard.CacheTTL(c.Settings, time.Duration(cfg.Engine.DefaultCacheTTL)*time.Millisecond)
		line := fmt.Sprintf("  %-20s %-10s cache ttl %s", c.ID, c.Status, ttl)
		if cutoff, ok := permguard.RetentionCutoff(c, now); ok {
			line += ", audit kept since " + cutoff.Format(time.DateOnly)
		}
		fmt.Println(line)
	}
	fmt.Println()

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Default cache TTL:  %dms\n", cfg.Engine.DefaultCacheTTL)
	fmt.Printf("  Cache shards:       %d\n", cfg.Engine.CacheShards)
	fmt.Printf("  Sweep interval:     %dms\n", cfg.Engine.SweepInterval)
	fmt.Printf("  Audit queue size:   %d\n", cfg.Engine.AuditQueueSize)
	fmt.Printf("  Audit workers:      %d\n", cfg.Engine.AuditWorkers)
	fmt.Printf("  Redis address:      %s\n", orNone(cfg.Engine.RedisAddr))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func handleConvert() {
	if len(os.Args) < 4 {
		fail("Usage: permguard convert <input> <output>")
	}
	inputFile, outputFile := os.Args[2], os.Args[3]
	cfg, err := permguard.NewConfigLoader().LoadFile(inputFile)
	if err != nil {
		fail("Error loading config: %v", err)
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(outputFile)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		fail("Unsupported output format: %s", filepath.Ext(outputFile))
	}
	if err != nil {
		fail("Error encoding config: %v", err)
	}
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		fail("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handlePermissions() {
	cat := permguard.DefaultCatalog()
	if len(os.Args) >= 3 {
		var err error
		if cat, err = loadConfig(os.Args[2]).Catalog(); err != nil {
			fail("Invalid catalog: %v", err)
		}
	}
	for _, d := range cat.Definitions() {
		flag := ""
		if d.Sensitive {
			flag = " (sensitive)"
		}
		fmt.Printf("  %3d  %s%s\n", d.ID, d.Name, flag)
	}
}

// memoryEngine seeds an in-memory engine from cfg.
func memoryEngine(ctx context.Context, cfg *permguard.Config) *permguard.Engine {
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration: %v", err)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		fail("Invalid catalog: %v", err)
	}
	opts := append(cfg.Engine.Options(), permguard.WithCatalog(cat), permguard.WithLogger(logger.NewNullLogger()))
	engine, err := permguard.NewEngine(permguard.NewMemoryStore(), nil, opts...)
	if err != nil {
		fail("Error creating engine: %v", err)
	}
	if err := engine.ApplyConfig(ctx, "permguard-cli", cfg); err != nil {
		fail("Error applying config: %v", err)
	}
	return engine
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail("Error encoding output: %v", err)
	}
	fmt.Println(string(data))
}

func handleCheck() {
	if len(os.Args) < 6 {
		fail("Usage: permguard check <config> <user> <company> <perms> [project]")
	}
	ctx := context.Background()
	engine := memoryEngine(ctx, loadConfig(os.Args[2]))
	defer engine.Close(ctx)

	perms, err := engine.Catalog().Parse(os.Args[5])
	if err != nil {
		fail("Invalid permissions: %v", err)
	}
	opts := permguard.AuthorizeOptions{RequireAll: true, AllowSuperAdmin: true}
	if len(os.Args) > 6 {
		opts.ProjectID = os.Args[6]
	}
	decision, err := engine.Authorize(ctx, os.Args[3], os.Args[4], perms, opts)
	if err != nil {
		fail("Check failed (%d): %v", permguard.StatusCode(err), err)
	}
	printJSON(decision)
	if !decision.Allowed {
		os.Exit(2)
	}
}

func handleEffective() {
	if len(os.Args) < 5 {
		fail("Usage: permguard effective <config> <user> <company> [project]")
	}
	ctx := context.Background()
	engine := memoryEngine(ctx, loadConfig(os.Args[2]))
	defer engine.Close(ctx)

	project := ""
	if len(os.Args) > 5 {
		project = os.Args[5]
	}
	ep, err := engine.ComputeEffectivePermissions(ctx, os.Args[3], os.Args[4], project)
	if err != nil {
		fail("Error computing permissions (%d): %v", permguard.StatusCode(err), err)
	}
	printJSON(ep)
	for _, id := range ep.Permissions.IDs() {
		if d, ok := engine.Catalog().Lookup(id); ok {
			fmt.Printf("  %3d  %s\n", id, d.Name)
		}
	}
}

func handleEval() {
	if len(os.Args) < 4 {
		fail("Usage: permguard eval <condition.json> <context.json>")
	}
	cond, err := os.ReadFile(os.Args[2])
	if err != nil {
		fail("Error reading condition: %v", err)
	}
	raw, err := os.ReadFile(os.Args[3])
	if err != nil {
		fail("Error reading context: %v", err)
	}
	var pc permguard.PermissionContext
	if err := json.Unmarshal(raw, &pc); err != nil {
		fail("Invalid context: %v", err)
	}
	if pc.Time.IsZero() {
		pc.Time = time.Now()
	}
	expr, err := permguard.CompileCondition(permguard.Condition(cond))
	if err != nil {
		fail("Invalid condition: %v", err)
	}
	ok, err := permguard.EvaluateCondition(permguard.Condition(cond), &pc, nil)
	if err != nil {
		fail("Evaluation failed: %v", err)
	}
	fmt.Printf("%s => %v\n", expr, ok)
	if !ok {
		os.Exit(2)
	}
}

// openSQLite opens path and applies the embedded migrations. A single
// connection keeps SQLite writers from contending.
func openSQLite(ctx context.Context, path string) (*sql.DB, *squealx.DB) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		fail("Error opening database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := squealx.NewDb(sqlDB, "sqlite", "permguard")
	if err := stores.Migrate(ctx, db); err != nil {
		_ = sqlDB.Close()
		fail("Error migrating database: %v", err)
	}
	return sqlDB, db
}

func handleMigrate() {
	if len(os.Args) < 3 {
		fail("Usage: permguard migrate <sqlite-file>")
	}
	sqlDB, _ := openSQLite(context.Background(), os.Args[2])
	defer sqlDB.Close()
	fmt.Printf("Migrated %s\n", os.Args[2])
}

// handleApply migrates a SQLite database and writes the config's seed data
// through an engine backed by it. With a Redis address configured, other
// instances sharing the database drop their cached sets.
func handleApply() {
	if len(os.Args) < 4 {
		fail("Usage: permguard apply <config> <sqlite-file>")
	}
	ctx := context.Background()
	cfg := loadConfig(os.Args[2])
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration: %v", err)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		fail("Invalid catalog: %v", err)
	}

	sqlDB, db := openSQLite(ctx, os.Args[3])
	defer sqlDB.Close()

	log := logger.NewPhusluLogger("component", "permguard-cli")
	opts := append(cfg.Engine.Options(), permguard.WithCatalog(cat), permguard.WithLogger(log))
	if cfg.Engine.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Engine.RedisAddr})
		defer client.Close()
		bus := stores.NewRedisInvalidationBus(client, cfg.Engine.InvalidationChannel, log)
		defer bus.Close()
		opts = append(opts, permguard.WithInvalidationBus(bus))
	}

	engine, err := permguard.NewEngine(stores.NewSQLRoleStore(db), stores.NewSQLAuditSink(db), opts...)
	if err != nil {
		fail("Error creating engine: %v", err)
	}
	if err := engine.ApplyConfig(ctx, "permguard-cli", cfg); err != nil {
		_ = engine.Close(ctx)
		fail("Error applying config: %v", err)
	}
	if err := engine.Close(ctx); err != nil {
		fail("Error flushing audit log: %v", err)
	}

	fmt.Printf("Configuration applied to %s\n", os.Args[3])
	fmt.Printf("  Companies: %d\n", len(cfg.Companies))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
}
