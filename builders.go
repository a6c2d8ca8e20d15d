package permguard

import (
	"encoding/json"
	"time"
)

// ============================================================================
// ROLE / ASSIGNMENT BUILDERS
// ============================================================================

type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder(id string) *RoleBuilder {
	return &RoleBuilder{r: &Role{ID: id, Name: id, Scope: ScopeCompany, Permissions: []PermissionID{}}}
}

func (b *RoleBuilder) Name(n string) *RoleBuilder      { b.r.Name = n; return b }
func (b *RoleBuilder) Scope(s ScopeKind) *RoleBuilder  { b.r.Scope = s; return b }
func (b *RoleBuilder) Rank(rank int) *RoleBuilder      { b.r.Rank = rank; return b }
func (b *RoleBuilder) Platform(p bool) *RoleBuilder    { b.r.Platform = p; return b }
func (b *RoleBuilder) Grant(ids ...PermissionID) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, ids...)
	return b
}
func (b *RoleBuilder) Build() *Role { return b.r }

type AssignmentBuilder struct {
	a *RoleAssignment
}

// NewAssignment starts a company-scoped assignment.
func NewAssignment(id, userID, roleID, companyID string) *AssignmentBuilder {
	return &AssignmentBuilder{a: &RoleAssignment{
		ID:        id,
		UserID:    userID,
		RoleID:    roleID,
		CompanyID: companyID,
		Scope:     ScopeCompany,
	}}
}

// Project narrows the assignment to projectID.
func (b *AssignmentBuilder) Project(projectID string) *AssignmentBuilder {
	b.a.Scope = ScopeProject
	b.a.ProjectID = projectID
	return b
}

func (b *AssignmentBuilder) ExpiresAt(t time.Time) *AssignmentBuilder {
	b.a.ExpiresAt = &t
	return b
}

// Override replaces the role's grants; with no ids it grants nothing.
func (b *AssignmentBuilder) Override(ids ...PermissionID) *AssignmentBuilder {
	b.a.Override = append([]PermissionID{}, ids...)
	b.a.HasOverride = true
	return b
}

func (b *AssignmentBuilder) GrantedBy(actor string) *AssignmentBuilder { b.a.GrantedBy = actor; return b }
func (b *AssignmentBuilder) Build() *RoleAssignment                    { return b.a }

// ============================================================================
// CONFIG BUILDER
// ============================================================================

// ConfigBuilder provides a fluent API for building configurations.
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:     1,
			Companies:   []*Company{},
			Roles:       []*Role{},
			Assignments: []*RoleAssignment{},
			Engine: EngineConfig{
				DefaultCacheTTL: DefaultCacheTTL.Milliseconds(),
				CacheShards:     32,
				AuditQueueSize:  1024,
				AuditWorkers:    1,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddCompany(c *Company) *ConfigBuilder {
	b.cfg.Companies = append(b.cfg.Companies, c)
	return b
}

func (b *ConfigBuilder) AddUser(u *User) *ConfigBuilder {
	b.cfg.Users = append(b.cfg.Users, u)
	return b
}

func (b *ConfigBuilder) AddPermission(d PermissionDef) *ConfigBuilder {
	b.cfg.Permissions = append(b.cfg.Permissions, d)
	return b
}

func (b *ConfigBuilder) AddRole(r *Role) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r)
	return b
}

func (b *ConfigBuilder) AddAssignment(a *RoleAssignment) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, a)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

// ============================================================================
// CONDITION BUILDER
// ============================================================================

// ConditionBuilder assembles a JSON-logic condition.
type ConditionBuilder struct {
	node any
}

func varRef(path string) map[string]any { return map[string]any{"var": path} }

func logicOp(name string, args ...any) *ConditionBuilder {
	return &ConditionBuilder{node: map[string]any{name: args}}
}

func Eq(path string, value any) *ConditionBuilder  { return logicOp("==", varRef(path), value) }
func Neq(path string, value any) *ConditionBuilder { return logicOp("!=", varRef(path), value) }
func Gt(path string, value any) *ConditionBuilder  { return logicOp(">", varRef(path), value) }
func Gte(path string, value any) *ConditionBuilder { return logicOp(">=", varRef(path), value) }
func Lt(path string, value any) *ConditionBuilder  { return logicOp("<", varRef(path), value) }
func Lte(path string, value any) *ConditionBuilder { return logicOp("<=", varRef(path), value) }

// Between is lo <= path <= hi.
func Between(path string, lo, hi any) *ConditionBuilder { return logicOp("<=", lo, varRef(path), hi) }

func In(path string, values ...any) *ConditionBuilder {
	if values == nil {
		values = []any{}
	}
	return logicOp("in", varRef(path), values)
}

func Match(path, pattern string) *ConditionBuilder { return logicOp("match", varRef(path), pattern) }

func CIDR(path string, networks ...string) *ConditionBuilder {
	nets := make([]any, len(networks))
	for i, n := range networks {
		nets[i] = n
	}
	return logicOp("cidr", varRef(path), nets)
}

func Truthy(path string) *ConditionBuilder { return &ConditionBuilder{node: map[string]any{"!!": varRef(path)}} }

func All(terms ...*ConditionBuilder) *ConditionBuilder { return join("and", terms) }
func Any(terms ...*ConditionBuilder) *ConditionBuilder { return join("or", terms) }

func Not(term *ConditionBuilder) *ConditionBuilder {
	return &ConditionBuilder{node: map[string]any{"!": term.node}}
}

func join(name string, terms []*ConditionBuilder) *ConditionBuilder {
	nodes := make([]any, len(terms))
	for i, t := range terms {
		nodes[i] = t.node
	}
	return &ConditionBuilder{node: map[string]any{name: nodes}}
}

// Build serializes the condition.
func (c *ConditionBuilder) Build() Condition {
	data, err := json.Marshal(c.node)
	if err != nil {
		// only reachable with unmarshalable literal values
		return Condition(`{"invalid":[]}`)
	}
	return Condition(data)
}

// Rule wraps the condition in an ABACRule.
func (c *ConditionBuilder) Rule(id string) ABACRule {
	return ABACRule{ID: id, Condition: c.Build()}
}
