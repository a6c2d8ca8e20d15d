// Package permguard decides whether a user may act inside a company and,
// optionally, one of its projects. It merges company and project scoped role
// grants, layers attribute conditions on top, caches the merged grant set
// per scope with an expiry, and records security events to an audit sink.
package permguard

import (
	"context"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// PlatformCompanyID is the pseudo company under which platform-wide
// assignments (such as the platform admin) are stored.
const PlatformCompanyID = "__platform__"

type CompanyStatus string

const (
	CompanyActive    CompanyStatus = "active"
	CompanySuspended CompanyStatus = "suspended"
	CompanyPending   CompanyStatus = "pending"
)

// User is reference data owned by the identity subsystem.
type User struct {
	ID          string    `json:"id" yaml:"id" validate:"required"`
	Email       string    `json:"email" yaml:"email" validate:"omitempty,email"`
	FirstName   string    `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	CompanyID   string    `json:"company_id" yaml:"company_id" validate:"required"`
	MFAEnabled  bool      `json:"mfa_enabled" yaml:"mfa_enabled"`
	LastLoginAt time.Time `json:"last_login_at,omitempty" yaml:"last_login_at,omitempty"`
}

type PasswordPolicy struct {
	MinLength      int  `json:"min_length" yaml:"min_length"`
	RequireSymbols bool `json:"require_symbols" yaml:"require_symbols"`
	RequireNumbers bool `json:"require_numbers" yaml:"require_numbers"`
	MaxAgeDays     int  `json:"max_age_days" yaml:"max_age_days"`
}

// CompanySettings durations read as Go duration strings ("30m") from YAML.
type CompanySettings struct {
	RequireMFA                bool           `json:"require_mfa" yaml:"require_mfa"`
	SessionTimeout            time.Duration  `json:"session_timeout" yaml:"session_timeout"`
	PasswordPolicy            PasswordPolicy `json:"password_policy" yaml:"password_policy"`
	AuditRetention            time.Duration  `json:"audit_retention" yaml:"audit_retention"`
	AllowCrossCompanyAccess   bool           `json:"allow_cross_company_access" yaml:"allow_cross_company_access"`
	RequireFinancialElevation bool           `json:"require_financial_elevation" yaml:"require_financial_elevation"`
}

type Company struct {
	ID       string          `json:"id" yaml:"id" validate:"required"`
	Name     string          `json:"name" yaml:"name"`
	Status   CompanyStatus   `json:"status" yaml:"status" validate:"required,oneof=active suspended pending"`
	Settings CompanySettings `json:"settings" yaml:"settings"`
}

func (c *Company) Active() bool {
	return c != nil && c.Status == CompanyActive
}

// ScopeKind tells whether a role or assignment applies company-wide or to a single project.
type ScopeKind string

const (
	ScopeCompany ScopeKind = "company"
	ScopeProject ScopeKind = "project"
)

// Role grants a set of permissions. Rank orders roles for minimum-role
// checks; higher is more privileged. Platform marks the platform admin role.
type Role struct {
	ID          string         `json:"id" yaml:"id" validate:"required"`
	Name        string         `json:"name" yaml:"name"`
	Scope       ScopeKind      `json:"scope" yaml:"scope" validate:"required,oneof=company project"`
	Permissions []PermissionID `json:"permissions" yaml:"permissions"`
	Rank        int            `json:"rank" yaml:"rank" validate:"gte=0"`
	Platform    bool           `json:"platform,omitempty" yaml:"platform,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// RoleAssignment binds a user to a role inside a company, optionally
// narrowed to one project. An override, when present, replaces the role's grants.
type RoleAssignment struct {
	ID        string         `json:"id" yaml:"id" validate:"required"`
	UserID    string         `json:"user_id" yaml:"user_id" validate:"required"`
	RoleID    string         `json:"role_id" yaml:"role_id" validate:"required"`
	CompanyID string         `json:"company_id" yaml:"company_id" validate:"required"`
	Scope     ScopeKind      `json:"scope" yaml:"scope" validate:"required,oneof=company project"`
	ProjectID string         `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Override  []PermissionID `json:"override,omitempty" yaml:"override,omitempty"`
	// HasOverride distinguishes an empty override (grant nothing) from none.
	HasOverride bool      `json:"has_override,omitempty" yaml:"has_override,omitempty"`
	GrantedBy   string    `json:"granted_by,omitempty" yaml:"granted_by,omitempty"`
	GrantedAt   time.Time `json:"granted_at,omitempty" yaml:"granted_at,omitempty"`
}

// Expired reports whether the assignment is no longer in force at now.
func (a *RoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// OverrideSet returns the override grants and whether one is present.
func (a *RoleAssignment) OverrideSet() (PermissionSet, bool) {
	if a.Override == nil && !a.HasOverride {
		return PermissionSet{}, false
	}
	return NewPermissionSet(a.Override...), true
}

// ScopeValid checks the project id against the scope kind.
func (a *RoleAssignment) ScopeValid() bool {
	switch a.Scope {
	case ScopeCompany:
		return a.ProjectID == ""
	case ScopeProject:
		return a.ProjectID != ""
	}
	return false
}

// AppliesTo reports whether the assignment contributes for projectID.
func (a *RoleAssignment) AppliesTo(projectID string) bool {
	if a.Scope == ScopeCompany {
		return true
	}
	return projectID != "" && a.ProjectID == projectID
}

// ABACRule is a serialized condition attached to a single check.
type ABACRule struct {
	ID          string         `json:"id,omitempty" yaml:"id,omitempty"`
	Condition   Condition      `json:"condition" yaml:"condition"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
}

// PermissionContext is the attribute bag conditions read from.
type PermissionContext struct {
	CompanyID  string         `json:"company_id"`
	UserID     string         `json:"user_id"`
	ProjectID  string         `json:"project_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Time       time.Time      `json:"time,omitempty"`
}

// ContributingRole records one assignment that fed an effective set.
type ContributingRole struct {
	RoleID       string    `json:"role_id"`
	Name         string    `json:"name"`
	Scope        ScopeKind `json:"scope"`
	Rank         int       `json:"rank"`
	AssignmentID string    `json:"assignment_id"`
	ProjectID    string    `json:"project_id,omitempty"`
}

// EffectivePermissions is the merged grant set for one scope key. It is a
// cache value; always rebuildable from the store.
type EffectivePermissions struct {
	UserID      string             `json:"user_id"`
	CompanyID   string             `json:"company_id"`
	ProjectID   string             `json:"project_id,omitempty"`
	Permissions PermissionSet      `json:"permissions"`
	Roles       []ContributingRole `json:"roles"`
	HighestRank int                `json:"highest_rank"`
	ComputedAt  time.Time          `json:"computed_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

func (e *EffectivePermissions) Valid(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

func (e *EffectivePermissions) RoleIDs() []string {
	out := make([]string, 0, len(e.Roles))
	for _, r := range e.Roles {
		out = append(out, r.RoleID)
	}
	return out
}

// Decision is the outcome of a check. Denials carry a Kind and Reason.
type Decision struct {
	Allowed           bool               `json:"allowed"`
	Reason            string             `json:"reason"`
	Kind              ErrorKind          `json:"kind,omitempty"`
	Required          []PermissionID     `json:"required,omitempty"`
	Held              []PermissionID     `json:"held,omitempty"`
	ContributingRoles []ContributingRole `json:"contributing_roles,omitempty"`
	RuleErrors        []RuleError        `json:"rule_errors,omitempty"`
	CacheHit          bool               `json:"cache_hit"`
	Timestamp         time.Time          `json:"timestamp"`
}

// Err returns the typed error for a denial and nil for an allow.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return &Error{Kind: d.Kind, Reason: d.Reason, Required: d.Required, Held: d.Held}
}

// RuleError names a rule whose condition could not be compiled.
type RuleError struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// Decision reasons.
const (
	ReasonGranted            = "GRANTED"
	ReasonSuperAdminBypass   = "SUPER_ADMIN_BYPASS"
	ReasonCompanySuspended   = "COMPANY_SUSPENDED"
	ReasonCompanyNotFound    = "COMPANY_NOT_FOUND"
	ReasonCrossCompanyDenied = "CROSS_COMPANY_ACCESS_DENIED"
	ReasonMissingPermissions = "MISSING_PERMISSIONS"
	ReasonNoKnownPermissions = "NO_KNOWN_PERMISSIONS"
	ReasonConditionFailed    = "ABAC_CONDITION_FAILED"
	ReasonRuleError          = "RULE_EVALUATION_ERROR"
	ReasonInsufficientRole   = "INSUFFICIENT_ROLE"
	ReasonUnknownMinimumRole = "UNKNOWN_MINIMUM_ROLE"
	ReasonMFARequired        = "MFA_REQUIRED"
	ReasonElevationRequired  = "ELEVATION_REQUIRED"
	ReasonStoreUnavailable   = "STORE_UNAVAILABLE"
	ReasonInvalidRequest     = "INVALID_REQUEST"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// RoleStore is the read side the engine depends on. Lookups of missing
// records must return an error wrapping ErrNotFound; any other error is
// treated as the store being unavailable.
type RoleStore interface {
	ListAssignments(ctx context.Context, userID, companyID string) ([]*RoleAssignment, error)
	GetRole(ctx context.Context, roleID string) (*Role, error)
	GetCompany(ctx context.Context, companyID string) (*Company, error)
}

// UserDirectory is an optional RoleStore capability used for home company
// and MFA checks.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

type RoleWriter interface {
	PutRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, roleID string) error
}

type AssignmentWriter interface {
	AssignRole(ctx context.Context, a *RoleAssignment) error
	// RevokeAssignment removes and returns the assignment.
	RevokeAssignment(ctx context.Context, assignmentID string) (*RoleAssignment, error)
}

type CompanyWriter interface {
	PutCompany(ctx context.Context, c *Company) error
}

type UserWriter interface {
	PutUser(ctx context.Context, u *User) error
}

// AuditSink is where queued audit entries end up.
type AuditSink interface {
	Append(ctx context.Context, entry *AuditEntry) error
}
