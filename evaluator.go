package permguard

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"
)

// AuthorizeOptions tune a single check.
type AuthorizeOptions struct {
	// RequireAll demands every required permission; otherwise one suffices.
	RequireAll bool
	ProjectID  string
	// AllowSuperAdmin lets a platform admin through unconditionally.
	AllowSuperAdmin bool
	// Rules are ANDed; a rule that fails to compile denies the check.
	Rules []ABACRule
	// Context is the attribute bag for Rules. Its user, company and
	// project are always replaced by those of the check.
	Context *PermissionContext
	// MinimumRole names a role whose rank the user must reach.
	MinimumRole string
}

// CheckOptions is a complete check request.
type CheckOptions struct {
	UserID      string
	CompanyID   string
	Permissions []PermissionID
	AuthorizeOptions
}

func (o CheckOptions) cacheKey() CacheKey {
	return CacheKey{UserID: o.UserID, CompanyID: o.CompanyID, ProjectID: o.ProjectID}
}

// ComputeEffectivePermissions merges the user's grants for the scope
// straight from the store, bypassing the cache.
func (e *Engine) ComputeEffectivePermissions(ctx context.Context, userID, companyID, projectID string) (*EffectivePermissions, error) {
	company, err := e.activeCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	return e.compute(ctx, company, CacheKey{UserID: userID, CompanyID: companyID, ProjectID: projectID})
}

// activeCompany loads the company and rejects anything not active.
func (e *Engine) activeCompany(ctx context.Context, companyID string) (*Company, error) {
	company, err := e.store.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &Error{Kind: KindCompanyAccessDenied, Reason: ReasonCompanyNotFound, Err: err}
		}
		e.metrics.storeError("get_company")
		return nil, storeUnavailable("get company "+companyID, err)
	}
	if company == nil {
		return nil, &Error{Kind: KindCompanyAccessDenied, Reason: ReasonCompanyNotFound}
	}
	if !company.Active() {
		e.observeInactive(companyID)
		return company, &Error{Kind: KindCompanyAccessDenied, Reason: ReasonCompanySuspended}
	}
	e.inactive.Delete(companyID)
	return company, nil
}

// observeInactive drops cached sets the first time a company is seen non-active.
func (e *Engine) observeInactive(companyID string) {
	if _, seen := e.inactive.LoadOrStore(companyID, struct{}{}); seen {
		return
	}
	n := e.cache.InvalidateCompany(companyID)
	e.metrics.invalidation(InvalidateCompanyKind, false)
	e.logger.Info("company inactive, cache dropped", "company", companyID, "entries", n)
}

// effective serves the scope from cache or recomputes it, collapsing
// concurrent misses for the same key and epoch.
func (e *Engine) effective(ctx context.Context, company *Company, key CacheKey) (*EffectivePermissions, bool, error) {
	if e.cacheDisabled {
		ep, err := e.compute(ctx, company, key)
		return ep, false, err
	}
	if ep, ok := e.cache.Get(key); ok {
		e.metrics.cacheLookup(true)
		return ep, true, nil
	}
	e.metrics.cacheLookup(false)
	epoch := e.cache.Epoch()
	flight := key.String() + "#" + strconv.FormatUint(epoch, 10)
	// the flight is shared, so one caller's cancellation must not fail the rest
	v, err, _ := e.flights.Do(flight, func() (any, error) {
		ep, err := e.compute(context.WithoutCancel(ctx), company, key)
		if err != nil {
			return nil, err
		}
		e.cache.Put(key, ep, epoch)
		return ep, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*EffectivePermissions), false, nil
}

// compute is a pure function of store state and the clock.
func (e *Engine) compute(ctx context.Context, company *Company, key CacheKey) (*EffectivePermissions, error) {
	assignments, err := e.store.ListAssignments(ctx, key.UserID, key.CompanyID)
	if err != nil {
		e.metrics.storeError("list_assignments")
		return nil, storeUnavailable("list assignments", err)
	}
	now := e.now()
	ep := &EffectivePermissions{
		UserID:     key.UserID,
		CompanyID:  key.CompanyID,
		ProjectID:  key.ProjectID,
		Roles:      []ContributingRole{},
		ComputedAt: now,
	}
	expires := now.Add(CacheTTL(company.Settings, e.defaultTTL))

	sorted := make([]*RoleAssignment, 0, len(assignments))
	for _, a := range assignments {
		if a != nil {
			sorted = append(sorted, a)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	roles := make(map[string]*Role)
	for _, a := range sorted {
		if a.UserID != key.UserID || a.CompanyID != key.CompanyID {
			continue
		}
		if a.Expired(now) {
			continue
		}
		if !a.ScopeValid() {
			e.logger.Warn("skipping assignment with invalid scope", "assignment", a.ID, "scope", string(a.Scope), "project", a.ProjectID)
			continue
		}
		if !a.AppliesTo(key.ProjectID) {
			continue
		}
		role, ok := roles[a.RoleID]
		if !ok {
			role, err = e.store.GetRole(ctx, a.RoleID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					e.logger.Warn("skipping assignment with unknown role", "assignment", a.ID, "role", a.RoleID)
					roles[a.RoleID] = nil
					continue
				}
				e.metrics.storeError("get_role")
				return nil, storeUnavailable("get role "+a.RoleID, err)
			}
			roles[a.RoleID] = role
		}
		if role == nil {
			continue
		}
		if role.Scope != a.Scope {
			e.logger.Warn("skipping assignment whose scope differs from its role", "assignment", a.ID, "role", role.ID, "role_scope", string(role.Scope), "scope", string(a.Scope))
			continue
		}
		grants := NewPermissionSet(role.Permissions...)
		if ov, ok := a.OverrideSet(); ok {
			grants = ov
		}
		ep.Permissions = ep.Permissions.Union(grants)
		if len(ep.Roles) == 0 || role.Rank > ep.HighestRank {
			ep.HighestRank = role.Rank
		}
		ep.Roles = append(ep.Roles, ContributingRole{
			RoleID:       role.ID,
			Name:         role.Name,
			Scope:        a.Scope,
			Rank:         role.Rank,
			AssignmentID: a.ID,
			ProjectID:    a.ProjectID,
		})
		if a.ExpiresAt != nil && a.ExpiresAt.Before(expires) {
			expires = *a.ExpiresAt
		}
	}
	ep.Permissions = e.catalog.Filter(ep.Permissions)
	ep.ExpiresAt = expires
	return ep, nil
}

// isPlatformAdmin looks for a live platform assignment.
func (e *Engine) isPlatformAdmin(ctx context.Context, userID string) (bool, error) {
	assignments, err := e.store.ListAssignments(ctx, userID, PlatformCompanyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		e.metrics.storeError("list_assignments")
		return false, storeUnavailable("list platform assignments", err)
	}
	now := e.now()
	for _, a := range assignments {
		if a == nil || a.UserID != userID || a.Expired(now) {
			continue
		}
		if e.platformAdminRole != "" && a.RoleID == e.platformAdminRole {
			return true, nil
		}
		role, err := e.store.GetRole(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			e.metrics.storeError("get_role")
			return false, storeUnavailable("get role "+a.RoleID, err)
		}
		if role != nil && role.Platform {
			return true, nil
		}
	}
	return false, nil
}

// Check runs the full decision procedure. A non-nil error is returned only
// when the store is unavailable; the decision is then a deny.
func (e *Engine) Check(ctx context.Context, opts CheckOptions) (*Decision, error) {
	started := time.Now()
	d := &Decision{Timestamp: e.now(), Required: append([]PermissionID(nil), opts.Permissions...)}
	defer func() { e.metrics.decision(d, started) }()

	if opts.UserID == "" || opts.CompanyID == "" {
		e.deny(ctx, d, opts, KindPermissionDenied, ReasonInvalidRequest)
		return d, nil
	}

	company, err := e.activeCompany(ctx, opts.CompanyID)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Kind == KindStoreUnavailable {
			return d, e.unavailable(ctx, d, opts, pe)
		}
		reason := ReasonCompanyNotFound
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		e.deny(ctx, d, opts, KindCompanyAccessDenied, reason)
		return d, nil
	}

	if opts.AllowSuperAdmin {
		admin, err := e.isPlatformAdmin(ctx, opts.UserID)
		if err != nil {
			var pe *Error
			errors.As(err, &pe)
			return d, e.unavailable(ctx, d, opts, pe)
		}
		if admin {
			d.Allowed = true
			d.Reason = ReasonSuperAdminBypass
			e.record(ctx, &AuditEntry{
				Action:    AuditSuperAdmin,
				ActorID:   opts.UserID,
				CompanyID: opts.CompanyID,
				Context:   e.auditContext(d, opts),
			})
			return d, nil
		}
	}

	if dir, ok := e.store.(UserDirectory); ok {
		user, err := dir.GetUser(ctx, opts.UserID)
		switch {
		case err == nil && user != nil:
			if user.CompanyID != opts.CompanyID && !company.Settings.AllowCrossCompanyAccess {
				e.deny(ctx, d, opts, KindCompanyAccessDenied, ReasonCrossCompanyDenied)
				return d, nil
			}
			if company.Settings.RequireMFA && !user.MFAEnabled {
				e.deny(ctx, d, opts, KindPermissionDenied, ReasonMFARequired)
				return d, nil
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			e.metrics.storeError("get_user")
			return d, e.unavailable(ctx, d, opts, storeUnavailable("get user "+opts.UserID, err))
		}
	}

	pc := e.permissionContext(opts)
	if company.Settings.RequireFinancialElevation && e.catalog.Sensitive(opts.Permissions) {
		if !truthy(normalize(pc.Attributes["elevated"])) {
			e.deny(ctx, d, opts, KindPermissionDenied, ReasonElevationRequired)
			return d, nil
		}
	}

	ep, hit, err := e.effective(ctx, company, opts.cacheKey())
	if err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			pe = storeUnavailable("effective permissions", err)
		}
		return d, e.unavailable(ctx, d, opts, pe)
	}
	d.CacheHit = hit
	d.Held = ep.Permissions.IDs()
	d.ContributingRoles = append([]ContributingRole(nil), ep.Roles...)

	if opts.MinimumRole != "" {
		minRole, err := e.store.GetRole(ctx, opts.MinimumRole)
		switch {
		case errors.Is(err, ErrNotFound) || (err == nil && minRole == nil):
			e.deny(ctx, d, opts, KindInsufficientRole, ReasonUnknownMinimumRole)
			return d, nil
		case err != nil:
			e.metrics.storeError("get_role")
			return d, e.unavailable(ctx, d, opts, storeUnavailable("get role "+opts.MinimumRole, err))
		}
		if len(ep.Roles) == 0 || ep.HighestRank < minRole.Rank {
			e.deny(ctx, d, opts, KindInsufficientRole, ReasonInsufficientRole)
			return d, nil
		}
	}

	var outcome RuleOutcome
	if len(opts.Rules) > 0 {
		outcome = e.compiler.EvaluateRules(opts.Rules, pc)
		if len(outcome.Errors) > 0 {
			d.RuleErrors = outcome.Errors
			e.logger.Error("abac rule evaluation failed", "user", opts.UserID, "company", opts.CompanyID, "errors", len(outcome.Errors))
			ctxMap := e.auditContext(d, opts)
			ctxMap["rule_errors"] = outcome.Errors
			e.record(ctx, &AuditEntry{Action: AuditRuleError, ActorID: opts.UserID, CompanyID: opts.CompanyID, Context: ctxMap})
			e.deny(ctx, d, opts, KindRuleEvaluation, ReasonRuleError)
			return d, nil
		}
	}

	if !e.satisfies(ep.Permissions, opts.Permissions, opts.RequireAll) {
		reason := ReasonMissingPermissions
		if len(opts.Permissions) > 0 && len(e.known(opts.Permissions)) == 0 {
			reason = ReasonNoKnownPermissions
		}
		e.deny(ctx, d, opts, KindPermissionDenied, reason)
		return d, nil
	}

	if len(outcome.Failed) > 0 {
		e.deny(ctx, d, opts, KindPermissionDenied, ReasonConditionFailed)
		return d, nil
	}

	d.Allowed = true
	d.Reason = ReasonGranted
	return d, nil
}

func (e *Engine) known(ids []PermissionID) []PermissionID {
	out := make([]PermissionID, 0, len(ids))
	for _, id := range ids {
		if e.catalog.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// satisfies applies requireAll/requireOne over the catalog-known subset of
// required. A list naming only unknown permissions is never satisfied.
func (e *Engine) satisfies(held PermissionSet, required []PermissionID, requireAll bool) bool {
	if len(required) == 0 {
		return true
	}
	known := e.known(required)
	if len(known) == 0 {
		return false
	}
	if requireAll {
		return held.HasAll(known...)
	}
	return held.HasAny(known...)
}

func (e *Engine) permissionContext(opts CheckOptions) *PermissionContext {
	pc := PermissionContext{}
	if opts.Context != nil {
		pc = *opts.Context
	}
	// identity always comes from the check, never from caller attributes
	pc.UserID = opts.UserID
	pc.CompanyID = opts.CompanyID
	pc.ProjectID = opts.ProjectID
	if pc.Time.IsZero() {
		pc.Time = e.now()
	}
	return &pc
}

func (e *Engine) deny(ctx context.Context, d *Decision, opts CheckOptions, kind ErrorKind, reason string) {
	d.Allowed = false
	d.Kind = kind
	d.Reason = reason
	e.logger.Debug("permission denied", "user", opts.UserID, "company", opts.CompanyID, "project", opts.ProjectID, "kind", string(kind), "reason", reason)
	e.record(ctx, &AuditEntry{
		Action:    AuditPermDenied,
		ActorID:   opts.UserID,
		CompanyID: opts.CompanyID,
		Context:   e.auditContext(d, opts),
	})
}

// unavailable fails closed and hands the fault back to the caller.
func (e *Engine) unavailable(ctx context.Context, d *Decision, opts CheckOptions, pe *Error) error {
	if pe == nil {
		pe = &Error{Kind: KindStoreUnavailable, Reason: ReasonStoreUnavailable}
	}
	e.logger.Error("role store unavailable", "user", opts.UserID, "company", opts.CompanyID, "error", pe)
	e.record(ctx, &AuditEntry{
		Action:    AuditStoreDown,
		ActorID:   opts.UserID,
		CompanyID: opts.CompanyID,
		Context:   map[string]any{"error": pe.Error()},
	})
	e.deny(ctx, d, opts, KindStoreUnavailable, ReasonStoreUnavailable)
	return pe
}

func (e *Engine) auditContext(d *Decision, opts CheckOptions) map[string]any {
	m := map[string]any{
		"reason":      d.Reason,
		"required":    d.Required,
		"require_all": opts.RequireAll,
	}
	if d.Kind != "" {
		m["kind"] = string(d.Kind)
	}
	if d.Held != nil {
		m["held"] = d.Held
	}
	if opts.ProjectID != "" {
		m["project_id"] = opts.ProjectID
	}
	if opts.MinimumRole != "" {
		m["minimum_role"] = opts.MinimumRole
	}
	if pc := opts.Context; pc != nil {
		if pc.ResourceID != "" {
			m["resource_id"] = pc.ResourceID
		}
		if pc.IP != "" {
			m["ip"] = pc.IP
		}
		if pc.UserAgent != "" {
			m["user_agent"] = pc.UserAgent
		}
	}
	return m
}
