package permguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/permguard/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

// ErrReadOnlyStore is returned by mutation helpers when the RoleStore lacks
// the needed writer capability.
var ErrReadOnlyStore = errors.New("permguard: store does not support this write")

// Engine is the decision façade. It is safe for concurrent use.
type Engine struct {
	store    RoleStore
	catalog  *Catalog
	cache    *PermissionCache
	compiler *ConditionCompiler
	audit    *AuditLogger
	bus      InvalidationBus

	auditOpts  AuditLoggerOptions
	instanceID string
	logger     logger.Logger
	metrics    *Metrics
	now        func() time.Time

	defaultTTL        time.Duration
	cacheShards       int
	cacheDisabled     bool
	sweepInterval     time.Duration
	condCounters      int64
	condMaxCost       int64
	condBuffer        int64
	platformAdminRole string

	flights  singleflight.Group
	inactive sync.Map

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine wires an engine over store. A nil sink keeps audit entries in memory.
func NewEngine(store RoleStore, sink AuditSink, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("permguard: nil role store")
	}
	e := &Engine{
		store:        store,
		catalog:      DefaultCatalog(),
		logger:       logger.NewPhusluLogger("component", "permguard"),
		now:          time.Now,
		defaultTTL:   DefaultCacheTTL,
		condCounters: 1e4,
		condMaxCost:  1 << 20,
		condBuffer:   64,
		instanceID:   uuid.NewString(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	compiler, err := NewConditionCompiler(e.condCounters, e.condMaxCost, e.condBuffer)
	if err != nil {
		return nil, fmt.Errorf("condition cache: %w", err)
	}
	e.compiler = compiler
	e.cache = NewPermissionCache(e.cacheShards, e.now)

	if sink == nil {
		sink = NewMemoryAuditSink()
	}
	ao := e.auditOpts
	if ao.Logger == nil {
		ao.Logger = e.logger
	}
	if ao.Metrics == nil {
		ao.Metrics = e.metrics
	}
	if ao.Now == nil {
		ao.Now = e.now
	}
	e.audit = NewAuditLogger(sink, ao)

	if e.bus != nil {
		if err := e.bus.Subscribe(context.Background(), e.applyRemote); err != nil {
			e.compiler.Close()
			_ = e.audit.Close(context.Background())
			return nil, fmt.Errorf("subscribe invalidations: %w", err)
		}
	}
	if e.sweepInterval > 0 && !e.cacheDisabled {
		e.wg.Add(1)
		go e.sweep()
	}
	return e, nil
}

// InstanceID identifies this engine on the invalidation bus.
func (e *Engine) InstanceID() string { return e.instanceID }

func (e *Engine) Catalog() *Catalog { return e.catalog }

// Cache exposes the effective-permission cache, mostly for inspection.
func (e *Engine) Cache() *PermissionCache { return e.cache }

func (e *Engine) sweep() {
	defer e.wg.Done()
	t := time.NewTicker(e.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			if n := e.cache.Sweep(); n > 0 {
				e.logger.Debug("swept expired cache entries", "entries", n)
			}
		}
	}
}

// Close stops background work and drains the audit queue.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.compiler.Close()
		err = e.audit.Close(ctx)
	})
	return err
}

// ============================================================================
// DECISIONS
// ============================================================================

// Authorize is Check with positional arguments.
func (e *Engine) Authorize(ctx context.Context, userID, companyID string, required []PermissionID, opts AuthorizeOptions) (*Decision, error) {
	return e.Check(ctx, CheckOptions{
		UserID:           userID,
		CompanyID:        companyID,
		Permissions:      required,
		AuthorizeOptions: opts,
	})
}

// BatchAuthorize runs several checks concurrently. Decisions keep request
// order; the first store failure aborts the batch.
func (e *Engine) BatchAuthorize(ctx context.Context, requests []CheckOptions) ([]*Decision, error) {
	decisions := make([]*Decision, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range requests {
		g.Go(func() error {
			d, err := e.Check(gctx, requests[i])
			decisions[i] = d
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return decisions, err
	}
	return decisions, nil
}

// GetEffectivePermissions returns a copy of the user's merged grants for the
// scope, served from cache when possible.
func (e *Engine) GetEffectivePermissions(ctx context.Context, userID, companyID, projectID string) (*EffectivePermissions, error) {
	company, err := e.activeCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	ep, _, err := e.effective(ctx, company, CacheKey{UserID: userID, CompanyID: companyID, ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	out := *ep
	out.Roles = append([]ContributingRole(nil), ep.Roles...)
	return &out, nil
}

// RecordEvent forwards a collaborator's event to the audit trail.
func (e *Engine) RecordEvent(ctx context.Context, entry *AuditEntry) error {
	return e.audit.Record(ctx, entry)
}

func (e *Engine) record(ctx context.Context, entry *AuditEntry) {
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Warn("audit record failed", "action", string(entry.Action), "actor", entry.ActorID, "error", err)
	}
}

// ============================================================================
// INVALIDATION
// ============================================================================

func (e *Engine) InvalidateUser(ctx context.Context, userID string) error {
	return e.invalidate(ctx, Invalidation{Kind: InvalidateUserKind, ID: userID})
}

func (e *Engine) InvalidateCompany(ctx context.Context, companyID string) error {
	return e.invalidate(ctx, Invalidation{Kind: InvalidateCompanyKind, ID: companyID})
}

func (e *Engine) InvalidateAll(ctx context.Context) error {
	return e.invalidate(ctx, Invalidation{Kind: InvalidateAllKind})
}

// invalidate applies inv locally, then tells the other instances.
func (e *Engine) invalidate(ctx context.Context, inv Invalidation) error {
	e.applyLocal(inv, false)
	if e.bus == nil {
		return nil
	}
	inv.Origin = e.instanceID
	inv.IssuedAt = e.now()
	if err := e.bus.Publish(ctx, inv); err != nil {
		e.logger.Error("invalidation publish failed", "kind", string(inv.Kind), "id", inv.ID, "error", err)
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

func (e *Engine) applyRemote(_ context.Context, inv Invalidation) {
	if inv.Origin == e.instanceID {
		return
	}
	e.applyLocal(inv, true)
}

func (e *Engine) applyLocal(inv Invalidation, remote bool) {
	var n int
	switch inv.Kind {
	case InvalidateUserKind:
		n = e.cache.InvalidateUser(inv.ID)
	case InvalidateCompanyKind:
		n = e.cache.InvalidateCompany(inv.ID)
		e.inactive.Delete(inv.ID)
	case InvalidateAllKind:
		n = e.cache.Purge()
		e.inactive.Range(func(k, _ any) bool {
			e.inactive.Delete(k)
			return true
		})
	default:
		e.logger.Warn("unknown invalidation kind", "kind", string(inv.Kind), "origin", inv.Origin)
		return
	}
	e.metrics.invalidation(inv.Kind, remote)
	e.logger.Debug("cache invalidated", "kind", string(inv.Kind), "id", inv.ID, "entries", n, "remote", remote)
}

// ============================================================================
// MUTATIONS
// ============================================================================

// AssignRole validates and stores a, then drops the user's cached sets.
// actorID becomes GrantedBy when a has none.
func (e *Engine) AssignRole(ctx context.Context, actorID string, a *RoleAssignment) error {
	w, ok := e.store.(AssignmentWriter)
	if !ok {
		return ErrReadOnlyStore
	}
	if err := ValidateAssignment(a); err != nil {
		return err
	}
	role, err := e.store.GetRole(ctx, a.RoleID)
	if err != nil {
		return fmt.Errorf("assign role %q: %w", a.RoleID, err)
	}
	if role.Scope != a.Scope {
		return fmt.Errorf("invalid assignment %q: role %q is %s scoped", a.ID, role.ID, role.Scope)
	}
	if err := checkCatalog(e.catalog, a.Override); err != nil {
		return fmt.Errorf("invalid assignment %q: %w", a.ID, err)
	}
	if a.Override != nil {
		a.HasOverride = true
	}
	if a.GrantedBy == "" {
		a.GrantedBy = actorID
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = e.now()
	}
	if err := w.AssignRole(ctx, a); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	_ = e.InvalidateUser(ctx, a.UserID)
	ctxMap := map[string]any{
		"assignment_id": a.ID,
		"user_id":       a.UserID,
		"role_id":       a.RoleID,
		"scope":         string(a.Scope),
	}
	if a.ProjectID != "" {
		ctxMap["project_id"] = a.ProjectID
	}
	if a.ExpiresAt != nil {
		ctxMap["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	e.record(ctx, &AuditEntry{Action: AuditRoleAssigned, ActorID: actorID, CompanyID: a.CompanyID, Context: ctxMap})
	return nil
}

func (e *Engine) RevokeAssignment(ctx context.Context, actorID, assignmentID string) error {
	w, ok := e.store.(AssignmentWriter)
	if !ok {
		return ErrReadOnlyStore
	}
	a, err := w.RevokeAssignment(ctx, assignmentID)
	if err != nil {
		return fmt.Errorf("revoke assignment %q: %w", assignmentID, err)
	}
	_ = e.InvalidateUser(ctx, a.UserID)
	e.record(ctx, &AuditEntry{
		Action:    AuditRoleRevoked,
		ActorID:   actorID,
		CompanyID: a.CompanyID,
		Context: map[string]any{
			"assignment_id": a.ID,
			"user_id":       a.UserID,
			"role_id":       a.RoleID,
		},
	})
	return nil
}

// PutRole creates or replaces r. Roles are shared across users, so every
// cached set is dropped.
func (e *Engine) PutRole(ctx context.Context, actorID string, r *Role) error {
	w, ok := e.store.(RoleWriter)
	if !ok {
		return ErrReadOnlyStore
	}
	if err := ValidateRole(r); err != nil {
		return err
	}
	if err := checkCatalog(e.catalog, r.Permissions); err != nil {
		return fmt.Errorf("invalid role %q: %w", r.ID, err)
	}
	action := AuditRoleCreated
	prev, err := e.store.GetRole(ctx, r.ID)
	switch {
	case err == nil && prev != nil:
		action = AuditRoleUpdated
		if r.CreatedAt.IsZero() {
			r.CreatedAt = prev.CreatedAt
		}
	case err != nil && !errors.Is(err, ErrNotFound):
		return fmt.Errorf("put role %q: %w", r.ID, err)
	}
	now := e.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := w.PutRole(ctx, r); err != nil {
		return fmt.Errorf("put role: %w", err)
	}
	_ = e.InvalidateAll(ctx)
	e.record(ctx, &AuditEntry{
		Action:  action,
		ActorID: actorID,
		Context: map[string]any{
			"role_id":     r.ID,
			"scope":       string(r.Scope),
			"permissions": NewPermissionSet(r.Permissions...).IDs(),
			"rank":        r.Rank,
		},
	})
	return nil
}

func (e *Engine) DeleteRole(ctx context.Context, actorID, roleID string) error {
	w, ok := e.store.(RoleWriter)
	if !ok {
		return ErrReadOnlyStore
	}
	if err := w.DeleteRole(ctx, roleID); err != nil {
		return fmt.Errorf("delete role %q: %w", roleID, err)
	}
	_ = e.InvalidateAll(ctx)
	e.record(ctx, &AuditEntry{Action: AuditRoleDeleted, ActorID: actorID, Context: map[string]any{"role_id": roleID}})
	return nil
}

// UpdateCompany stores c and drops the company's cached sets. A transition
// into suspension is audited on its own.
func (e *Engine) UpdateCompany(ctx context.Context, actorID string, c *Company) error {
	w, ok := e.store.(CompanyWriter)
	if !ok {
		return ErrReadOnlyStore
	}
	if err := ValidateCompany(c); err != nil {
		return err
	}
	prev, err := e.store.GetCompany(ctx, c.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("update company %q: %w", c.ID, err)
	}
	if err := w.PutCompany(ctx, c); err != nil {
		return fmt.Errorf("update company: %w", err)
	}
	_ = e.InvalidateCompany(ctx, c.ID)
	ctxMap := map[string]any{"status": string(c.Status)}
	if prev != nil {
		ctxMap["previous_status"] = string(prev.Status)
	}
	e.record(ctx, &AuditEntry{Action: AuditCompanyChange, ActorID: actorID, CompanyID: c.ID, Context: ctxMap})
	if c.Status == CompanySuspended && (prev == nil || prev.Status != CompanySuspended) {
		e.record(ctx, &AuditEntry{Action: AuditCompanySusp, ActorID: actorID, CompanyID: c.ID})
	}
	return nil
}
