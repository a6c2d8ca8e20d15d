package permguard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// IN-MEMORY ROLE STORE
// ============================================================================

// MemoryStore keeps roles, assignments, companies and users in maps. It
// implements RoleStore, UserDirectory and every writer capability.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	companies   map[string]*Company
	users       map[string]*User
	assignments map[string]*RoleAssignment
	// byMember indexes assignment ids by user and company.
	byMember map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[string]*Role),
		companies:   make(map[string]*Company),
		users:       make(map[string]*User),
		assignments: make(map[string]*RoleAssignment),
		byMember:    make(map[string]map[string]struct{}),
	}
}

func memberKey(userID, companyID string) string {
	return userID + "\x00" + companyID
}

func (s *MemoryStore) ListAssignments(_ context.Context, userID, companyID string) ([]*RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byMember[memberKey(userID, companyID)]
	out := make([]*RoleAssignment, 0, len(ids))
	for id := range ids {
		cp := *s.assignments[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetRole(_ context.Context, roleID string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("role %q: %w", roleID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetCompany(_ context.Context, companyID string) (*Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[companyID]
	if !ok {
		return nil, fmt.Errorf("company %q: %w", companyID, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) PutRole(_ context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Permissions = append([]PermissionID(nil), r.Permissions...)
	s.roles[r.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteRole(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("role %q: %w", roleID, ErrNotFound)
	}
	delete(s.roles, roleID)
	return nil
}

func (s *MemoryStore) PutCompany(_ context.Context, c *Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.companies[c.ID] = &cp
	return nil
}

func (s *MemoryStore) PutUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

// AssignRole stores a, replacing any assignment with the same id.
func (s *MemoryStore) AssignRole(_ context.Context, a *RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.assignments[a.ID]; ok {
		s.unindexLocked(old)
	}
	cp := *a
	cp.Override = nil
	if _, ok := a.OverrideSet(); ok {
		// an empty override still replaces the role's grants
		cp.Override = append([]PermissionID{}, a.Override...)
		cp.HasOverride = true
	}
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		cp.ExpiresAt = &t
	}
	s.assignments[a.ID] = &cp
	key := memberKey(a.UserID, a.CompanyID)
	if s.byMember[key] == nil {
		s.byMember[key] = make(map[string]struct{})
	}
	s.byMember[key][a.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) RevokeAssignment(_ context.Context, assignmentID string) (*RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, fmt.Errorf("assignment %q: %w", assignmentID, ErrNotFound)
	}
	s.unindexLocked(a)
	delete(s.assignments, assignmentID)
	return a, nil
}

func (s *MemoryStore) unindexLocked(a *RoleAssignment) {
	key := memberKey(a.UserID, a.CompanyID)
	delete(s.byMember[key], a.ID)
	if len(s.byMember[key]) == 0 {
		delete(s.byMember, key)
	}
}

// ============================================================================
// IN-MEMORY AUDIT SINK
// ============================================================================

// AuditFilter narrows Query results. Zero fields match everything.
type AuditFilter struct {
	ActorID   string
	CompanyID string
	Actions   []AuditAction
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f AuditFilter) Match(e *AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.CompanyID != "" && e.CompanyID != f.CompanyID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// MemoryAuditSink appends entries to a slice in arrival order.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) Append(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Query returns matching entries ordered by timestamp.
func (s *MemoryAuditSink) Query(_ context.Context, f AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
