package permguard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/permguard/logger"
)

var testEpoch = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable time source shared by the engine, cache and audit logger.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	store  *MemoryStore
	sink   *MemoryAuditSink
	clock  *fakeClock
}

// newFixture builds an engine over a store holding company "acme" and the
// roles member {1,2}, contributor (project) {3}, viewer (rank 10) and
// manager (rank 50).
func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	sink := NewMemoryAuditSink()
	clock := newFakeClock()

	mustPut := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	mustPut(store.PutCompany(ctx, &Company{ID: "acme", Name: "Acme", Status: CompanyActive}))
	mustPut(store.PutRole(ctx, NewRoleBuilder("member").Grant(PermViewCompany, PermManageCompany).Rank(5).Build()))
	mustPut(store.PutRole(ctx, NewRoleBuilder("contributor").Scope(ScopeProject).Grant(PermManageUsers).Rank(20).Build()))
	mustPut(store.PutRole(ctx, NewRoleBuilder("viewer").Grant(PermViewProjects, PermViewPhotos).Rank(10).Build()))
	mustPut(store.PutRole(ctx, NewRoleBuilder("manager").Grant(PermViewProjects, PermEditProject, PermViewFinancials).Rank(50).Build()))

	base := []EngineOption{WithClock(clock.Now), WithLogger(logger.NewNullLogger())}
	e, err := NewEngine(store, sink, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return &fixture{engine: e, store: store, sink: sink, clock: clock}
}

func (f *fixture) assign(t *testing.T, a *RoleAssignment) {
	t.Helper()
	if err := f.store.AssignRole(context.Background(), a); err != nil {
		t.Fatalf("assign %s: %v", a.ID, err)
	}
}

func (f *fixture) authorize(t *testing.T, user string, perms []PermissionID, opts AuthorizeOptions) *Decision {
	t.Helper()
	d, err := f.engine.Authorize(context.Background(), user, "acme", perms, opts)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return d
}

// drain closes the engine so every queued audit entry reaches the sink.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	if err := f.engine.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func (f *fixture) actions(t *testing.T, filter AuditFilter) []AuditAction {
	t.Helper()
	entries, err := f.sink.Query(context.Background(), filter)
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	var out []AuditAction
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func equalIDs(a, b []PermissionID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// flakyStore fails the selected reads.
type flakyStore struct {
	*MemoryStore
	failList    bool
	failCompany bool
}

var errDown = errors.New("connection refused")

func (s *flakyStore) ListAssignments(ctx context.Context, userID, companyID string) ([]*RoleAssignment, error) {
	if s.failList {
		return nil, errDown
	}
	return s.MemoryStore.ListAssignments(ctx, userID, companyID)
}

func (s *flakyStore) GetCompany(ctx context.Context, companyID string) (*Company, error) {
	if s.failCompany {
		return nil, errDown
	}
	return s.MemoryStore.GetCompany(ctx, companyID)
}

// gatedStore holds ListAssignments until released and then honours the
// caller's context.
type gatedStore struct {
	*MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(inner *MemoryStore) *gatedStore {
	return &gatedStore{MemoryStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) ListAssignments(ctx context.Context, userID, companyID string) ([]*RoleAssignment, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.ListAssignments(ctx, userID, companyID)
}
