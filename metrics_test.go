package permguard

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oarkflow/permguard/logger"
)

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newFixture(t, WithMetrics(m))
	f.assign(t, NewAssignment("a1", "u1", "member", "acme").Build())

	f.authorize(t, "u1", []PermissionID{PermViewCompany}, AuthorizeOptions{})
	f.authorize(t, "u1", []PermissionID{PermViewCompany}, AuthorizeOptions{})
	f.authorize(t, "u1", []PermissionID{PermExportData}, AuthorizeOptions{})

	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("allow", ReasonGranted)); got != 2 {
		t.Fatalf("granted = %v", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("deny", ReasonMissingPermissions)); got != 1 {
		t.Fatalf("missing = %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")); got != 1 {
		t.Fatalf("misses = %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 2 {
		t.Fatalf("hits = %v", got)
	}

	if err := f.engine.InvalidateUser(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.Invalidations.WithLabelValues("user", "local")); got != 1 {
		t.Fatalf("invalidations = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "permguard_decision_duration_seconds"); err != nil || n != 1 {
		t.Fatalf("histogram series = %d, %v", n, err)
	}
}

func TestStoreErrorMetric(t *testing.T) {
	m := NewMetrics(nil)
	store := &flakyStore{MemoryStore: NewMemoryStore(), failList: true}
	if err := store.PutCompany(context.Background(), &Company{ID: "acme", Status: CompanyActive}); err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(store, nil, WithMetrics(m), WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(context.Background())

	d, err := e.Authorize(context.Background(), "u1", "acme", []PermissionID{PermViewCompany}, AuthorizeOptions{})
	if !errors.Is(err, ErrStoreUnavailable) || d == nil || d.Allowed {
		t.Fatalf("decision = %+v, err = %v", d, err)
	}
	if got := testutil.ToFloat64(m.StoreErrors.WithLabelValues("list_assignments")); got != 1 {
		t.Fatalf("store errors = %v", got)
	}
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.decision(&Decision{Allowed: true, Reason: ReasonGranted}, testEpoch)
	m.cacheLookup(true)
	m.invalidation(InvalidateAllKind, true)
	m.storeError("get_role")
	m.auditQueued()
	m.auditBackpressure()
	m.auditWritten(false)
}
