package permguard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLocalBusDeliversInOrder(t *testing.T) {
	bus := NewLocalInvalidationBus(8)
	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{})
	)
	err := bus.Subscribe(context.Background(), func(_ context.Context, inv Invalidation) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(inv.Kind)+":"+inv.ID)
		if len(got) == 3 {
			close(done)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, inv := range []Invalidation{
		{Kind: InvalidateUserKind, ID: "u1"},
		{Kind: InvalidateCompanyKind, ID: "acme"},
		{Kind: InvalidateAllKind},
	} {
		if err := bus.Publish(ctx, inv); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("deliveries timed out")
	}
	mu.Lock()
	want := []string{"user:u1", "company:acme", "all:"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	mu.Unlock()

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, Invalidation{Kind: InvalidateAllKind}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if err := bus.Subscribe(ctx, func(context.Context, Invalidation) {}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
	// stopping twice is harmless
	if err := bus.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLocalBusPublishHonoursContext(t *testing.T) {
	bus := NewLocalInvalidationBus(1)
	defer bus.Close()
	// no subscriber, so nothing drains the queue
	if err := bus.Publish(context.Background(), Invalidation{Kind: InvalidateAllKind}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, Invalidation{Kind: InvalidateAllKind}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("full bus publish: %v", err)
	}
	if err := bus.Subscribe(context.Background(), nil); err == nil {
		t.Fatalf("nil handler accepted")
	}
}

func TestEngineIgnoresOwnInvalidations(t *testing.T) {
	f := newFixture(t)
	f.assign(t, NewAssignment("a1", "u1", "viewer", "acme").Build())
	f.authorize(t, "u1", []PermissionID{PermViewProjects}, AuthorizeOptions{})
	if f.engine.Cache().Len() != 1 {
		t.Fatalf("cache len = %d", f.engine.Cache().Len())
	}

	f.engine.applyRemote(context.Background(), Invalidation{Kind: InvalidateAllKind, Origin: f.engine.InstanceID()})
	if f.engine.Cache().Len() != 1 {
		t.Fatalf("own invalidation applied twice")
	}
	f.engine.applyRemote(context.Background(), Invalidation{Kind: InvalidateUserKind, ID: "u1", Origin: "peer"})
	if f.engine.Cache().Len() != 0 {
		t.Fatalf("peer invalidation ignored")
	}
	// unknown kinds are logged and skipped
	f.engine.applyRemote(context.Background(), Invalidation{Kind: "bogus", Origin: "peer"})
}
