package permguard

import (
	"context"
	"errors"
	"sync"
	"time"
)

type InvalidationKind string

const (
	InvalidateUserKind    InvalidationKind = "user"
	InvalidateCompanyKind InvalidationKind = "company"
	InvalidateAllKind     InvalidationKind = "all"
)

// Invalidation is broadcast to every engine instance sharing a bus.
type Invalidation struct {
	Kind     InvalidationKind `json:"kind"`
	ID       string           `json:"id,omitempty"`
	Origin   string           `json:"origin"`
	IssuedAt time.Time        `json:"issued_at"`
}

type InvalidationHandler func(ctx context.Context, inv Invalidation)

// InvalidationBus fans invalidations out across engine instances.
type InvalidationBus interface {
	Publish(ctx context.Context, inv Invalidation) error
	Subscribe(ctx context.Context, h InvalidationHandler) error
	Close() error
}

var ErrBusClosed = errors.New("permguard: invalidation bus closed")

// LocalInvalidationBus delivers invalidations to handlers in the same
// process, in publish order, from a single worker goroutine.
type LocalInvalidationBus struct {
	notifyCh    chan Invalidation
	stopCh      chan struct{}
	subscribers []InvalidationHandler
	mu          sync.RWMutex
	started     bool
	stopped     bool
	wg          sync.WaitGroup
}

func NewLocalInvalidationBus(buffer int) *LocalInvalidationBus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &LocalInvalidationBus{
		notifyCh: make(chan Invalidation, buffer),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the delivery loop. It is called by Subscribe and is idempotent.
func (b *LocalInvalidationBus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case inv := <-b.notifyCh:
				for _, h := range b.handlers() {
					h(ctx, inv)
				}
			}
		}
	}()
}

func (b *LocalInvalidationBus) Subscribe(ctx context.Context, h InvalidationHandler) error {
	if h == nil {
		return errors.New("permguard: nil invalidation handler")
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.subscribers = append(b.subscribers, h)
	b.mu.Unlock()
	b.Start(context.WithoutCancel(ctx))
	return nil
}

// Publish queues inv, waiting for space rather than dropping it.
func (b *LocalInvalidationBus) Publish(ctx context.Context, inv Invalidation) error {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return ErrBusClosed
	}
	select {
	case b.notifyCh <- inv:
		return nil
	case <-b.stopCh:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalInvalidationBus) handlers() []InvalidationHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]InvalidationHandler(nil), b.subscribers...)
}

// Stop ends the delivery loop. Queued invalidations not yet delivered are discarded.
func (b *LocalInvalidationBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (b *LocalInvalidationBus) Close() error {
	return b.Stop(context.Background())
}
