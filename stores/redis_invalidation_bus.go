package stores

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/permguard"
	"github.com/oarkflow/permguard/logger"
)

// DefaultInvalidationChannel is used when no channel is configured.
const DefaultInvalidationChannel = "permguard:invalidations"

var _ permguard.InvalidationBus = (*RedisInvalidationBus)(nil)

// RedisInvalidationBus broadcasts cache invalidations over Redis pub/sub.
// Delivery is at most once; the cache TTL bounds staleness when a message is lost.
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
	logger  logger.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

func NewRedisInvalidationBus(client *redis.Client, channel string, l logger.Logger) *RedisInvalidationBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &RedisInvalidationBus{client: client, channel: channel, logger: l}
}

func (b *RedisInvalidationBus) Publish(ctx context.Context, inv permguard.Invalidation) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return permguard.ErrBusClosed
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe returns once the subscription is confirmed by the server.
func (b *RedisInvalidationBus) Subscribe(ctx context.Context, h permguard.InvalidationHandler) error {
	if h == nil {
		return errors.New("stores: nil invalidation handler")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return permguard.ErrBusClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return permguard.ErrBusClosed
	}
	b.subs = append(b.subs, ps)
	b.wg.Add(1)
	b.mu.Unlock()

	deliverCtx := context.WithoutCancel(ctx)
	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			var inv permguard.Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				b.logger.Warn("dropping malformed invalidation", "channel", msg.Channel, "error", err)
				continue
			}
			h(deliverCtx, inv)
		}
	}()
	return nil
}

// Close ends every subscription and waits for their loops. The client is
// left open; it belongs to the caller.
func (b *RedisInvalidationBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error
	for _, ps := range subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	return errors.Join(errs...)
}
