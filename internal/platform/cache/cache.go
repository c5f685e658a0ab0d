// Package cache is the injected get-or-compute cache used for read-mostly
// catalog data. A Backend stores JSON values; Cache adds request
// de-duplication on top so concurrent misses for one key compute once.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Backend must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Close() error
}

type Cache struct {
	backend Backend
	log     *zap.Logger
	group   singleflight.Group
}

func New(backend Backend, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{backend: backend, log: log}
}

// Compute returns the cached value for key or stores the result of fn for ttl.
// Backend failures degrade to calling fn; only fn's error is returned. A nil
// cache always calls fn.
func Compute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if c == nil || c.backend == nil {
		return fn(ctx)
	}

	var cached T
	hit, err := c.backend.Get(ctx, key, &cached)
	if err != nil {
		c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	} else if hit {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := fn(ctx)
		if err != nil {
			return val, err
		}
		if err := c.backend.Set(ctx, key, val, ttl); err != nil {
			c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: unexpected value type %T for key %q", v, key)
	}
	return out, nil
}

// Invalidate drops key, or everything when key is empty or "ALL".
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if c == nil || c.backend == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.EqualFold(key, "ALL") {
		return c.backend.Flush(ctx)
	}
	return c.backend.Delete(ctx, key)
}

// SubscribeInvalidation listens on subj for invalidation messages whose body
// is a key or "ALL".
func (c *Cache) SubscribeInvalidation(nc *nats.Conn, subj string) (*nats.Subscription, error) {
	return nc.Subscribe(subj, c.handleInvalidation)
}

func (c *Cache) handleInvalidation(m *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := string(m.Data)
	if err := c.Invalidate(ctx, key); err != nil {
		c.log.Warn("cache invalidation failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.log.Debug("cache invalidated", zap.String("key", key))
}

func (c *Cache) Close() error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Close()
}
