package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSeenTTL is how long a payment id stays in a seen-cache.
const DefaultSeenTTL = 24 * time.Hour

// SeenCache remembers recently credited payment ids. It is a fast path in
// front of the durable guard, never a replacement for it, so losing its
// contents (a restart, an eviction) must not cause a double credit.
type SeenCache interface {
	Seen(ctx context.Context, paymentID string) (bool, error)
	Mark(ctx context.Context, paymentID string) error
}

// MemorySeenCache is a process-local SeenCache with per-entry expiry.
type MemorySeenCache struct {
	mu    sync.Mutex
	items map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	marks int
}

// NewMemorySeenCache returns a cache whose entries expire after ttl
// (DefaultSeenTTL if zero). now may be nil.
func NewMemorySeenCache(ttl time.Duration, now func() time.Time) *MemorySeenCache {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemorySeenCache{
		items: make(map[string]time.Time),
		ttl:   ttl,
		now:   now,
	}
}

func (c *MemorySeenCache) Seen(_ context.Context, paymentID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.items[paymentID]
	if !ok {
		return false, nil
	}
	if !c.now().Before(exp) {
		delete(c.items, paymentID)
		return false, nil
	}
	return true, nil
}

func (c *MemorySeenCache) Mark(_ context.Context, paymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items[paymentID] = now.Add(c.ttl)

	c.marks++
	if c.marks%256 == 0 {
		for k, exp := range c.items {
			if !now.Before(exp) {
				delete(c.items, k)
			}
		}
	}
	return nil
}

// Len returns the number of entries, expired ones included until swept.
func (c *MemorySeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RedisSeenCache shares seen payment ids across instances.
type RedisSeenCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSeenCache stores ids under prefix (default "credits:seen:").
func NewRedisSeenCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSeenCache {
	if prefix == "" {
		prefix = "credits:seen:"
	}
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &RedisSeenCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisSeenCache) Seen(ctx context.Context, paymentID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+paymentID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisSeenCache) Mark(ctx context.Context, paymentID string) error {
	return c.client.Set(ctx, c.prefix+paymentID, 1, c.ttl).Err()
}
