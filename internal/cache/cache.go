package cache

import (
	"context"
	"sync"
	"time"
)

// AlertCooldown suppresses repeated alerts for the same key. Acquire reports
// true when the caller holds the key for ttl and should emit the alert.
// Release gives the key back when the alert could not be emitted.
type AlertCooldown interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type NoopCooldown struct{}

func (NoopCooldown) Acquire(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}

func (NoopCooldown) Release(_ context.Context, _ string) error {
	return nil
}

type MemoryCooldown struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

func (c *MemoryCooldown) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, ok := c.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	c.expires[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCooldown) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expires, key)
	return nil
}
