package automation

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// CursorStore hands out round-robin slots. Every call to Next consumes one slot
// for key, so distribution is even across firings.
type CursorStore interface {
	Next(ctx context.Context, key string, n int) (int, error)
}

var errEmptyPool = errors.New("round-robin pool is empty")

// MemoryCursor keeps cursors in process. Tests seed and inspect it directly.
type MemoryCursor struct {
	mu     sync.Mutex
	values map[string]uint64
}

func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{values: make(map[string]uint64)}
}

// Seed sets the next raw cursor value for key.
func (c *MemoryCursor) Seed(key string, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Value returns the raw cursor value for key.
func (c *MemoryCursor) Value(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

func (c *MemoryCursor) Next(_ context.Context, key string, n int) (int, error) {
	if n <= 0 {
		return 0, errEmptyPool
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.values[key]
	c.values[key] = v + 1
	return int(v % uint64(n)), nil
}

// RedisCursor shares cursors between API instances with INCR.
type RedisCursor struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCursor(client redis.UniversalClient, prefix string) *RedisCursor {
	if prefix == "" {
		prefix = "pipeline:cursor:"
	}
	return &RedisCursor{client: client, prefix: prefix}
}

func (c *RedisCursor) Next(ctx context.Context, key string, n int) (int, error) {
	if n <= 0 {
		return 0, errEmptyPool
	}
	v, err := c.client.Incr(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, err
	}
	return int(uint64(v-1) % uint64(n)), nil
}

var (
	_ CursorStore = (*MemoryCursor)(nil)
	_ CursorStore = (*RedisCursor)(nil)
)
