// Package cache memoizes linker lookups so repeated update bursts for the
// same token do not hammer the primary store.
package cache

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

// maxEntries bounds the in-process cache; the oldest entry by access time
// is evicted when the cap is reached.
const maxEntries = 4096

type memory struct {
	mu sync.Mutex
	m  map[string]*entry
}

type entry struct {
	b        []byte
	exp      time.Time
	accessed time.Time
}

func New() Cache { return &memory{m: make(map[string]*entry)} }

func (c *memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(c.m, key)
		return nil, false
	}
	e.accessed = time.Now()
	return e.b, true
}

func (c *memory) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= maxEntries {
		c.evictLRU()
	}
	e := &entry{b: append([]byte(nil), val...), accessed: time.Now()}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

// evictLRU removes the least recently accessed entry. Caller holds the lock.
func (c *memory) evictLRU() {
	var oldestKey string
	oldestTime := time.Now()
	for key, e := range c.m {
		if e.accessed.Before(oldestTime) {
			oldestTime = e.accessed
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(c.m, oldestKey)
	}
}

const redisOpTimeout = 500 * time.Millisecond

// Redis adapter, used when a redis address is configured
type redisCache struct{ r *redis.Client }

// NewAuto returns a Redis-backed cache when addr is non-empty and the
// in-process cache otherwise.
func NewAuto(addr string) Cache {
	if addr != "" {
		return &redisCache{r: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return New()
}

func (r *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}
