package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved tokens keyed by "EXCH|SYMBOL".
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, token string)
}

// Compile-time conformance checks.
var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	token   string
	expires time.Time
}

// NewMemoryCache creates a cache whose entries expire after ttl.
// ttl <= 0 means entries never expire; scrip tokens are stable.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memEntry),
	}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return "", false
	}
	return e.token, true
}

func (m *MemoryCache) Set(ctx context.Context, key, token string) {
	var expires time.Time
	if m.ttl > 0 {
		expires = time.Now().Add(m.ttl)
	}
	m.mu.Lock()
	m.entries[key] = memEntry{token: token, expires: expires}
	m.mu.Unlock()
}

// Len returns the number of live entries, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

const redisKeyPrefix = "scrip:"

// RedisCache shares resolved tokens across processes via Redis.
// Cache errors degrade to misses; resolution still works without Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps a Redis client as a token cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (r *RedisCache) Set(ctx context.Context, key, token string) {
	r.client.Set(ctx, redisKeyPrefix+key, token, r.ttl)
}
