package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	"portalbridge/internal/logger"
)

// Cache holds the merged candidate list between discoveries.
type Cache interface {
	Get(ctx context.Context) ([]Candidate, bool)
	Set(ctx context.Context, cands []Candidate)
	Clear(ctx context.Context)
	TTL() time.Duration
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	cands   []Candidate
	expires time.Time
}

// NewMemoryCache returns a cache that expires entries after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now}
}

func (c *MemoryCache) TTL() time.Duration { return c.ttl }

func (c *MemoryCache) Get(_ context.Context) ([]Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cands == nil || !c.now().Before(c.expires) {
		return nil, false
	}
	return append([]Candidate(nil), c.cands...), true
}

func (c *MemoryCache) Set(_ context.Context, cands []Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cands = append([]Candidate{}, cands...)
	c.expires = c.now().Add(c.ttl)
}

func (c *MemoryCache) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cands = nil
	c.expires = time.Time{}
}

// RedisCache shares the candidate list between workers.
type RedisCache struct {
	client *redisv8.Client
	key    string
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCache stores the list under key with the given ttl.
func NewRedisCache(client *redisv8.Client, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = "proxy:candidates"
	}
	return &RedisCache{client: client, key: key, ttl: ttl, log: logger.New("ProxyCache")}
}

func (c *RedisCache) TTL() time.Duration { return c.ttl }

func (c *RedisCache) Get(ctx context.Context) ([]Candidate, bool) {
	b, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if !errors.Is(err, redisv8.Nil) {
			c.log.LogWarnf("proxy cache read failed: %v", err)
		}
		return nil, false
	}
	var cands []Candidate
	if err := json.Unmarshal(b, &cands); err != nil {
		return nil, false
	}
	return cands, true
}

func (c *RedisCache) Set(ctx context.Context, cands []Candidate) {
	b, err := json.Marshal(cands)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key, b, c.ttl).Err(); err != nil {
		c.log.LogWarnf("proxy cache write failed: %v", err)
	}
}

func (c *RedisCache) Clear(ctx context.Context) {
	_ = c.client.Del(ctx, c.key).Err()
}
