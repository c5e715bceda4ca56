package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"portalbridge/internal/platform/redis"
)

// ErrBusy is returned when another executor holds the run.
var ErrBusy = errors.New("run is locked by another executor")

// Locker serializes mutations of one run. Lock fails fast with ErrBusy.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is the in-process Locker.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: map[string]struct{}{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrBusy)
	}
	k.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
		})
	}, nil
}

// RedisLocker shares run locks between processes with SET NX PX.
type RedisLocker struct {
	redis *redis.Service
	ttl   time.Duration
}

// NewRedisLocker returns a locker whose locks expire after ttl so a crashed
// executor cannot hold a run forever.
func NewRedisLocker(r *redis.Service, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLocker{redis: r, ttl: ttl}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlock, err := l.redis.TryLock(ctx, key, l.ttl)
	if errors.Is(err, redis.ErrLocked) {
		return nil, fmt.Errorf("%s: %w", key, ErrBusy)
	}
	return unlock, err
}
