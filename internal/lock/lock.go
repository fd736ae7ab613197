// Package lock serializes sheet syncs per store and sync type.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"storeledger/internal/config"
)

// ErrLocked means another holder owns the key.
var ErrLocked = errors.New("lock held by another run")

type ReleaseFunc func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

// New returns a Redis-backed locker when REDIS_ADDRESS is configured and a process-local one
// otherwise. The returned close function releases the Redis client.
func New(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (Locker, func() error, error) {
	if cfg.RedisAddress == "" {
		logger.Info("REDIS_ADDRESS not set; sync locks are process-local")
		return NewLocalLocker(), func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress, DB: 0})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddress, err)
	}
	logger.WithField("addr", cfg.RedisAddress).Info("connected to redis")
	return NewRedisLocker(rdb), rdb.Close, nil
}

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb redislock.RedisClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	lk, err := l.client.Obtain(ctx, "lock:"+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := lk.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}

// LocalLocker holds keys in memory. The ttl is ignored; keys are held until released.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]struct{}{}}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (ReleaseFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
