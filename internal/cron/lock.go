package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// A cycle is bounded by the per-job timeout times the handful of jobs we run.
const defaultLockTTL = 45 * time.Minute

// Lock keeps cron cycles single-flight across worker replicas.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Holder(ctx context.Context) (string, error)
}

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// RedisLock stores "<owner>|<token>" under key. The token makes release safe
// when the TTL lapsed and another replica took over; the owner is for logs.
type RedisLock struct {
	client redisStore
	key    string
	owner  string
	ttl    time.Duration
	value  string
}

func NewRedisLock(client redisStore, key, owner string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if owner == "" {
		owner = "unknown"
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: key, owner: owner, ttl: ttl}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	value := l.owner + "|" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, value, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	if ok {
		l.value = value
	}
	return ok, nil
}

// Release deletes the key only while it still carries this holder's value.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.value == "" {
		return nil
	}
	defer func() { l.value = "" }()
	if _, err := l.client.CompareAndDelete(ctx, l.key, l.value); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Holder reports the owner currently holding the lock, or "" when free.
func (l *RedisLock) Holder(ctx context.Context) (string, error) {
	current, err := l.client.Get(ctx, l.key)
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	owner, _, _ := strings.Cut(current, "|")
	return owner, nil
}
