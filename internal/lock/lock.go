// Package lock guards settlement close and unlock per branch across API
// instances. Database locks stay authoritative; this only turns a concurrent
// close of the same branch into a fast ErrBusy.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrBusy = errors.New("branch is locked by another operation")

type BranchLocker interface {
	// Acquire takes the named branch lock. The returned release func is safe
	// to call once.
	Acquire(ctx context.Context, branchID string) (func(), error)
}

// LocalLocker is an in-process try-lock keyed by branch.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, branchID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[branchID]; taken {
		return nil, ErrBusy
	}
	l.held[branchID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, branchID)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker holds a redislock lease per branch.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: redislock.New(client), ttl: ttl, wait: 2 * time.Second}
}

func (l *RedisLocker) Acquire(ctx context.Context, branchID string) (func(), error) {
	obtainCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	lease, err := l.client.Obtain(obtainCtx, fmt.Sprintf("settlement-lock:%s", branchID), l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 10),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("obtain branch lock: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context; the request context may be done.
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
			defer releaseCancel()
			_ = lease.Release(releaseCtx)
		})
	}, nil
}
