package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/pairarb/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder never releases another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua refreshes the TTL of a lock key only while the caller still owns it.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using Redis SETNX with a TTL and
// Lua-based conditional unlock and extension.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts to obtain a distributed lock for the given key with the
// specified TTL. The returned unlock function is safe to call multiple times.
//
// It returns domain.ErrLockHeld if the lock is already held by another party.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := lm.take(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { lm.unlock(key, token) }) }, nil
}

// Hold acquires key and extends it every ttl/3 until release is called or
// ctx ends. lost is closed when an extension finds the lock gone.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration) (func(), <-chan struct{}, error) {
	token, err := lm.take(ctx, key, ttl)
	if err != nil {
		return nil, nil, err
	}

	lost := make(chan struct{})
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		lm.keepAlive(ctx, key, token, ttl, done, lost)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			<-stopped
			lm.unlock(key, token)
		})
	}
	return release, lost, nil
}

func (lm *LockManager) take(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := lm.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", domain.ErrLockHeld
	}
	return token, nil
}

func (lm *LockManager) keepAlive(ctx context.Context, key, token string, ttl time.Duration, done <-chan struct{}, lost chan<- struct{}) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			n, err := lm.extendSc.Run(ctx, lm.rdb, []string{lockKey(key)}, token, ttl.Milliseconds()).Int64()
			if err != nil && ctx.Err() != nil {
				return
			}
			// A transient error leaves the lease running until its TTL; only
			// a confirmed loss of ownership is reported.
			if err == nil && n == 0 {
				close(lost)
				return
			}
		}
	}
}

func (lm *LockManager) unlock(key, token string) {
	// Background context so unlock succeeds after the caller's ctx ended.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = lm.unlockSc.Run(ctx, lm.rdb, []string{lockKey(key)}, token).Err()
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
