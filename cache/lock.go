package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mixguard/mixcache/pkg/fault"
)

// Lock describes the outcome of a lock attempt
type Lock struct {
	Key        string
	Owner      string
	Acquired   bool
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// releaseScript deletes the lock only if it still holds the caller's owner
// token, so a lock can never be released by anyone else
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lock TTL only for the owner
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func lockKey(key string) string {
	return "lock:" + key
}

// TryLock attempts the advisory lock for key with a single atomic
// set-if-absent. An empty owner gets a random token. Failing to acquire is
// not an error; on any store error the lock is reported as not acquired.
func (l *Layer) TryLock(ctx context.Context, key string, ttl time.Duration, owner string) (Lock, error) {
	if l.closed.Load() {
		return Lock{Key: key}, fault.ErrShutdown
	}
	if ttl <= 0 {
		return Lock{Key: key}, fmt.Errorf("%w: lock ttl must be positive", fault.ErrInvalidArgument)
	}
	if owner == "" {
		owner = uuid.NewString()
	}

	now := l.now()
	lock := Lock{Key: key, Owner: owner}

	res, err := l.store.ExecuteCommand(ctx, "set",
		[]interface{}{l.store.Key(lockKey(key)), owner, "nx", "px", millis(ttl)}, false)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("lock")
		return lock, err
	}
	if res != "OK" {
		return lock, nil
	}

	lock.Acquired = true
	lock.AcquiredAt = now
	lock.ExpiresAt = now.Add(ttl)

	l.locksMu.Lock()
	l.locks[key] = owner
	l.locksMu.Unlock()

	l.logger.Debug("lock acquired", zap.String("lock", key), zap.Duration("ttl", ttl))
	return lock, nil
}

// Unlock releases key if owner still holds it. It reports false when the
// lock is held by someone else or has already expired.
func (l *Layer) Unlock(ctx context.Context, key, owner string) (bool, error) {
	if l.closed.Load() {
		return false, fault.ErrShutdown
	}
	return l.release(ctx, key, owner)
}

func (l *Layer) release(ctx context.Context, key, owner string) (bool, error) {
	res, err := l.store.RunScript(ctx, releaseScript, []string{l.store.Key(lockKey(key))}, owner)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("unlock")
		return false, err
	}

	l.locksMu.Lock()
	if l.locks[key] == owner {
		delete(l.locks, key)
	}
	l.locksMu.Unlock()

	n, _ := res.(int64)
	return n > 0, nil
}

// ExtendLock resets the TTL of a lock still held by owner
func (l *Layer) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if l.closed.Load() {
		return false, fault.ErrShutdown
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%w: lock ttl must be positive", fault.ErrInvalidArgument)
	}
	res, err := l.store.RunScript(ctx, extendScript, []string{l.store.Key(lockKey(key))}, owner, millis(ttl))
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("extend_lock")
		return false, err
	}
	n, _ := res.(int64)
	return n > 0, nil
}

// HeldLocks returns the number of locks acquired through this layer and not
// yet released
func (l *Layer) HeldLocks() int {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	return len(l.locks)
}

// millis rounds a positive duration up to whole milliseconds
func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
