package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
)

// AcquireLock tries once to take the distributed lock on key. A zero ttl
// uses LockTTL; an empty owner gets a random token. Contention is reported
// through Lock.Acquired, never as an error.
func (m *Manager) AcquireLock(ctx context.Context, key string, ttl time.Duration, owner string) (cache.Lock, error) {
	if err := m.checkOpen(); err != nil {
		return cache.Lock{Key: key}, err
	}
	if ttl == 0 {
		ttl = m.config.LockTTL
	}

	lock, err := m.cache.TryLock(ctx, key, ttl, owner)
	if err != nil {
		return lock, err
	}
	if !lock.Acquired {
		m.lockContention.Add(1)
		return lock, nil
	}

	m.locksAcquired.Add(1)
	m.publish(events.LockAcquired, map[string]interface{}{
		"key":        key,
		"owner":      lock.Owner,
		"expires_at": lock.ExpiresAt,
	})
	return lock, nil
}

// ReleaseLock releases key if owner still holds it
func (m *Manager) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	released, err := m.cache.Unlock(ctx, key, owner)
	if err != nil || !released {
		return false, err
	}

	m.locksReleased.Add(1)
	m.publish(events.LockReleased, map[string]interface{}{
		"key":   key,
		"owner": owner,
	})
	return true, nil
}

// ExtendLock pushes the expiry of a held lock to ttl from now
func (m *Manager) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	if ttl == 0 {
		ttl = m.config.LockTTL
	}
	return m.cache.ExtendLock(ctx, key, owner, ttl)
}

// WithLock runs fn while holding the lock on key. It returns
// fault.ErrLockBusy without running fn when the lock is held elsewhere.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := m.AcquireLock(ctx, key, ttl, "")
	if err != nil {
		return err
	}
	if !lock.Acquired {
		return fmt.Errorf("%w: %s", fault.ErrLockBusy, key)
	}
	defer func() {
		if _, err := m.ReleaseLock(context.Background(), key, lock.Owner); err != nil {
			m.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}
