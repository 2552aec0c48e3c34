// Package session manages API client sessions, fixed-window rate limits,
// distributed locks, anti-spam scoring and single-use tokens on top of the
// cache layer.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
	"github.com/mixguard/mixcache/pkg/metrics"
	"github.com/mixguard/mixcache/pkg/scheduler"
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = recorder
	}
}

// Manager is the session, rate limit, lock, anti-spam and token manager
type Manager struct {
	cache   *cache.Layer
	config  *Config
	logger  *zap.Logger
	metrics metrics.Recorder
	events  *events.Bus
	sched   *scheduler.Scheduler
	closed  atomic.Bool

	sessionsCreated    atomic.Uint64
	sessionsDestroyed  atomic.Uint64
	rateLimitChecks    atomic.Uint64
	rateLimited        atomic.Uint64
	locksAcquired      atomic.Uint64
	locksReleased      atomic.Uint64
	lockContention     atomic.Uint64
	activitiesTracked  atomic.Uint64
	identifiersBlocked atomic.Uint64
	tokensIssued       atomic.Uint64
	tokensConsumed     atomic.Uint64
	fingerprintsPruned atomic.Uint64
}

// New creates a session manager over layer and starts its cleanup job
func New(layer *cache.Layer, config *Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cache:   layer,
		config:  config,
		logger:  zap.NewNop(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "session"))
	m.events = events.NewBus("session", m.logger)
	m.sched = scheduler.New("session", m.logger)

	m.sched.Every("fingerprint-cleanup", config.CleanupInterval, func(ctx context.Context) {
		if _, err := m.CleanupFingerprints(ctx); err != nil {
			m.logger.Warn("fingerprint cleanup failed", zap.Error(err))
		}
	})
	return m, nil
}

// Events returns the manager's event bus
func (m *Manager) Events() *events.Bus {
	return m.events
}

// Config returns the manager configuration
func (m *Manager) Config() *Config {
	return m.config
}

func (m *Manager) publish(t events.Type, fields map[string]interface{}) {
	m.events.Publish(t, fields)
	m.metrics.RecordEvent("session", string(t))
}

func (m *Manager) checkOpen() error {
	if m.closed.Load() {
		return fault.ErrShutdown
	}
	return nil
}

// randomID returns 32 bytes of crypto randomness, hex encoded
func randomID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateSession opens a session for a client and records it under the
// client's fingerprint. userID may be empty for anonymous clients.
func (m *Manager) CreateSession(ctx context.Context, ip, userAgent, userID string) (UserSession, error) {
	if err := m.checkOpen(); err != nil {
		return UserSession{}, err
	}
	id, err := randomID()
	if err != nil {
		return UserSession{}, err
	}

	now := m.cache.Now()
	s := UserSession{
		ID:            id,
		UserID:        userID,
		IP:            ip,
		UserAgent:     userAgent,
		Fingerprint:   cache.Fingerprint(ip, userAgent),
		Authenticated: userID != "",
		CreatedAt:     now,
		LastActivity:  now,
	}

	if err := m.cache.Set(ctx, prefixSession+id, s, m.config.SessionTTL); err != nil {
		return UserSession{}, err
	}

	fpKey := m.cache.Key(prefixFingerprint + s.Fingerprint)
	if _, err := m.cache.Pipeline(ctx, false, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, fpKey, id)
		pipe.PExpire(ctx, fpKey, m.config.SessionTTL)
		return nil
	}); err != nil {
		return UserSession{}, err
	}

	m.sessionsCreated.Add(1)
	m.logger.Debug("session created",
		zap.String("session_id", id),
		zap.String("fingerprint", s.Fingerprint),
		zap.Bool("authenticated", s.Authenticated),
	)
	return s, nil
}

// GetSession returns session id and slides its expiry forward
func (m *Manager) GetSession(ctx context.Context, id string) (UserSession, bool, error) {
	s, found, err := cache.GetAs[UserSession](ctx, m.cache, prefixSession+id)
	if err != nil || !found {
		return UserSession{}, false, err
	}

	s.LastActivity = m.cache.Now()
	if err := m.cache.Set(ctx, prefixSession+id, s, m.config.SessionTTL); err != nil {
		m.logger.Warn("failed to refresh session", zap.String("session_id", id), zap.Error(err))
	}
	return s, true, nil
}

// UpdateSession applies fn to session id and stores the result. The id,
// client identity and creation time are kept as they were.
func (m *Manager) UpdateSession(ctx context.Context, id string, fn func(*UserSession)) (bool, error) {
	s, found, err := cache.GetAs[UserSession](ctx, m.cache, prefixSession+id)
	if err != nil || !found {
		return false, err
	}

	orig := s
	fn(&s)
	s.ID = id
	s.IP, s.UserAgent, s.Fingerprint = orig.IP, orig.UserAgent, orig.Fingerprint
	s.CreatedAt = orig.CreatedAt
	s.LastActivity = m.cache.Now()

	if err := m.cache.Set(ctx, prefixSession+id, s, m.config.SessionTTL); err != nil {
		return false, err
	}
	return true, nil
}

// DestroySession removes a session and its fingerprint index entry
func (m *Manager) DestroySession(ctx context.Context, id string) (bool, error) {
	s, found, err := cache.GetAs[UserSession](ctx, m.cache, prefixSession+id)
	if err != nil {
		return false, err
	}

	deleted, err := m.cache.Delete(ctx, prefixSession+id)
	if err != nil {
		return false, err
	}
	if found {
		if _, err := m.cache.Command(ctx, "srem",
			[]interface{}{m.cache.Key(prefixFingerprint + s.Fingerprint), id}, false); err != nil {
			m.logger.Warn("failed to unindex session", zap.String("session_id", id), zap.Error(err))
		}
	}
	if deleted {
		m.sessionsDestroyed.Add(1)
	}
	return deleted, nil
}

// GetSessionsByFingerprint lists session ids recorded for a fingerprint
func (m *Manager) GetSessionsByFingerprint(ctx context.Context, fingerprint string) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.members(ctx, m.cache.Key(prefixFingerprint+fingerprint))
}

func (m *Manager) members(ctx context.Context, storeKey string) ([]string, error) {
	var cmd *redis.StringSliceCmd
	if _, err := m.cache.Pipeline(ctx, true, func(pipe redis.Pipeliner) error {
		cmd = pipe.SMembers(ctx, storeKey)
		return nil
	}); err != nil {
		return nil, err
	}
	return cmd.Val(), nil
}

// CleanupFingerprints removes ids of expired sessions from every
// fingerprint index and returns how many were removed
func (m *Manager) CleanupFingerprints(ctx context.Context) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	indexes, err := m.cache.ScanKeys(ctx, prefixFingerprint+"*")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, index := range indexes {
		storeKey := m.cache.Key(index)
		ids, err := m.members(ctx, storeKey)
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			continue
		}

		ops := make([]cache.BatchOp, len(ids))
		for i, id := range ids {
			ops[i] = cache.BatchOp{Type: cache.OpGet, Key: prefixSession + id}
		}
		results, err := m.cache.ExecuteBatch(ctx, ops)
		if err != nil {
			return removed, err
		}

		var stale []interface{}
		for i, r := range results {
			if r.Err == nil && !r.Found {
				stale = append(stale, ids[i])
			}
		}
		if len(stale) == 0 {
			continue
		}
		if _, err := m.cache.Command(ctx, "srem", append([]interface{}{storeKey}, stale...), false); err != nil {
			return removed, err
		}
		removed += len(stale)
	}

	if removed > 0 {
		m.fingerprintsPruned.Add(uint64(removed))
		m.logger.Info("pruned fingerprint indexes", zap.Int("removed", removed))
	}
	return removed, nil
}

// GetSessionStats returns activity counters and the number of live
// sessions. Counting sessions scans the keyspace.
func (m *Manager) GetSessionStats(ctx context.Context) (Stats, error) {
	stats := m.counters()
	if err := m.checkOpen(); err != nil {
		return stats, err
	}

	keys, err := m.cache.ScanKeys(ctx, prefixSession+"*")
	if err != nil {
		return stats, err
	}
	stats.ActiveSessions = len(keys)
	return stats, nil
}

func (m *Manager) counters() Stats {
	return Stats{
		SessionsCreated:    m.sessionsCreated.Load(),
		SessionsDestroyed:  m.sessionsDestroyed.Load(),
		RateLimitChecks:    m.rateLimitChecks.Load(),
		RateLimited:        m.rateLimited.Load(),
		LocksAcquired:      m.locksAcquired.Load(),
		LocksReleased:      m.locksReleased.Load(),
		LockContention:     m.lockContention.Load(),
		ActivitiesTracked:  m.activitiesTracked.Load(),
		IdentifiersBlocked: m.identifiersBlocked.Load(),
		TokensIssued:       m.tokensIssued.Load(),
		TokensConsumed:     m.tokensConsumed.Load(),
		FingerprintsPruned: m.fingerprintsPruned.Load(),
	}
}

// Counters returns the activity counters without touching the store
func (m *Manager) Counters() Stats {
	return m.counters()
}

// Shutdown stops the cleanup job and removes every listener
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.sched.Stop(ctx)
	m.events.Close()
	return err
}
