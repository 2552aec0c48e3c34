// Package critical provides typed, prefix-namespaced accessors for the
// state the mixing engine depends on: mixing sessions, wallet balances,
// exchange rates, antifraud and blacklist records, confirmations and
// short-lived keys. Every entity class has a fixed TTL.
package critical

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
	"github.com/mixguard/mixcache/pkg/metrics"
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

// Manager is the typed accessor layer over the cache
type Manager struct {
	cache   *cache.Layer
	config  *Config
	logger  *zap.Logger
	metrics metrics.Recorder
	events  *events.Bus
}

// New creates a manager over layer
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
	m.logger = m.logger.With(zap.String("component", "critical"))
	m.events = events.NewBus("critical", m.logger)
	return m, nil
}

// Events returns the manager's event bus
func (m *Manager) Events() *events.Bus {
	return m.events
}

func (m *Manager) publish(t events.Type, fields map[string]interface{}) {
	m.events.Publish(t, fields)
	m.metrics.RecordEvent("critical", string(t))
}

// SetMixingSession stores s and its deposit-address index in one round
// trip. Identifying client metadata is dropped before storage.
func (m *Manager) SetMixingSession(ctx context.Context, s MixingSession) error {
	if s.ID == "" || s.DepositAddress == "" {
		return fmt.Errorf("%w: mixing session requires id and deposit address", fault.ErrInvalidArgument)
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown mixing status %q", fault.ErrInvalidArgument, s.Status)
	}

	now := m.cache.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Metadata = scrubMetadata(s.Metadata)

	if err := m.batchSet(ctx, []cache.BatchOp{
		{Type: cache.OpSet, Key: prefixSession + s.ID, Value: s, TTL: m.config.SessionTTL},
		{Type: cache.OpSet, Key: prefixDeposit + s.DepositAddress, Value: s.ID, TTL: m.config.SessionTTL},
	}); err != nil {
		return err
	}

	m.publish(events.MixingSessionCache, map[string]interface{}{
		"session_id": s.ID,
		"status":     string(s.Status),
	})
	return nil
}

// GetMixingSession returns the session with id
func (m *Manager) GetMixingSession(ctx context.Context, id string) (MixingSession, bool, error) {
	return cache.GetAs[MixingSession](ctx, m.cache, prefixSession+id)
}

// FindMixingSessionByDeposit resolves a deposit address to its session
func (m *Manager) FindMixingSessionByDeposit(ctx context.Context, address string) (MixingSession, bool, error) {
	id, found, err := cache.GetAs[string](ctx, m.cache, prefixDeposit+address)
	if err != nil || !found {
		return MixingSession{}, false, err
	}
	return m.GetMixingSession(ctx, id)
}

// UpdateMixingSessionStatus changes the status of session id under the
// session's distributed lock. It returns fault.ErrLockBusy when another
// writer holds the lock and (false, nil) when the session does not exist.
// Terminal states cannot be left.
func (m *Manager) UpdateMixingSessionStatus(ctx context.Context, id string, status MixingStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: unknown mixing status %q", fault.ErrInvalidArgument, status)
	}

	lock, err := m.cache.TryLock(ctx, prefixSession+id, m.config.StatusLockTTL, "")
	if err != nil {
		return false, err
	}
	if !lock.Acquired {
		return false, fault.ErrLockBusy
	}
	defer func() {
		if _, err := m.cache.Unlock(context.Background(), lock.Key, lock.Owner); err != nil {
			m.logger.Warn("failed to release session lock", zap.String("session_id", id), zap.Error(err))
		}
	}()

	s, found, err := cache.GetFreshAs[MixingSession](ctx, m.cache, prefixSession+id)
	if err != nil || !found {
		return false, err
	}
	if s.Status == status {
		return true, nil
	}
	if s.Status.Terminal() {
		return false, fmt.Errorf("%w: session %s is %s", fault.ErrInvalidArgument, id, s.Status)
	}

	previous := s.Status
	s.Status = status
	s.UpdatedAt = m.cache.Now()
	if err := m.cache.Set(ctx, prefixSession+id, s, m.config.SessionTTL); err != nil {
		return false, err
	}

	m.logger.Info("mixing session status changed",
		zap.String("session_id", id),
		zap.String("from", string(previous)),
		zap.String("to", string(status)),
	)
	m.publish(events.MixingSessionCache, map[string]interface{}{
		"session_id": id,
		"status":     string(status),
		"previous":   string(previous),
	})
	return true, nil
}

// DeleteMixingSession removes a session and its deposit index
func (m *Manager) DeleteMixingSession(ctx context.Context, id string) (bool, error) {
	s, found, err := m.GetMixingSession(ctx, id)
	if err != nil {
		return false, err
	}

	ops := []cache.BatchOp{{Type: cache.OpDelete, Key: prefixSession + id}}
	if found {
		ops = append(ops, cache.BatchOp{Type: cache.OpDelete, Key: prefixDeposit + s.DepositAddress})
	}
	results, err := m.cache.ExecuteBatch(ctx, ops)
	if err != nil {
		return false, err
	}
	return results[0].Deleted, results[0].Err
}

// SetMixingSessions stores many sessions in one batch
func (m *Manager) SetMixingSessions(ctx context.Context, sessions []MixingSession) error {
	now := m.cache.Now()
	ops := make([]cache.BatchOp, 0, 2*len(sessions))
	for _, s := range sessions {
		if s.ID == "" || s.DepositAddress == "" {
			return fmt.Errorf("%w: mixing session requires id and deposit address", fault.ErrInvalidArgument)
		}
		if s.Status == "" {
			s.Status = StatusPending
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.UpdatedAt = now
		s.Metadata = scrubMetadata(s.Metadata)
		ops = append(ops,
			cache.BatchOp{Type: cache.OpSet, Key: prefixSession + s.ID, Value: s, TTL: m.config.SessionTTL},
			cache.BatchOp{Type: cache.OpSet, Key: prefixDeposit + s.DepositAddress, Value: s.ID, TTL: m.config.SessionTTL},
		)
	}
	return m.batchSet(ctx, ops)
}

// GetMixingSessions fetches many sessions in one batch. Missing ids are
// absent from the result.
func (m *Manager) GetMixingSessions(ctx context.Context, ids []string) (map[string]MixingSession, error) {
	out := make(map[string]MixingSession, len(ids))
	err := m.batchGet(ctx, prefixSession, ids, func(id string, r cache.BatchResult) error {
		var s MixingSession
		if err := r.Decode(&s); err != nil {
			return err
		}
		out[id] = s
		return nil
	})
	return out, err
}

// batchSet runs set ops and returns the first per-op error
func (m *Manager) batchSet(ctx context.Context, ops []cache.BatchOp) error {
	results, err := m.cache.ExecuteBatch(ctx, ops)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// batchGet fetches prefix+id for every id and calls fn for each hit
func (m *Manager) batchGet(ctx context.Context, prefix string, ids []string, fn func(id string, r cache.BatchResult) error) error {
	ops := make([]cache.BatchOp, len(ids))
	for i, id := range ids {
		ops[i] = cache.BatchOp{Type: cache.OpGet, Key: prefix + id}
	}
	results, err := m.cache.ExecuteBatch(ctx, ops)
	if err != nil {
		return err
	}
	for i, r := range results {
		if r.Err != nil {
			return r.Err
		}
		if !r.Found {
			continue
		}
		if err := fn(ids[i], r); err != nil {
			return err
		}
	}
	return nil
}

// SetTempData stores a short-lived value; a zero ttl uses TempTTL
func (m *Manager) SetTempData(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.config.TempTTL
	}
	return m.cache.Set(ctx, prefixTemp+key, value, ttl)
}

// GetTempData decodes a short-lived value into dst
func (m *Manager) GetTempData(ctx context.Context, key string, dst interface{}) (bool, error) {
	return m.cache.Get(ctx, prefixTemp+key, dst)
}

// DeleteTempData removes a short-lived value
func (m *Manager) DeleteTempData(ctx context.Context, key string) (bool, error) {
	return m.cache.Delete(ctx, prefixTemp+key)
}

// Shutdown removes every listener. The manager owns no other resources.
func (m *Manager) Shutdown(context.Context) error {
	m.events.Close()
	return nil
}
