package connection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
)

// AttemptFailover performs one full disconnect and reconnect cycle.
//
// Attempts are bounded by MaxFailoverAttempts. Concurrent calls are
// suppressed while one is in flight. Once the bound is reached the manager
// enters StateDegraded, commands fail fast, and no further attempt is made
// until ResetFailover or Connect is called.
func (m *Manager) AttemptFailover(ctx context.Context) error {
	if !m.failoverInFlight.CompareAndSwap(false, true) {
		return fault.ErrFailoverInProgress
	}
	defer m.failoverInFlight.Store(false)

	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return fault.ErrShutdown
	case m.failoverAttempts >= m.config.MaxFailoverAttempts:
		m.setStateLocked(StateDegraded)
		m.mu.Unlock()
		return fault.ErrFailoverExhausted
	}
	m.failoverAttempts++
	attempt := m.failoverAttempts
	oldPrimary, oldReplicas := m.primary, m.replicas
	m.primary, m.replicas = nil, nil
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	closeClients(oldPrimary, oldReplicas)
	m.reconnects.Add(1)

	m.logger.Info("attempting store failover",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", m.config.MaxFailoverAttempts),
	)

	if err := m.failoverLimiter.Wait(ctx); err != nil {
		return m.failoverFailed(attempt, err)
	}

	dctx, cancel := context.WithTimeout(ctx, m.config.FailoverTimeout)
	err := m.dial(dctx, true)
	cancel()
	if err != nil {
		return m.failoverFailed(attempt, err)
	}

	m.mu.Lock()
	m.failoverAttempts = 0
	m.mu.Unlock()

	m.healthMu.Lock()
	m.health.Healthy = true
	m.health.ConsecutiveFailures = 0
	m.health.LastError = ""
	m.healthMu.Unlock()

	m.logger.Info("store failover succeeded", zap.Int("attempt", attempt))
	m.events.Publish(events.FailoverSuccess, map[string]interface{}{"attempt": attempt})
	m.metrics.RecordEvent("connection", string(events.FailoverSuccess))
	return nil
}

func (m *Manager) failoverFailed(attempt int, err error) error {
	m.mu.Lock()
	exhausted := m.failoverAttempts >= m.config.MaxFailoverAttempts
	if m.state != StateClosed {
		if exhausted {
			m.setStateLocked(StateDegraded)
		} else {
			m.setStateLocked(StateDisconnected)
		}
	}
	m.mu.Unlock()

	m.recordError(err)
	m.events.Publish(events.ConnectionError, map[string]interface{}{
		"error":   err.Error(),
		"op":      "failover",
		"attempt": attempt,
	})
	m.metrics.RecordEvent("connection", string(events.ConnectionError))

	if !exhausted {
		m.logger.Warn("store failover attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	m.logger.Error("store failover exhausted, manager degraded",
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	m.events.Publish(events.FailoverFailed, map[string]interface{}{
		"attempts": attempt,
		"error":    err.Error(),
	})
	m.metrics.RecordEvent("connection", string(events.FailoverFailed))
	return fmt.Errorf("%w: %v", fault.ErrFailoverExhausted, err)
}

// ResetFailover clears the attempt counter so that a degraded manager may
// try again. The next failed health check starts a new attempt.
func (m *Manager) ResetFailover() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failoverAttempts = 0
	if m.state == StateDegraded {
		m.setStateLocked(StateDisconnected)
	}
	m.logger.Info("failover counter reset")
}

// FailoverAttempts returns the number of consecutive failed attempts
func (m *Manager) FailoverAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failoverAttempts
}
