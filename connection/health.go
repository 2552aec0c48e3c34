package connection

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mixguard/mixcache/pkg/events"
)

// HealthStatus is the result of the most recent health check
type HealthStatus struct {
	Healthy             bool
	State               string
	Latency             time.Duration
	UsedMemory          int64
	ConnectedClients    int64
	ConsecutiveFailures int
	LastCheck           time.Time
	LastError           string
}

// GetHealthStatus returns the result of the most recent health check
func (m *Manager) GetHealthStatus() HealthStatus {
	m.healthMu.RLock()
	h := m.health
	m.healthMu.RUnlock()

	h.State = m.State().String()
	return h
}

// CheckHealth pings the primary, bounded by HealthCheckTimeout, and refreshes
// memory and client-count figures. A failed check never returns an error to
// the caller; it downgrades the status and, with AutoFailover, starts a
// failover attempt in the background.
func (m *Manager) CheckHealth(ctx context.Context) HealthStatus {
	hctx, cancel := context.WithTimeout(ctx, m.config.HealthCheckTimeout)
	defer cancel()

	var rtt time.Duration
	var usedMemory, clients int64

	c, err := m.GetConnection(false)
	if err == nil {
		start := time.Now()
		err = c.Ping(hctx).Err()
		rtt = time.Since(start)

		if err == nil {
			if info, ierr := c.Info(hctx, "memory").Result(); ierr == nil {
				usedMemory = infoField(info, "used_memory")
			}
			if info, ierr := c.Info(hctx, "clients").Result(); ierr == nil {
				clients = infoField(info, "connected_clients")
			}
		}
	}

	m.healthMu.Lock()
	m.health.LastCheck = time.Now()
	if err == nil {
		m.health.Healthy = true
		m.health.Latency = rtt
		m.health.UsedMemory = usedMemory
		m.health.ConnectedClients = clients
		m.health.ConsecutiveFailures = 0
		m.health.LastError = ""
	} else {
		m.health.Healthy = false
		m.health.ConsecutiveFailures++
		m.health.LastError = err.Error()
	}
	failures := m.health.ConsecutiveFailures
	m.healthMu.Unlock()

	if err != nil {
		m.recordError(err)
		m.logger.Warn("store health check failed",
			zap.Int("consecutive_failures", failures),
			zap.Error(err),
		)
		m.events.Publish(events.ConnectionError, map[string]interface{}{
			"error":                err.Error(),
			"op":                   "health_check",
			"consecutive_failures": failures,
		})
		m.metrics.RecordEvent("connection", string(events.ConnectionError))

		if m.config.AutoFailover && m.State() != StateDegraded && m.State() != StateClosed {
			m.sched.Go("failover", func(ctx context.Context) {
				_ = m.AttemptFailover(ctx)
			})
		}
	} else {
		m.metrics.SetGauge("store_used_memory_bytes", float64(usedMemory))
		m.metrics.SetGauge("store_connected_clients", float64(clients))
	}

	return m.GetHealthStatus()
}

// infoField extracts an integer field from an INFO reply
func infoField(info, field string) int64 {
	scanner := bufio.NewScanner(strings.NewReader(info))
	prefix := field + ":"
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, prefix) {
			v, err := strconv.ParseInt(strings.TrimPrefix(line, prefix), 10, 64)
			if err != nil {
				return 0
			}
			return v
		}
	}
	return 0
}
