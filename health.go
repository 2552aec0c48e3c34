package mixcache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/connection"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/session"
)

// Level is a health classification. Higher is worse.
type Level int

const (
	Healthy Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "HEALTHY"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ComponentHealth is the classified status of one component
type ComponentHealth struct {
	Status  Level
	Message string
	Details map[string]interface{}
}

// SystemHealth is the worst of the component statuses
type SystemHealth struct {
	Status     Level
	Components map[string]ComponentHealth
	CheckedAt  time.Time
}

// PerformanceMetrics is a snapshot of every component's counters
type PerformanceMetrics struct {
	Connection  connection.ConnectionStats
	Cache       cache.Stats
	Sessions    session.Stats
	Uptime      time.Duration
	CollectedAt time.Time
}

// Health component names
const (
	componentConnection  = "connection"
	componentCache       = "cache"
	componentSessions    = "sessions"
	componentPerformance = "performance"
)

// GetSystemHealth probes the store and classifies every component. Moving
// into a worse state publishes system_warning or system_critical.
func (m *Master) GetSystemHealth(ctx context.Context) (SystemHealth, error) {
	if err := m.ready(); err != nil {
		return SystemHealth{}, err
	}

	var conn connection.HealthStatus
	var sessions session.Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn = m.conn.CheckHealth(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		sessions, err = m.sessions.GetSessionStats(gctx)
		if err != nil {
			// live session count is informational; counters still apply
			m.logger.Debug("session stats unavailable", zap.Error(err))
			sessions = m.sessions.Counters()
		}
		return nil
	})
	_ = g.Wait()

	connStats := m.conn.GetConnectionStats()
	components := map[string]ComponentHealth{
		componentConnection:  m.classifyConnection(conn, connStats),
		componentCache:       m.classifyCache(m.cache.Stats()),
		componentSessions:    m.classifySessions(sessions),
		componentPerformance: m.classifyPerformance(connStats),
	}

	health := SystemHealth{Status: Healthy, Components: components, CheckedAt: time.Now()}
	for name, c := range components {
		if c.Status > health.Status {
			health.Status = c.Status
		}
		m.metrics.SetHealth(name, int(c.Status))
	}
	m.metrics.SetHealth("system", int(health.Status))

	m.recordHealth(health)
	return health, nil
}

// recordHealth stores h and announces transitions into worse states
func (m *Master) recordHealth(h SystemHealth) {
	m.healthMu.Lock()
	previous := m.lastHealth.Status
	m.lastHealth = h
	m.healthMu.Unlock()

	if h.Status == previous {
		return
	}

	fields := map[string]interface{}{
		"status":   h.Status.String(),
		"previous": previous.String(),
	}
	for name, c := range h.Components {
		if c.Status != Healthy {
			fields[name] = c.Message
		}
	}

	switch h.Status {
	case Warning:
		m.logger.Warn("system health degraded", zap.String("status", h.Status.String()))
		m.bus.Publish(events.SystemWarning, fields)
		m.metrics.RecordEvent("master", string(events.SystemWarning))
	case Critical:
		m.logger.Error("system health critical", zap.String("status", h.Status.String()))
		m.bus.Publish(events.SystemCritical, fields)
		m.metrics.RecordEvent("master", string(events.SystemCritical))
	case Healthy:
		m.logger.Info("system health recovered", zap.String("previous", previous.String()))
	}
}

// LastHealth returns the result of the most recent health evaluation
func (m *Master) LastHealth() SystemHealth {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()
	return m.lastHealth
}

func (m *Master) classifyConnection(h connection.HealthStatus, stats connection.ConnectionStats) ComponentHealth {
	t := m.config.Master
	c := ComponentHealth{
		Status: Healthy,
		Details: map[string]interface{}{
			"state":                h.State,
			"latency":              h.Latency,
			"consecutive_failures": h.ConsecutiveFailures,
			"error_rate":           stats.ErrorRate,
			"failover_attempts":    stats.FailoverAttempts,
		},
	}
	switch {
	case h.State == connection.StateDegraded.String() || h.State == connection.StateClosed.String():
		c.Status, c.Message = Critical, "store connection "+h.State
	case !h.Healthy:
		c.Status, c.Message = Critical, "store unreachable: "+h.LastError
	case stats.ErrorRate > t.ErrorRateCritical:
		c.Status, c.Message = Critical, fmt.Sprintf("command error rate %.2f", stats.ErrorRate)
	case stats.ErrorRate > t.ErrorRateWarning:
		c.Status, c.Message = Warning, fmt.Sprintf("command error rate %.2f", stats.ErrorRate)
	}
	return c
}

func (m *Master) classifyCache(s cache.Stats) ComponentHealth {
	t := m.config.Master
	lookups := s.L1Hits + s.L2Hits + s.L2Misses
	c := ComponentHealth{
		Status: Healthy,
		Details: map[string]interface{}{
			"hit_rate":   s.HitRate,
			"error_rate": s.ErrorRate,
			"lookups":    lookups,
			"l1_size":    s.L1Size,
		},
	}
	if lookups < t.MinCacheLookups {
		return c
	}
	switch {
	case s.HitRate < t.HitRateCritical:
		c.Status, c.Message = Critical, fmt.Sprintf("hit rate %.2f", s.HitRate)
	case s.HitRate < t.HitRateWarning:
		c.Status, c.Message = Warning, fmt.Sprintf("hit rate %.2f", s.HitRate)
	}
	return c
}

func (m *Master) classifySessions(s session.Stats) ComponentHealth {
	t := m.config.Master
	ratio := s.RateLimitedRatio()
	c := ComponentHealth{
		Status: Healthy,
		Details: map[string]interface{}{
			"active_sessions":     s.ActiveSessions,
			"rate_limited_ratio":  ratio,
			"identifiers_blocked": s.IdentifiersBlocked,
		},
	}
	if s.RateLimitChecks < t.MinRateLimitChecks {
		return c
	}
	switch {
	case ratio > t.RateLimitedCritical:
		c.Status, c.Message = Critical, fmt.Sprintf("%.0f%% of requests rate limited", ratio*100)
	case ratio > t.RateLimitedWarning:
		c.Status, c.Message = Warning, fmt.Sprintf("%.0f%% of requests rate limited", ratio*100)
	}
	return c
}

func (m *Master) classifyPerformance(stats connection.ConnectionStats) ComponentHealth {
	t := m.config.Master
	c := ComponentHealth{
		Status: Healthy,
		Details: map[string]interface{}{
			"average_latency": stats.AverageLatency,
			"samples":         stats.LatencySamples,
		},
	}
	switch {
	case stats.AverageLatency > t.LatencyCritical:
		c.Status, c.Message = Critical, "average latency "+stats.AverageLatency.String()
	case stats.AverageLatency > t.LatencyWarning:
		c.Status, c.Message = Warning, "average latency "+stats.AverageLatency.String()
	}
	return c
}

// GetPerformanceMetrics returns counters from every component
func (m *Master) GetPerformanceMetrics(ctx context.Context) (PerformanceMetrics, error) {
	if err := m.ready(); err != nil {
		return PerformanceMetrics{}, err
	}
	sessions, err := m.sessions.GetSessionStats(ctx)
	if err != nil {
		sessions = m.sessions.Counters()
	}
	return PerformanceMetrics{
		Connection:  m.conn.GetConnectionStats(),
		Cache:       m.cache.Stats(),
		Sessions:    sessions,
		Uptime:      time.Since(m.startedAt),
		CollectedAt: time.Now(),
	}, nil
}

// collectMetrics publishes a performance snapshot as gauges
func (m *Master) collectMetrics(ctx context.Context) {
	pm, err := m.GetPerformanceMetrics(ctx)
	if err != nil {
		return
	}
	m.metrics.SetGauge("store_error_rate", pm.Connection.ErrorRate)
	m.metrics.SetGauge("store_average_latency_seconds", pm.Connection.AverageLatency.Seconds())
	m.metrics.SetGauge("sessions_active", float64(pm.Sessions.ActiveSessions))
	m.metrics.SetGauge("sessions_rate_limited_ratio", pm.Sessions.RateLimitedRatio())
	m.metrics.SetGauge("uptime_seconds", pm.Uptime.Seconds())

	m.logger.Debug("performance metrics collected",
		zap.Uint64("commands", pm.Connection.TotalCommands),
		zap.Float64("hit_rate", pm.Cache.HitRate),
		zap.Int("active_sessions", pm.Sessions.ActiveSessions),
	)
}
