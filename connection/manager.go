// Package connection owns every network connection to the backing store.
//
// A Manager runs in one of two topologies fixed at construction: a single
// endpoint (optionally with read replicas) or a cluster. Writes always go to
// the primary. Reads may be routed to a replica with probability ReadRatio;
// this spreads load and gives no read-after-write guarantee, so callers that
// need fresh data pass isRead=false.
package connection

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
	"github.com/mixguard/mixcache/pkg/metrics"
	"github.com/mixguard/mixcache/pkg/scheduler"
)

// Connection states
const (
	StateDisconnected State = iota // no usable link
	StateConnecting                // initial connect in progress
	StateConnected                 // normal operation
	StateReconnecting              // failover attempt in progress
	StateDegraded                  // failover exhausted, commands fail fast
	StateClosed                    // shut down
)

// State represents the lifecycle state of the manager
type State int

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

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

// WithTracerProvider enables a command span for every store command
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracerProvider = tp
	}
}

// WithHook adds a go-redis hook to every client the manager creates
func WithHook(h redis.Hook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, h)
	}
}

// WithRandom replaces the source used for replica routing decisions
func WithRandom(fn func() float64) Option {
	return func(m *Manager) {
		m.random = fn
	}
}

// Manager owns the store clients, health polling and failover
type Manager struct {
	config         *Config
	logger         *zap.Logger
	metrics        metrics.Recorder
	tracerProvider trace.TracerProvider
	hooks          []redis.Hook
	events         *events.Bus
	sched          *scheduler.Scheduler
	random         func() float64

	mu            sync.RWMutex
	state         State
	ready         chan struct{} // closed while state == StateConnected
	primary       redis.UniversalClient
	replicas      []redis.UniversalClient
	healthStarted bool
	startedAt     time.Time

	failoverAttempts int
	failoverInFlight atomic.Bool
	failoverLimiter  *rate.Limiter

	latency latencyWindow

	totalCommands    atomic.Uint64
	failedCommands   atomic.Uint64
	timedOutCommands atomic.Uint64
	retriedCommands  atomic.Uint64
	primaryReads     atomic.Uint64
	replicaReads     atomic.Uint64
	reconnects       atomic.Uint64
	lastError        atomic.Value // string

	healthMu sync.RWMutex
	health   HealthStatus
}

// New creates a manager. No connection is made until Connect.
func New(config *Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:  config,
		logger:  zap.NewNop(),
		metrics: metrics.Nop{},
		random:  rand.Float64,
		state:   StateDisconnected,
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	interval := config.FailoverInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	m.failoverLimiter = rate.NewLimiter(rate.Every(interval), 1)
	m.logger = m.logger.With(zap.String("component", "connection"))
	m.events = events.NewBus("connection", m.logger)
	m.sched = scheduler.New("connection", m.logger)
	m.lastError.Store("")

	return m, nil
}

// Events returns the manager's event bus
func (m *Manager) Events() *events.Bus {
	return m.events
}

// Config returns the configuration the manager was built with
func (m *Manager) Config() *Config {
	return m.config
}

// Key applies the configured key prefix
func (m *Manager) Key(key string) string {
	return m.config.KeyPrefix + key
}

// StripKey removes the configured key prefix
func (m *Manager) StripKey(key string) string {
	if len(key) >= len(m.config.KeyPrefix) && key[:len(m.config.KeyPrefix)] == m.config.KeyPrefix {
		return key[len(m.config.KeyPrefix):]
	}
	return key
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connect establishes the store clients and starts health polling.
// Calling Connect on a degraded manager resets the failover counter.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return fault.ErrShutdown
	case StateConnected:
		m.mu.Unlock()
		return nil
	}
	m.failoverAttempts = 0
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.dial(ctx, !m.config.LazyConnect); err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		m.recordError(err)
		m.events.Publish(events.ConnectionError, map[string]interface{}{"error": err.Error(), "op": "connect"})
		m.metrics.RecordEvent("connection", string(events.ConnectionError))
		m.logger.Error("failed to connect to store", zap.Error(err))
		return err
	}

	m.mu.Lock()
	if m.startedAt.IsZero() {
		m.startedAt = time.Now()
	}
	startHealth := m.config.HealthCheckEnabled && !m.healthStarted
	m.healthStarted = m.healthStarted || startHealth
	m.mu.Unlock()

	m.logger.Info("connected to store",
		zap.String("mode", m.mode()),
		zap.Strings("addrs", m.primaryAddrs()),
		zap.Int("replicas", len(m.config.ReadReplicas)),
	)
	m.events.Publish(events.Connected, map[string]interface{}{"mode": m.mode()})
	m.metrics.RecordEvent("connection", string(events.Connected))

	if startHealth {
		m.sched.Every("health-check", m.config.HealthCheckInterval, func(ctx context.Context) {
			m.CheckHealth(ctx)
		})
	}
	return nil
}

// dial builds fresh clients, optionally verifies them with a ping, and
// installs them as the active connections
func (m *Manager) dial(ctx context.Context, verify bool) error {
	primary, replicas := m.newClients()

	if verify {
		pctx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
		err := primary.Ping(pctx).Err()
		cancel()
		if err != nil {
			closeClients(primary, replicas)
			return &fault.ConnectionError{Op: "connect", Addr: m.primaryAddrs()[0], Err: err}
		}
		for i, r := range replicas {
			rctx, rcancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
			if err := r.Ping(rctx).Err(); err != nil {
				m.logger.Warn("read replica unreachable, it will be retried lazily",
					zap.Int("replica", i), zap.Error(err))
			}
			rcancel()
		}
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		closeClients(primary, replicas)
		return fault.ErrShutdown
	}
	oldPrimary, oldReplicas := m.primary, m.replicas
	m.primary, m.replicas = primary, replicas
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	closeClients(oldPrimary, oldReplicas)
	return nil
}

func (m *Manager) newClients() (redis.UniversalClient, []redis.UniversalClient) {
	var primary redis.UniversalClient
	var replicas []redis.UniversalClient

	if m.config.Cluster {
		primary = redis.NewClusterClient(m.clusterOptions(false))
		if m.config.ReadWriteSplit {
			replicas = append(replicas, redis.NewClusterClient(m.clusterOptions(true)))
		}
	} else {
		primary = redis.NewClient(m.clientOptions(m.config.Addr()))
		if m.config.ReadWriteSplit {
			for _, addr := range m.config.ReadReplicas {
				replicas = append(replicas, redis.NewClient(m.clientOptions(addr)))
			}
		}
	}

	for _, c := range append([]redis.UniversalClient{primary}, replicas...) {
		if m.tracerProvider != nil {
			c.AddHook(newTracingHook(m.tracerProvider))
		}
		for _, h := range m.hooks {
			c.AddHook(h)
		}
	}
	return primary, replicas
}

func (m *Manager) dialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: m.config.ConnectTimeout, KeepAlive: -1}
	if m.config.KeepAlive {
		d.KeepAlive = m.config.KeepAliveInterval
	}
	return d.DialContext
}

func (m *Manager) clientOptions(addr string) *redis.Options {
	return &redis.Options{
		Addr:         addr,
		Dialer:       m.dialer(),
		Username:     m.config.Username,
		Password:     m.config.Password,
		DB:           m.config.DB,
		MaxRetries:   -1, // retries are handled by ExecuteCommand
		DialTimeout:  m.config.ConnectTimeout,
		ReadTimeout:  m.config.CommandTimeout,
		WriteTimeout: m.config.CommandTimeout,
		PoolSize:     m.config.PoolMax,
		MinIdleConns: m.config.PoolMin,
	}
}

func (m *Manager) clusterOptions(readOnly bool) *redis.ClusterOptions {
	return &redis.ClusterOptions{
		Addrs:         m.config.ClusterNodes,
		Dialer:        m.dialer(),
		Username:      m.config.Username,
		Password:      m.config.Password,
		ReadOnly:      readOnly,
		RouteRandomly: readOnly,
		MaxRetries:    -1,
		DialTimeout:   m.config.ConnectTimeout,
		ReadTimeout:   m.config.CommandTimeout,
		WriteTimeout:  m.config.CommandTimeout,
		PoolSize:      m.config.PoolMax,
		MinIdleConns:  m.config.PoolMin,
	}
}

// GetConnection returns the client a command should use. Writes always get
// the primary; reads get a replica with probability ReadRatio when the
// read/write split is enabled.
func (m *Manager) GetConnection(isRead bool) (redis.UniversalClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case StateClosed:
		return nil, fault.ErrShutdown
	case StateDegraded:
		return nil, fault.ErrDegraded
	}
	if m.primary == nil {
		return nil, fault.ErrNotConnected
	}

	if isRead && m.config.ReadWriteSplit && len(m.replicas) > 0 && m.random() < m.config.ReadRatio {
		m.replicaReads.Add(1)
		idx := 0
		if len(m.replicas) > 1 {
			idx = int(m.random() * float64(len(m.replicas)))
			if idx >= len(m.replicas) {
				idx = len(m.replicas) - 1
			}
		}
		return m.replicas[idx], nil
	}
	if isRead {
		m.primaryReads.Add(1)
	}
	return m.primary, nil
}

// connection is GetConnection plus offline queueing: while the manager is
// reconnecting it waits for the link instead of failing at once
func (m *Manager) connection(ctx context.Context, isRead bool) (redis.UniversalClient, error) {
	for {
		c, err := m.GetConnection(isRead)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, fault.ErrNotConnected) || !m.config.OfflineQueue {
			return nil, err
		}

		m.mu.RLock()
		ready := m.ready
		m.mu.RUnlock()

		wait := time.NewTimer(m.config.CommandTimeout)
		select {
		case <-ready:
			wait.Stop()
		case <-wait.C:
			return nil, &fault.ConnectionError{Op: "queue", Err: fault.ErrNotConnected}
		case <-ctx.Done():
			wait.Stop()
			return nil, &fault.ConnectionError{Op: "queue", Err: ctx.Err()}
		}
	}
}

// ExecuteCommand runs a single store command. A nil reply (missing key) is
// returned as (nil, nil). Connection failures are retried up to MaxRetries
// with jittered exponential backoff; timeouts and server errors are not.
func (m *Manager) ExecuteCommand(ctx context.Context, name string, args []interface{}, isRead bool) (interface{}, error) {
	cmdArgs := make([]interface{}, 0, len(args)+1)
	cmdArgs = append(cmdArgs, name)
	cmdArgs = append(cmdArgs, args...)

	return m.Run(ctx, name, isRead, func(ctx context.Context, c redis.UniversalClient) (interface{}, error) {
		return c.Do(ctx, cmdArgs...).Result()
	})
}

// RunScript executes a Lua script atomically on the primary
func (m *Manager) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return m.Run(ctx, "evalsha", false, func(ctx context.Context, c redis.UniversalClient) (interface{}, error) {
		return script.Run(ctx, c, keys, args...).Result()
	})
}

// Pipeline queues the commands added by fn and sends them in one round trip.
// Per-command errors, including redis.Nil, are left on the returned Cmders.
func (m *Manager) Pipeline(ctx context.Context, isRead bool, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	res, err := m.Run(ctx, "pipeline", isRead, func(ctx context.Context, c redis.UniversalClient) (interface{}, error) {
		cmds, err := c.Pipelined(ctx, fn)
		if err != nil && !isReplyError(err) {
			return nil, err
		}
		return cmds, nil
	})
	if err != nil {
		return nil, err
	}
	cmds, _ := res.([]redis.Cmder)
	return cmds, nil
}

// isReplyError reports whether err is a miss or a server reply error
// rather than a transport failure
func isReplyError(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	var redisErr redis.Error
	return errors.As(err, &redisErr)
}

// Run executes fn against a routed connection with timeout, retries,
// latency tracking and error classification
func (m *Manager) Run(ctx context.Context, name string, isRead bool, fn func(context.Context, redis.UniversalClient) (interface{}, error)) (interface{}, error) {
	attempts := m.config.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		res, err := m.runOnce(ctx, name, isRead, fn)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !fault.IsRetryable(err) || attempt >= attempts {
			break
		}

		m.retriedCommands.Add(1)
		wait := m.backoff(attempt)
		m.logger.Debug("retrying store command",
			zap.String("command", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

func (m *Manager) runOnce(ctx context.Context, name string, isRead bool, fn func(context.Context, redis.UniversalClient) (interface{}, error)) (interface{}, error) {
	c, err := m.connection(ctx, isRead)
	if err != nil {
		m.totalCommands.Add(1)
		m.failedCommands.Add(1)
		m.metrics.RecordCommand(name, "unavailable", 0)
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, m.config.CommandTimeout)
	defer cancel()

	start := time.Now()
	res, err := fn(cctx, c)
	duration := time.Since(start)

	m.totalCommands.Add(1)
	m.latency.Add(duration)

	if err == nil || errors.Is(err, redis.Nil) {
		m.metrics.RecordCommand(name, "ok", duration)
		if err != nil {
			return nil, nil
		}
		return res, nil
	}

	err = m.classify(ctx, cctx, name, err)
	m.failedCommands.Add(1)
	m.recordError(err)

	status := "error"
	if fault.IsTimeout(err) {
		status = "timeout"
		m.timedOutCommands.Add(1)
	}
	m.metrics.RecordCommand(name, status, duration)
	m.logger.Warn("store command failed",
		zap.String("command", name),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	return nil, err
}

// classify maps a raw client error onto the fault taxonomy
func (m *Manager) classify(parent, cctx context.Context, name string, err error) error {
	var serErr *fault.SerializationError
	if isReplyError(err) || errors.As(err, &serErr) {
		return err
	}
	if parent.Err() != nil {
		return parent.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &fault.CommandTimeoutError{Command: name, Err: err}
	}
	return &fault.ConnectionError{Op: name, Addr: m.primaryAddrs()[0], Err: err}
}

// ScanKeys returns every store key matching the glob pattern. On a cluster
// every master is scanned. This is O(keyspace) and must stay off hot paths.
func (m *Manager) ScanKeys(ctx context.Context, match string) ([]string, error) {
	res, err := m.Run(ctx, "scan", false, func(ctx context.Context, c redis.UniversalClient) (interface{}, error) {
		var mu sync.Mutex
		var keys []string
		scan := func(ctx context.Context, client *redis.Client) error {
			iter := client.Scan(ctx, 0, match, 200).Iterator()
			for iter.Next(ctx) {
				mu.Lock()
				keys = append(keys, iter.Val())
				mu.Unlock()
			}
			return iter.Err()
		}

		switch client := c.(type) {
		case *redis.ClusterClient:
			if err := client.ForEachMaster(ctx, scan); err != nil {
				return nil, err
			}
		case *redis.Client:
			if err := scan(ctx, client); err != nil {
				return nil, err
			}
		default:
			return nil, fault.ErrNotConnected
		}
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	keys, _ := res.([]string)
	return keys, nil
}

// IsCluster reports whether the manager runs in cluster mode
func (m *Manager) IsCluster() bool {
	return m.config.Cluster
}

// setStateLocked must be called with mu held
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	if s == StateConnected {
		close(m.ready)
	} else if m.state == StateConnected {
		m.ready = make(chan struct{})
	}
	m.state = s
}

func (m *Manager) recordError(err error) {
	if err != nil {
		m.lastError.Store(err.Error())
	}
}

func (m *Manager) mode() string {
	if m.config.Cluster {
		return "cluster"
	}
	return "single"
}

func (m *Manager) primaryAddrs() []string {
	if m.config.Cluster {
		return m.config.ClusterNodes
	}
	return []string{m.config.Addr()}
}

// ConnectionStats is a point-in-time snapshot of connection counters
type ConnectionStats struct {
	State            string
	Mode             string
	TotalCommands    uint64
	FailedCommands   uint64
	TimedOutCommands uint64
	RetriedCommands  uint64
	PrimaryReads     uint64
	ReplicaReads     uint64
	Reconnects       uint64
	FailoverAttempts int
	ErrorRate        float64
	AverageLatency   time.Duration
	LatencySamples   int
	TotalConns       uint32
	IdleConns        uint32
	Replicas         int
	LastError        string
	Uptime           time.Duration
}

// GetConnectionStats returns a snapshot of the connection counters
func (m *Manager) GetConnectionStats() ConnectionStats {
	m.mu.RLock()
	stats := ConnectionStats{
		State:            m.state.String(),
		Mode:             m.mode(),
		FailoverAttempts: m.failoverAttempts,
		Replicas:         len(m.replicas),
	}
	if !m.startedAt.IsZero() {
		stats.Uptime = time.Since(m.startedAt)
	}
	if m.primary != nil {
		if ps := m.primary.PoolStats(); ps != nil {
			stats.TotalConns = ps.TotalConns
			stats.IdleConns = ps.IdleConns
		}
	}
	m.mu.RUnlock()

	stats.TotalCommands = m.totalCommands.Load()
	stats.FailedCommands = m.failedCommands.Load()
	stats.TimedOutCommands = m.timedOutCommands.Load()
	stats.RetriedCommands = m.retriedCommands.Load()
	stats.PrimaryReads = m.primaryReads.Load()
	stats.ReplicaReads = m.replicaReads.Load()
	stats.Reconnects = m.reconnects.Load()
	stats.AverageLatency = m.latency.Average()
	stats.LatencySamples = m.latency.Len()
	stats.LastError, _ = m.lastError.Load().(string)
	if stats.TotalCommands > 0 {
		stats.ErrorRate = float64(stats.FailedCommands) / float64(stats.TotalCommands)
	}
	return stats
}

// Shutdown stops health polling, waits for in-flight background work and
// closes every client. The manager cannot be reused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	err := m.sched.Stop(ctx)

	m.mu.Lock()
	primary, replicas := m.primary, m.replicas
	m.primary, m.replicas = nil, nil
	m.mu.Unlock()

	closeClients(primary, replicas)
	m.events.Close()
	m.logger.Info("connection manager shut down")
	return err
}

func closeClients(primary redis.UniversalClient, replicas []redis.UniversalClient) {
	if primary != nil {
		_ = primary.Close()
	}
	for _, r := range replicas {
		_ = r.Close()
	}
}
