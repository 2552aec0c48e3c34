// Package mixcache wires the store connection, the two-tier cache, the
// critical data accessors and the session manager into one lifecycle.
//
// A Master is the only component an application constructs directly:
//
//	m, err := mixcache.New(mixcache.DefaultConfig(), mixcache.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := m.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer m.Shutdown(context.Background())
//
//	sessions, _ := m.Sessions()
//	res, err := sessions.CheckRateLimit(ctx, clientIP, 0, 0)
package mixcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mixguard/mixcache/cache"
	"github.com/mixguard/mixcache/connection"
	"github.com/mixguard/mixcache/critical"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
	"github.com/mixguard/mixcache/pkg/metrics"
	"github.com/mixguard/mixcache/pkg/scheduler"
	"github.com/mixguard/mixcache/session"
)

// State is the lifecycle state of a Master
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option configures a Master
type Option func(*Master)

// WithLogger sets a custom zap logger shared by every component
func WithLogger(logger *zap.Logger) Option {
	return func(m *Master) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder shared by every component
func WithMetrics(recorder metrics.Recorder) Option {
	return func(m *Master) {
		m.metrics = recorder
	}
}

// WithTracerProvider enables store command spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Master) {
		m.tracerProvider = tp
	}
}

// WithHook adds a go-redis hook to every store client
func WithHook(h redis.Hook) Option {
	return func(m *Master) {
		m.hooks = append(m.hooks, h)
	}
}

// WithClock overrides the cache clock
func WithClock(now func() time.Time) Option {
	return func(m *Master) {
		m.clock = now
	}
}

// Master owns every component and their shared lifecycle
type Master struct {
	config         *Config
	logger         *zap.Logger
	metrics        metrics.Recorder
	tracerProvider trace.TracerProvider
	hooks          []redis.Hook
	clock          func() time.Time

	state atomic.Int32
	bus   *events.Bus
	sched *scheduler.Scheduler

	conn     *connection.Manager
	cache    *cache.Layer
	critical *critical.Manager
	sessions *session.Manager

	unsubscribe []func()
	startedAt   time.Time

	eventsMu    sync.Mutex
	eventCounts map[events.Type]uint64

	healthMu   sync.RWMutex
	lastHealth SystemHealth
}

// New validates config and returns an uninitialized Master
func New(config *Config, opts ...Option) (*Master, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Master{
		config:      config,
		logger:      zap.NewNop(),
		metrics:     metrics.Nop{},
		eventCounts: make(map[events.Type]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bus = events.NewBus("master", m.logger)
	return m, nil
}

// State returns the lifecycle state
func (m *Master) State() State {
	return State(m.state.Load())
}

// Events returns the bus every component event is forwarded to
func (m *Master) Events() *events.Bus {
	return m.bus
}

// Config returns the aggregate configuration
func (m *Master) Config() *Config {
	return m.config
}

// Initialize connects to the store, builds the cache, critical data and
// session components in that order, starts background jobs and runs one
// health check. A failed initialize tears down what was built and leaves
// the Master uninitialized.
func (m *Master) Initialize(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return fmt.Errorf("%w: cannot initialize from state %s", fault.ErrInvalidArgument, m.State())
	}
	m.logger.Info("initializing", zap.String("store", m.config.Connection.Addr()))

	if err := m.build(ctx); err != nil {
		m.logger.Error("initialization failed", zap.Error(err))
		_ = m.teardown(context.Background())
		m.state.Store(int32(StateUninitialized))
		return err
	}

	m.startedAt = time.Now()
	m.state.Store(int32(StateReady))

	health, err := m.GetSystemHealth(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("ready", zap.String("health", health.Status.String()))
	return nil
}

func (m *Master) build(ctx context.Context) error {
	connOpts := []connection.Option{
		connection.WithLogger(m.logger),
		connection.WithMetrics(m.metrics),
	}
	if m.tracerProvider != nil {
		connOpts = append(connOpts, connection.WithTracerProvider(m.tracerProvider))
	}
	for _, h := range m.hooks {
		connOpts = append(connOpts, connection.WithHook(h))
	}

	var err error
	if m.conn, err = connection.New(m.config.Connection, connOpts...); err != nil {
		return err
	}
	m.forward(m.conn.Events())
	if err := m.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	cacheOpts := []cache.Option{cache.WithLogger(m.logger), cache.WithMetrics(m.metrics)}
	if m.clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(m.clock))
	}
	if m.cache, err = cache.New(m.conn, m.config.Cache, cacheOpts...); err != nil {
		return err
	}
	m.forward(m.cache.Events())

	if m.critical, err = critical.New(m.cache, m.config.Critical,
		critical.WithLogger(m.logger), critical.WithMetrics(m.metrics)); err != nil {
		return err
	}
	m.forward(m.critical.Events())

	if m.sessions, err = session.New(m.cache, m.config.Session,
		session.WithLogger(m.logger), session.WithMetrics(m.metrics)); err != nil {
		return err
	}
	m.forward(m.sessions.Events())

	m.sched = scheduler.New("master", m.logger)
	m.sched.Every("system-health", m.config.Master.HealthCheckInterval, func(ctx context.Context) {
		if _, err := m.GetSystemHealth(ctx); err != nil {
			m.logger.Debug("health check skipped", zap.Error(err))
		}
	})
	m.sched.Every("metrics", m.config.Master.MetricsInterval, m.collectMetrics)
	return nil
}

// forward relays every event of bus to the master bus
func (m *Master) forward(bus *events.Bus) {
	m.unsubscribe = append(m.unsubscribe, bus.Subscribe(m.onEvent))
}

func (m *Master) onEvent(ev events.Event) {
	m.eventsMu.Lock()
	m.eventCounts[ev.Type]++
	m.eventsMu.Unlock()

	m.bus.Forward(ev)

	// a failover outcome changes the connection status before the next tick
	switch ev.Type {
	case events.FailoverFailed, events.FailoverSuccess:
		if m.sched != nil && m.State() == StateReady {
			m.sched.Go("failover-health", func(ctx context.Context) {
				_, _ = m.GetSystemHealth(ctx)
			})
		}
	}
}

// EventCounts returns how many events of each type have been forwarded
func (m *Master) EventCounts() map[events.Type]uint64 {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	out := make(map[events.Type]uint64, len(m.eventCounts))
	for k, v := range m.eventCounts {
		out[k] = v
	}
	return out
}

func (m *Master) ready() error {
	if s := m.State(); s != StateReady {
		return fmt.Errorf("%w: state is %s", fault.ErrNotReady, s)
	}
	return nil
}

// Connection returns the store connection manager
func (m *Master) Connection() (*connection.Manager, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.conn, nil
}

// Cache returns the cache layer
func (m *Master) Cache() (*cache.Layer, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.cache, nil
}

// Critical returns the critical data manager
func (m *Master) Critical() (*critical.Manager, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.critical, nil
}

// Sessions returns the session manager
func (m *Master) Sessions() (*session.Manager, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.sessions, nil
}

// Shutdown stops background jobs, then shuts components down in reverse
// construction order, closing store connections last
func (m *Master) Shutdown(ctx context.Context) error {
	if m.state.CompareAndSwap(int32(StateUninitialized), int32(StateStopped)) {
		m.bus.Close()
		return nil
	}
	if !m.state.CompareAndSwap(int32(StateReady), int32(StateShuttingDown)) {
		return nil
	}
	m.logger.Info("shutting down")

	err := m.teardown(ctx)
	m.bus.Close()
	m.state.Store(int32(StateStopped))

	if err != nil {
		m.logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	m.logger.Info("stopped")
	return nil
}

// teardown releases whatever build constructed
func (m *Master) teardown(ctx context.Context) error {
	var errs []error
	if m.sched != nil {
		errs = append(errs, m.sched.Stop(ctx))
	}
	for _, unsub := range m.unsubscribe {
		unsub()
	}
	m.unsubscribe = nil

	if m.sessions != nil {
		errs = append(errs, m.sessions.Shutdown(ctx))
	}
	if m.critical != nil {
		errs = append(errs, m.critical.Shutdown(ctx))
	}
	if m.cache != nil {
		errs = append(errs, m.cache.Shutdown(ctx))
	}
	if m.conn != nil {
		errs = append(errs, m.conn.Shutdown(ctx))
	}
	m.sched, m.sessions, m.critical, m.cache, m.conn = nil, nil, nil, nil, nil
	return errors.Join(errs...)
}
