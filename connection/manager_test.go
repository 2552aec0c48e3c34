package connection

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mixguard/mixcache/chaos"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) *Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	config := DefaultConfig()
	config.Host = mr.Host()
	config.Port = port
	config.ConnectTimeout = time.Second
	config.CommandTimeout = time.Second
	config.RetryBackoff = time.Millisecond
	config.MaxRetryBackoff = 5 * time.Millisecond
	config.HealthCheckEnabled = false
	config.AutoFailover = false
	config.FailoverInterval = time.Millisecond
	config.FailoverTimeout = time.Second
	return config
}

func newTestManager(t *testing.T, config *Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(config, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

// eventLog collects events from a bus
type eventLog struct {
	mu     sync.Mutex
	events []events.Type
}

func (l *eventLog) handle(ev events.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev.Type)
	l.mu.Unlock()
}

func (l *eventLog) has(t events.Type) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == t {
			return true
		}
	}
	return false
}

func TestManager_ExecuteCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(t, mr))
	ctx := context.Background()

	_, err := m.ExecuteCommand(ctx, "set", []interface{}{"greeting", "hello"}, false)
	require.NoError(t, err)

	got, err := m.ExecuteCommand(ctx, "get", []interface{}{"greeting"}, true)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	missing, err := m.ExecuteCommand(ctx, "get", []interface{}{"nope"}, true)
	require.NoError(t, err, "a miss is not an error")
	assert.Nil(t, missing)

	_, err = m.ExecuteCommand(ctx, "incr", []interface{}{"greeting"}, false)
	require.Error(t, err, "server reply errors are surfaced")

	stats := m.GetConnectionStats()
	assert.Equal(t, "connected", stats.State)
	assert.Equal(t, "single", stats.Mode)
	assert.Equal(t, uint64(4), stats.TotalCommands)
	assert.Equal(t, uint64(1), stats.FailedCommands)
	assert.InDelta(t, 0.25, stats.ErrorRate, 0.0001)
	assert.Equal(t, 4, stats.LatencySamples)
	assert.Equal(t, uint64(0), stats.RetriedCommands, "reply errors are not retried")
}

func TestManager_ReadWriteSplit(t *testing.T) {
	primary := miniredis.RunT(t)
	replica := miniredis.RunT(t)
	require.NoError(t, primary.Set("k", "primary"))
	require.NoError(t, replica.Set("k", "replica"))

	roll := 0.0
	config := testConfig(t, primary)
	config.ReadWriteSplit = true
	config.ReadReplicas = []string{replica.Addr()}
	config.ReadRatio = 0.7

	m := newTestManager(t, config, WithRandom(func() float64 { return roll }))
	ctx := context.Background()

	got, err := m.ExecuteCommand(ctx, "get", []interface{}{"k"}, true)
	require.NoError(t, err)
	assert.Equal(t, "replica", got)

	roll = 0.9
	got, err = m.ExecuteCommand(ctx, "get", []interface{}{"k"}, true)
	require.NoError(t, err)
	assert.Equal(t, "primary", got)

	roll = 0.0
	_, err = m.ExecuteCommand(ctx, "set", []interface{}{"w", "1"}, false)
	require.NoError(t, err)
	v, err := primary.Get("w")
	require.NoError(t, err)
	assert.Equal(t, "1", v, "writes always go to the primary")
	assert.False(t, replica.Exists("w"))

	stats := m.GetConnectionStats()
	assert.Equal(t, uint64(1), stats.ReplicaReads)
	assert.Equal(t, uint64(1), stats.PrimaryReads)
	assert.Equal(t, 1, stats.Replicas)
}

func TestManager_RetriesConnectionErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("k", "v"))

	hook := chaos.New(chaos.WithFailFirst(2), chaos.WithCommands("get"))
	config := testConfig(t, mr)
	config.MaxRetries = 3
	m := newTestManager(t, config, WithHook(hook))

	got, err := m.ExecuteCommand(context.Background(), "get", []interface{}{"k"}, true)
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	stats := m.GetConnectionStats()
	assert.Equal(t, uint64(2), stats.RetriedCommands)
	assert.Equal(t, uint64(2), hook.Stats().Failed)
}

func TestManager_RetriesExhausted(t *testing.T) {
	mr := miniredis.RunT(t)
	config := testConfig(t, mr)
	config.MaxRetries = 1
	m := newTestManager(t, config, WithHook(chaos.New(chaos.WithErrors(1), chaos.WithCommands("get"))))

	_, err := m.ExecuteCommand(context.Background(), "get", []interface{}{"k"}, true)
	require.Error(t, err)

	var connErr *fault.ConnectionError
	assert.True(t, errors.As(err, &connErr))
	assert.ErrorIs(t, err, chaos.ErrInjected)
	assert.Equal(t, uint64(1), m.GetConnectionStats().RetriedCommands)
}

func TestManager_TimeoutIsNotRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	config := testConfig(t, mr)
	config.MaxRetries = 3
	m := newTestManager(t, config, WithHook(chaos.New(
		chaos.WithTimeout(5*time.Millisecond, 1),
		chaos.WithCommands("get"),
	)))

	_, err := m.ExecuteCommand(context.Background(), "get", []interface{}{"k"}, true)
	require.Error(t, err)

	var timeoutErr *fault.CommandTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "get", timeoutErr.Command)

	stats := m.GetConnectionStats()
	assert.Equal(t, uint64(0), stats.RetriedCommands)
	assert.Equal(t, uint64(1), stats.TimedOutCommands)
	assert.Equal(t, "connected", stats.State, "a timeout does not trigger failover")
}

func TestManager_Pipeline(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(t, mr))
	ctx := context.Background()

	cmds, err := m.Pipeline(ctx, false, func(p redis.Pipeliner) error {
		p.Set(ctx, "a", "1", 0)
		p.Get(ctx, "a")
		p.Get(ctx, "missing")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, cmds, 3)

	assert.Equal(t, "1", cmds[1].(*redis.StringCmd).Val())
	assert.ErrorIs(t, cmds[2].Err(), redis.Nil)
}

func TestManager_ScanKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(t, mr))

	for _, k := range []string{"mixer:a:1", "mixer:a:2", "mixer:b:1"} {
		require.NoError(t, mr.Set(k, "x"))
	}

	keys, err := m.ScanKeys(context.Background(), "mixer:a:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mixer:a:1", "mixer:a:2"}, keys)
}

func TestManager_KeyPrefix(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, "mixer:session:1", m.Key("session:1"))
	assert.Equal(t, "session:1", m.StripKey("mixer:session:1"))
	assert.Equal(t, "other", m.StripKey("other"))
}

func TestManager_FailoverBound(t *testing.T) {
	mr := miniredis.RunT(t)
	config := testConfig(t, mr)
	config.MaxFailoverAttempts = 2

	log := &eventLog{}
	m := newTestManager(t, config)
	m.Events().Subscribe(log.handle)
	ctx := context.Background()

	mr.Close()

	err := m.AttemptFailover(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, fault.ErrFailoverExhausted)
	assert.Equal(t, StateDisconnected, m.State())

	err = m.AttemptFailover(ctx)
	assert.ErrorIs(t, err, fault.ErrFailoverExhausted)
	assert.Equal(t, StateDegraded, m.State())
	assert.True(t, log.has(events.FailoverFailed))

	// No further reconnect is made once the bound is reached
	err = m.AttemptFailover(ctx)
	assert.ErrorIs(t, err, fault.ErrFailoverExhausted)
	assert.Equal(t, 2, m.FailoverAttempts())
	assert.Equal(t, uint64(2), m.GetConnectionStats().Reconnects)

	_, err = m.ExecuteCommand(ctx, "get", []interface{}{"k"}, true)
	assert.ErrorIs(t, err, fault.ErrDegraded, "degraded managers fail fast")

	m.ResetFailover()
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, m.FailoverAttempts())

	require.NoError(t, mr.Restart())
	require.NoError(t, m.AttemptFailover(ctx))
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, log.has(events.FailoverSuccess))

	_, err = m.ExecuteCommand(ctx, "set", []interface{}{"k", "v"}, false)
	assert.NoError(t, err)
}

func TestManager_AutoFailoverFromHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	config := testConfig(t, mr)
	config.HealthCheckEnabled = true
	config.HealthCheckInterval = 10 * time.Millisecond
	config.HealthCheckTimeout = 100 * time.Millisecond
	config.AutoFailover = true
	config.MaxFailoverAttempts = 2

	log := &eventLog{}
	m, err := New(config)
	require.NoError(t, err)
	m.Events().Subscribe(log.handle)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Shutdown(context.Background())

	assert.True(t, log.has(events.Connected))

	mr.Close()

	require.Eventually(t, func() bool {
		return m.State() == StateDegraded
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, log.has(events.ConnectionError))
	assert.True(t, log.has(events.FailoverFailed))
	assert.False(t, m.GetHealthStatus().Healthy)
}

func TestManager_CheckHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newTestManager(t, testConfig(t, mr))
	ctx := context.Background()

	status := m.CheckHealth(ctx)
	assert.True(t, status.Healthy)
	assert.Equal(t, "connected", status.State)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.False(t, status.LastCheck.IsZero())

	mr.Close()

	status = m.CheckHealth(ctx)
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.NotEmpty(t, status.LastError)

	status = m.CheckHealth(ctx)
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Equal(t, StateConnected, m.State(), "failover is off, state is untouched")
}

func TestManager_OfflineQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("k", "v"))

	config := testConfig(t, mr)
	config.OfflineQueue = true
	m, err := New(config)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	done := make(chan interface{}, 1)
	go func() {
		v, _ := m.ExecuteCommand(context.Background(), "get", []interface{}{"k"}, true)
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Connect(context.Background()))

	select {
	case v := <-done:
		assert.Equal(t, "v", v)
	case <-time.After(2 * time.Second):
		t.Fatal("queued command never completed")
	}
}

func TestManager_NotConnected(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = m.ExecuteCommand(context.Background(), "get", []interface{}{"k"}, true)
	assert.ErrorIs(t, err, fault.ErrNotConnected)
}

func TestManager_Shutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := New(testConfig(t, mr))
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()), "shutdown is idempotent")

	assert.Equal(t, StateClosed, m.State())
	_, err = m.ExecuteCommand(context.Background(), "get", []interface{}{"k"}, true)
	assert.ErrorIs(t, err, fault.ErrShutdown)
	assert.ErrorIs(t, m.Connect(context.Background()), fault.ErrShutdown)
	assert.Equal(t, 0, m.Events().Len())
}

func TestManager_TracingHook(t *testing.T) {
	mr := miniredis.RunT(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	m := newTestManager(t, testConfig(t, mr), WithTracerProvider(tp))
	_, err := m.ExecuteCommand(context.Background(), "set", []interface{}{"k", "v"}, false)
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "redis.set")
	assert.Contains(t, names, "redis.ping")
}

func TestLatencyWindow(t *testing.T) {
	var w latencyWindow
	assert.Equal(t, time.Duration(0), w.Average())

	for i := 0; i < 50; i++ {
		w.Add(time.Second)
	}
	for i := 0; i < 100; i++ {
		w.Add(10 * time.Millisecond)
	}

	assert.Equal(t, latencyWindowSize, w.Len())
	assert.Equal(t, 10*time.Millisecond, w.Average(), "only the last 100 samples count")
}

func TestBackoff(t *testing.T) {
	config := DefaultConfig()
	config.RetryBackoff = 100 * time.Millisecond
	config.MaxRetryBackoff = 300 * time.Millisecond
	m, err := New(config)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, m.backoff(1), 100*time.Millisecond)
		assert.LessOrEqual(t, m.backoff(6), 300*time.Millisecond)
	}
}
