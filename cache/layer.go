// Package cache implements the two-tier cache over the backing store.
//
// Every value is JSON-encoded into an entry envelope that records its
// creation time and TTL, so expiry is enforced both by the store and by an
// explicit timestamp check on read. The first tier is a bounded in-process
// LRU checked before the network.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
	"github.com/mixguard/mixcache/pkg/metrics"
	"github.com/mixguard/mixcache/pkg/scheduler"
)

// Store is the subset of the connection manager the layer needs
type Store interface {
	Key(key string) string
	ExecuteCommand(ctx context.Context, name string, args []interface{}, isRead bool) (interface{}, error)
	Pipeline(ctx context.Context, isRead bool, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
	Run(ctx context.Context, name string, isRead bool, fn func(context.Context, redis.UniversalClient) (interface{}, error)) (interface{}, error)
	ScanKeys(ctx context.Context, match string) ([]string, error)
}

// Option configures a Layer
type Option func(*Layer)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Layer) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) Option {
	return func(l *Layer) {
		l.metrics = recorder
	}
}

// WithClock replaces the time source used for logical expiry
func WithClock(now func() time.Time) Option {
	return func(l *Layer) {
		l.now = now
	}
}

// Layer is the cache API used by the domain managers
type Layer struct {
	store   Store
	config  *Config
	logger  *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time
	events  *events.Bus
	sched   *scheduler.Scheduler
	l1      *memoryTier
	flight  singleflight.Group

	locksMu sync.Mutex
	locks   map[string]string // held lock key -> owner

	closed atomic.Bool

	l1Hits     atomic.Uint64
	l1Misses   atomic.Uint64
	l2Hits     atomic.Uint64
	l2Misses   atomic.Uint64
	sets       atomic.Uint64
	deletes    atomic.Uint64
	failures   atomic.Uint64
	compressed atomic.Uint64
	ops        atomic.Uint64

	rollupMu   sync.Mutex
	lastOps    uint64
	lastRollup time.Time
	opsPerSec  float64
}

// New creates a cache layer over store
func New(store Store, config *Config, opts ...Option) (*Layer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &Layer{
		store:   store,
		config:  config,
		logger:  zap.NewNop(),
		metrics: metrics.Nop{},
		now:     time.Now,
		locks:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}

	if config.MultiLevel {
		tier, err := newMemoryTier(config.L1Capacity, config.L1MaxAge)
		if err != nil {
			return nil, err
		}
		l.l1 = tier
	}

	l.logger = l.logger.With(zap.String("component", "cache"))
	l.events = events.NewBus("cache", l.logger)
	l.sched = scheduler.New("cache", l.logger)
	l.lastRollup = l.now()

	if l.l1 != nil {
		l.sched.Every("l1-cleanup", config.CleanupInterval, func(context.Context) {
			if n := l.l1.Cleanup(l.now()); n > 0 {
				l.logger.Debug("expired first-tier entries removed", zap.Int("count", n))
			}
		})
	}
	l.sched.Every("analytics", config.AnalyticsInterval, func(context.Context) {
		l.rollup()
	})

	return l, nil
}

// Events returns the layer's event bus
func (l *Layer) Events() *events.Bus {
	return l.events
}

// Config returns the configuration the layer was built with
func (l *Layer) Config() *Config {
	return l.config
}

// Key returns the store key for a cache key
func (l *Layer) Key(key string) string {
	return l.store.Key(key)
}

// Now returns the layer's current time
func (l *Layer) Now() time.Time {
	return l.now()
}

// Get looks key up in the first tier, then the store, and decodes the value
// into dst. A miss is (false, nil). With FailOpenReads a store error is
// logged and reported as a miss; serialization errors are always returned.
func (l *Layer) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	return l.get(ctx, key, dst, false)
}

// GetFresh reads key from the primary, bypassing the first tier and any
// replica. Reads made while holding a lock on key must use it.
func (l *Layer) GetFresh(ctx context.Context, key string, dst interface{}) (bool, error) {
	return l.get(ctx, key, dst, true)
}

func (l *Layer) get(ctx context.Context, key string, dst interface{}, fresh bool) (bool, error) {
	if l.closed.Load() {
		return false, fault.ErrShutdown
	}
	l.ops.Add(1)

	e, found, err := l.lookup(ctx, key, fresh)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(e.Value, dst); err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("decode")
		return false, &fault.SerializationError{Key: key, Op: "decode", Err: err}
	}
	return true, nil
}

// GetAs is Get for a concrete type
func GetAs[T any](ctx context.Context, l *Layer, key string) (T, bool, error) {
	var v T
	found, err := l.Get(ctx, key, &v)
	return v, found, err
}

// GetFreshAs is GetFresh for a concrete type
func GetFreshAs[T any](ctx context.Context, l *Layer, key string) (T, bool, error) {
	var v T
	found, err := l.GetFresh(ctx, key, &v)
	return v, found, err
}

// lookup returns the live entry for key from either tier. A fresh lookup
// skips the first tier and reads from the primary.
func (l *Layer) lookup(ctx context.Context, key string, fresh bool) (*entry, bool, error) {
	now := l.now()

	if l.l1 != nil && !fresh {
		if e, ok := l.l1.Get(key, now); ok {
			l.l1Hits.Add(1)
			l.metrics.RecordCacheLookup("l1", "hit")
			return e, true, nil
		}
		l.l1Misses.Add(1)
		l.metrics.RecordCacheLookup("l1", "miss")
	}

	res, err := l.store.ExecuteCommand(ctx, "get", []interface{}{l.store.Key(key)}, !fresh)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("get")
		if l.config.FailOpenReads && !fresh && ctx.Err() == nil {
			l.logger.Warn("cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
			l.l2Misses.Add(1)
			return nil, false, nil
		}
		return nil, false, err
	}

	payload, ok := payloadBytes(res)
	if !ok {
		l.l2Misses.Add(1)
		l.metrics.RecordCacheLookup("l2", "miss")
		if fresh && l.l1 != nil {
			l.l1.Delete(key)
		}
		return nil, false, nil
	}

	e, err := decodeEntry(payload)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("decode")
		l.logger.Error("corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, false, &fault.SerializationError{Key: key, Op: "decode", Err: err}
	}

	if e.expired(now) {
		l.l2Misses.Add(1)
		l.metrics.RecordCacheLookup("l2", "miss")
		return nil, false, nil
	}

	l.l2Hits.Add(1)
	l.metrics.RecordCacheLookup("l2", "hit")
	if l.l1 != nil {
		l.l1.Set(key, e, now)
	}
	return e, true, nil
}

func payloadBytes(res interface{}) ([]byte, bool) {
	switch v := res.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

// Set stores value under key. A zero ttl uses DefaultTTL; a negative ttl
// stores the value without expiry.
func (l *Layer) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if l.closed.Load() {
		return fault.ErrShutdown
	}
	l.ops.Add(1)

	ttl = l.resolveTTL(ttl)
	e, payload, err := l.prepare(key, value, ttl)
	if err != nil {
		return err
	}

	args := []interface{}{l.store.Key(key), payload}
	if ttl > 0 {
		args = append(args, "px", e.TTL)
	}
	if _, err := l.store.ExecuteCommand(ctx, "set", args, false); err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("set")
		if l.l1 != nil {
			l.l1.Delete(key)
		}
		return err
	}

	l.sets.Add(1)
	if l.l1 != nil {
		l.l1.Set(key, e, l.now())
	}
	return nil
}

// prepare builds and encodes the entry for value
func (l *Layer) prepare(key string, value interface{}, ttl time.Duration) (*entry, []byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("encode")
		return nil, nil, &fault.SerializationError{Key: key, Op: "encode", Err: err}
	}

	e := newEntry(raw, l.now(), ttl)
	threshold := -1
	if l.config.CompressionEnabled {
		threshold = l.config.CompressionThreshold
	}
	payload, err := e.encode(threshold)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("encode")
		return nil, nil, &fault.SerializationError{Key: key, Op: "encode", Err: err}
	}
	if e.Compressed {
		l.compressed.Add(1)
	}
	return e, payload, nil
}

func (l *Layer) resolveTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return l.config.DefaultTTL
	}
	return ttl
}

// SetProtected stores value only if it can take the short-lived advisory
// lock for key. When another writer holds the lock the write is skipped and
// (false, nil) is returned.
func (l *Layer) SetProtected(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	lock, err := l.TryLock(ctx, stampedeKey(key), l.config.StampedeLockTTL, "")
	if err != nil {
		return false, err
	}
	if !lock.Acquired {
		l.logger.Debug("cache population in progress elsewhere, skipping write", zap.String("key", key))
		return false, nil
	}
	defer func() {
		if _, err := l.Unlock(context.Background(), lock.Key, lock.Owner); err != nil {
			l.logger.Warn("failed to release stampede lock", zap.String("key", key), zap.Error(err))
		}
	}()

	if err := l.Set(ctx, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func stampedeKey(key string) string {
	return "stampede:" + key
}

// GetOrLoad returns the cached value for key or computes it with load.
// Concurrent callers in this process share one load; across processes the
// write is guarded by the stampede lock.
func GetOrLoad[T any](ctx context.Context, l *Layer, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	v, found, err := GetAs[T](ctx, l, key)
	if err != nil || found {
		return v, err
	}

	res, err, _ := l.flight.Do(key, func() (interface{}, error) {
		if v, found, err := GetAs[T](ctx, l, key); err != nil || found {
			return v, err
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		if _, err := l.SetProtected(ctx, key, v, ttl); err != nil {
			l.logger.Warn("failed to cache loaded value", zap.String("key", key), zap.Error(err))
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ = res.(T)
	return v, nil
}

// Delete removes key from both tiers. It reports whether the store held the
// key, so a second Delete returns false.
func (l *Layer) Delete(ctx context.Context, key string) (bool, error) {
	if l.closed.Load() {
		return false, fault.ErrShutdown
	}
	l.ops.Add(1)

	if l.l1 != nil {
		l.l1.Delete(key)
	}
	res, err := l.store.ExecuteCommand(ctx, "del", []interface{}{l.store.Key(key)}, false)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("delete")
		return false, err
	}
	n, _ := res.(int64)
	if n > 0 {
		l.deletes.Add(1)
	}
	return n > 0, nil
}

// Exists reports whether key holds a value in either tier
func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	if l.closed.Load() {
		return false, fault.ErrShutdown
	}
	l.ops.Add(1)

	if l.l1 != nil {
		if _, ok := l.l1.Get(key, l.now()); ok {
			return true, nil
		}
	}
	res, err := l.store.ExecuteCommand(ctx, "exists", []interface{}{l.store.Key(key)}, true)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("exists")
		return false, err
	}
	n, _ := res.(int64)
	return n > 0, nil
}

// Expire resets the TTL of key to ttl from now. The stored envelope is
// rewritten in an optimistic transaction so the logical TTL follows the
// store TTL. It reports false when key does not exist.
func (l *Layer) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l.closed.Load() {
		return false, fault.ErrShutdown
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%w: expire ttl must be positive", fault.ErrInvalidArgument)
	}
	l.ops.Add(1)

	storeKey := l.store.Key(key)
	threshold := -1
	if l.config.CompressionEnabled {
		threshold = l.config.CompressionThreshold
	}

	var updated *entry
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		updated, err = l.rewriteTTL(ctx, storeKey, ttl, threshold)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("expire")
		return false, err
	}

	if l.l1 != nil {
		if updated == nil {
			l.l1.Delete(key)
		} else {
			l.l1.Set(key, updated, l.now())
		}
	}
	return updated != nil, nil
}

func (l *Layer) rewriteTTL(ctx context.Context, storeKey string, ttl time.Duration, threshold int) (*entry, error) {
	res, err := l.store.Run(ctx, "expire", false, func(ctx context.Context, c redis.UniversalClient) (interface{}, error) {
		var updated *entry
		err := c.Watch(ctx, func(tx *redis.Tx) error {
			payload, err := tx.Get(ctx, storeKey).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			e, err := decodeEntry(payload)
			if err != nil {
				return &fault.SerializationError{Key: storeKey, Op: "decode", Err: err}
			}
			if e.expired(l.now()) {
				return nil
			}

			fresh := newEntry(e.Value, l.now(), ttl)
			fresh.Hits = e.Hits
			encoded, err := fresh.encode(threshold)
			if err != nil {
				return &fault.SerializationError{Key: storeKey, Op: "encode", Err: err}
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, storeKey, encoded, ttl)
				return nil
			})
			if err == nil {
				updated = fresh
			}
			return err
		}, storeKey)
		return updated, err
	})
	if err != nil {
		return nil, err
	}
	updated, _ := res.(*entry)
	return updated, nil
}

// InvalidatePattern removes every key starting with prefix from both tiers
// and returns the number of distinct keys removed. A trailing '*' is
// accepted and ignored. This scans the first tier and the store keyspace and
// must stay off hot paths.
func (l *Layer) InvalidatePattern(ctx context.Context, prefix string) (int, error) {
	if l.closed.Load() {
		return 0, fault.ErrShutdown
	}
	l.ops.Add(1)
	prefix = strings.TrimSuffix(prefix, "*")

	removed := make(map[string]struct{})
	if l.l1 != nil {
		for _, key := range l.l1.DeletePrefix(prefix) {
			removed[key] = struct{}{}
		}
	}

	storePrefix := l.store.Key("")
	storeKeys, err := l.store.ScanKeys(ctx, escapeGlob(l.store.Key(prefix))+"*")
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("invalidate")
		return len(removed), err
	}

	chunk := l.config.BatchSize
	if chunk <= 0 {
		chunk = 100
	}
	for start := 0; start < len(storeKeys); start += chunk {
		end := start + chunk
		if end > len(storeKeys) {
			end = len(storeKeys)
		}
		keys := storeKeys[start:end]

		cmds, err := l.store.Pipeline(ctx, false, func(p redis.Pipeliner) error {
			for _, k := range keys {
				p.Del(ctx, k)
			}
			return nil
		})
		if err != nil {
			l.failures.Add(1)
			l.metrics.RecordCacheError("invalidate")
			return len(removed), err
		}
		for i, cmd := range cmds {
			if n, _ := cmd.(*redis.IntCmd).Result(); n > 0 {
				removed[strings.TrimPrefix(keys[i], storePrefix)] = struct{}{}
			}
		}
	}

	count := len(removed)
	l.deletes.Add(uint64(count))

	l.logger.Info("cache pattern invalidated", zap.String("prefix", prefix), zap.Int("count", count))
	l.events.Publish(events.CacheInvalidated, map[string]interface{}{"prefix": prefix, "count": count})
	l.metrics.RecordEvent("cache", string(events.CacheInvalidated))
	return count, nil
}

// Eval runs script atomically; keys are cache keys and are prefixed here
func (l *Layer) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	if l.closed.Load() {
		return nil, fault.ErrShutdown
	}
	storeKeys := make([]string, len(keys))
	for i, k := range keys {
		storeKeys[i] = l.store.Key(k)
	}
	res, err := l.store.RunScript(ctx, script, storeKeys, args...)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("eval")
	}
	return res, err
}

// Command runs a raw store command. Key arguments must already be prefixed
// with Key.
func (l *Layer) Command(ctx context.Context, name string, args []interface{}, isRead bool) (interface{}, error) {
	if l.closed.Load() {
		return nil, fault.ErrShutdown
	}
	res, err := l.store.ExecuteCommand(ctx, name, args, isRead)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError(name)
	}
	return res, err
}

// Pipeline passes through to the store pipeline
func (l *Layer) Pipeline(ctx context.Context, isRead bool, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	if l.closed.Load() {
		return nil, fault.ErrShutdown
	}
	cmds, err := l.store.Pipeline(ctx, isRead, fn)
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("pipeline")
	}
	return cmds, err
}

// ScanKeys returns store keys for the cache-key glob pattern, stripped of
// the store prefix
func (l *Layer) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := l.store.ScanKeys(ctx, l.store.Key(pattern))
	if err != nil {
		return nil, err
	}
	prefix := l.store.Key("")
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, prefix)
	}
	return keys, nil
}

// Clear empties the first tier only
func (l *Layer) Clear() {
	if l.l1 != nil {
		l.l1.Clear()
	}
}

// Stats is a snapshot of cache counters
type Stats struct {
	L1Hits       uint64
	L1Misses     uint64
	L2Hits       uint64
	L2Misses     uint64
	Sets         uint64
	Deletes      uint64
	Errors       uint64
	Evictions    uint64
	Compressed   uint64
	Operations   uint64
	L1Size       int
	L1Capacity   int
	HitRate      float64 // 0.0 - 1.0
	ErrorRate    float64 // 0.0 - 1.0
	OpsPerSecond float64 // from the last analytics rollup
	LastRollup   time.Time
}

// Stats returns cache statistics
func (l *Layer) Stats() Stats {
	s := Stats{
		L1Hits:     l.l1Hits.Load(),
		L1Misses:   l.l1Misses.Load(),
		L2Hits:     l.l2Hits.Load(),
		L2Misses:   l.l2Misses.Load(),
		Sets:       l.sets.Load(),
		Deletes:    l.deletes.Load(),
		Errors:     l.failures.Load(),
		Compressed: l.compressed.Load(),
		Operations: l.ops.Load(),
	}
	if l.l1 != nil {
		s.Evictions = l.l1.Evictions()
		s.L1Size = l.l1.Len()
		s.L1Capacity = l.config.L1Capacity
	}

	lookups := s.L1Hits + s.L2Hits + s.L2Misses
	if lookups > 0 {
		s.HitRate = float64(s.L1Hits+s.L2Hits) / float64(lookups)
	}
	if s.Operations > 0 {
		s.ErrorRate = float64(s.Errors) / float64(s.Operations)
		if s.ErrorRate > 1 {
			s.ErrorRate = 1
		}
	}

	l.rollupMu.Lock()
	s.OpsPerSecond = l.opsPerSec
	s.LastRollup = l.lastRollup
	l.rollupMu.Unlock()
	return s
}

// rollup recomputes throughput and publishes gauges
func (l *Layer) rollup() {
	now := l.now()
	ops := l.ops.Load()

	l.rollupMu.Lock()
	if elapsed := now.Sub(l.lastRollup).Seconds(); elapsed > 0 {
		l.opsPerSec = float64(ops-l.lastOps) / elapsed
	}
	l.lastOps = ops
	l.lastRollup = now
	l.rollupMu.Unlock()

	s := l.Stats()
	l.metrics.SetGauge("cache_hit_rate", s.HitRate)
	l.metrics.SetGauge("cache_error_rate", s.ErrorRate)
	l.metrics.SetGauge("cache_ops_per_second", s.OpsPerSecond)
	l.metrics.SetGauge("cache_l1_size", float64(s.L1Size))
}

// Shutdown stops background jobs, releases every lock still held through
// this layer and clears the first tier
func (l *Layer) Shutdown(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.sched.Stop(ctx)

	l.locksMu.Lock()
	held := make(map[string]string, len(l.locks))
	for k, v := range l.locks {
		held[k] = v
	}
	l.locksMu.Unlock()

	for key, owner := range held {
		if _, uerr := l.release(ctx, key, owner); uerr != nil {
			l.logger.Warn("failed to release lock on shutdown", zap.String("lock", key), zap.Error(uerr))
		}
	}

	l.Clear()
	l.events.Close()
	l.logger.Info("cache layer shut down", zap.Int("released_locks", len(held)))
	return err
}
