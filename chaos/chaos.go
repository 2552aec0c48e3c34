// Package chaos provides fault injection for store clients. A Hook is
// installed with connection.WithHook and injects latency, connection
// failures and timeouts in front of real commands.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrInjected is returned for injected connection failures
	ErrInjected = errors.New("chaos: injected connection failure")

	// ErrTimeout is returned for injected timeouts; it wraps
	// context.DeadlineExceeded so it classifies as a command timeout
	ErrTimeout = fmt.Errorf("chaos: injected timeout: %w", context.DeadlineExceeded)
)

// Config holds configuration for fault injection
type Config struct {
	// Latency injection
	LatencyEnabled     bool
	LatencyMin         time.Duration
	LatencyMax         time.Duration
	LatencyProbability float64

	// Error injection
	ErrorEnabled     bool
	Errors           []error
	ErrorProbability float64

	// Timeout simulation
	TimeoutEnabled     bool
	TimeoutDuration    time.Duration
	TimeoutProbability float64

	// Deterministic failure of the first FailFirst commands
	FailFirst int

	// Commands restricts injection to these command names; empty means all
	Commands map[string]bool

	// Conditional enabling
	EnableCondition func() bool

	Random func() float64
}

// Option is a functional option for chaos configuration
type Option func(*Config)

// WithLatency enables latency injection
func WithLatency(min, max time.Duration, probability float64) Option {
	return func(c *Config) {
		c.LatencyEnabled = true
		c.LatencyMin = min
		c.LatencyMax = max
		c.LatencyProbability = probability
	}
}

// WithErrors enables error injection. With no errors given, ErrInjected is used.
func WithErrors(probability float64, errs ...error) Option {
	return func(c *Config) {
		c.ErrorEnabled = true
		c.Errors = errs
		c.ErrorProbability = probability
	}
}

// WithTimeout enables timeout simulation: the command stalls for duration
// (or until its context ends) and then fails with ErrTimeout
func WithTimeout(duration time.Duration, probability float64) Option {
	return func(c *Config) {
		c.TimeoutEnabled = true
		c.TimeoutDuration = duration
		c.TimeoutProbability = probability
	}
}

// WithFailFirst fails the first n matching commands with ErrInjected
func WithFailFirst(n int) Option {
	return func(c *Config) {
		c.FailFirst = n
	}
}

// WithCommands restricts injection to the named commands (case-insensitive)
func WithCommands(names ...string) Option {
	return func(c *Config) {
		c.Commands = make(map[string]bool, len(names))
		for _, n := range names {
			c.Commands[strings.ToLower(n)] = true
		}
	}
}

// WithCondition sets a condition for enabling chaos
func WithCondition(condition func() bool) Option {
	return func(c *Config) {
		c.EnableCondition = condition
	}
}

// WithRandom replaces the probability source
func WithRandom(fn func() float64) Option {
	return func(c *Config) {
		c.Random = fn
	}
}

// Stats counts what the hook has injected
type Stats struct {
	Commands uint64
	Delayed  uint64
	Failed   uint64
	TimedOut uint64
}

// Hook is a go-redis hook that injects faults before commands run
type Hook struct {
	config *Config

	mu       sync.Mutex
	rng      *rand.Rand
	failLeft int

	commands atomic.Uint64
	delayed  atomic.Uint64
	failed   atomic.Uint64
	timedOut atomic.Uint64
}

// New creates a fault injection hook
func New(opts ...Option) *Hook {
	config := &Config{
		EnableCondition: func() bool { return true },
	}
	for _, opt := range opts {
		opt(config)
	}

	h := &Hook{
		config:   config,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		failLeft: config.FailFirst,
	}
	if config.Random == nil {
		config.Random = h.float64
	}
	return h
}

func (h *Hook) float64() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64()
}

// Stats returns injection counters
func (h *Hook) Stats() Stats {
	return Stats{
		Commands: h.commands.Load(),
		Delayed:  h.delayed.Load(),
		Failed:   h.failed.Load(),
		TimedOut: h.timedOut.Load(),
	}
}

func (h *Hook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	if h.config.Commands != nil && !h.config.Commands[strings.ToLower(cmd.Name())] {
		return ctx, nil
	}
	return ctx, h.inject(ctx)
}

func (h *Hook) AfterProcess(context.Context, redis.Cmder) error {
	return nil
}

func (h *Hook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	if h.config.Commands != nil {
		matched := false
		for _, cmd := range cmds {
			if h.config.Commands[strings.ToLower(cmd.Name())] {
				matched = true
				break
			}
		}
		if !matched {
			return ctx, nil
		}
	}
	return ctx, h.inject(ctx)
}

func (h *Hook) AfterProcessPipeline(context.Context, []redis.Cmder) error {
	return nil
}

func (h *Hook) inject(ctx context.Context) error {
	h.commands.Add(1)

	if !h.config.EnableCondition() {
		return nil
	}

	h.mu.Lock()
	if h.failLeft > 0 {
		h.failLeft--
		h.mu.Unlock()
		h.failed.Add(1)
		return ErrInjected
	}
	h.mu.Unlock()

	if h.config.LatencyEnabled && h.shouldInject(h.config.LatencyProbability) {
		h.delayed.Add(1)
		if err := sleep(ctx, h.randomDuration(h.config.LatencyMin, h.config.LatencyMax)); err != nil {
			return err
		}
	}

	if h.config.ErrorEnabled && h.shouldInject(h.config.ErrorProbability) {
		h.failed.Add(1)
		if len(h.config.Errors) == 0 {
			return ErrInjected
		}
		return h.config.Errors[int(h.config.Random()*float64(len(h.config.Errors)))%len(h.config.Errors)]
	}

	if h.config.TimeoutEnabled && h.shouldInject(h.config.TimeoutProbability) {
		h.timedOut.Add(1)
		_ = sleep(ctx, h.config.TimeoutDuration)
		return ErrTimeout
	}

	return nil
}

// shouldInject determines if chaos should be injected based on probability
func (h *Hook) shouldInject(probability float64) bool {
	return h.config.Random() < probability
}

// randomDuration returns a random duration between min and max
func (h *Hook) randomDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(h.config.Random()*float64(max-min))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Presets for common fault scenarios

// Flaky simulates a flaky network with occasional latency and failures
func Flaky(probability float64) *Hook {
	return New(
		WithLatency(5*time.Millisecond, 50*time.Millisecond, probability),
		WithErrors(probability/2),
	)
}

// Partition fails every command
func Partition() *Hook {
	return New(WithErrors(1))
}
