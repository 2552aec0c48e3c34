package chaos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h *Hook) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("k", "v"))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	client.AddHook(h)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func always() float64 { return 0 }
func never() float64  { return 1 }

func TestHook_FailFirst(t *testing.T) {
	h := New(WithFailFirst(2))
	client := newClient(t, h)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := client.Get(ctx, "k").Err()
		assert.ErrorIs(t, err, ErrInjected)
	}
	v, err := client.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	stats := h.Stats()
	assert.Equal(t, uint64(3), stats.Commands)
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestHook_Errors(t *testing.T) {
	custom := errors.New("READONLY replica")
	client := newClient(t, New(WithErrors(1, custom), WithRandom(always)))

	err := client.Set(context.Background(), "k", "x", 0).Err()
	assert.ErrorIs(t, err, custom)
}

func TestHook_Commands(t *testing.T) {
	h := Partition()
	h.config.Commands = map[string]bool{"set": true}
	client := newClient(t, h)
	ctx := context.Background()

	require.NoError(t, client.Get(ctx, "k").Err())
	assert.ErrorIs(t, client.Set(ctx, "k", "x", 0).Err(), ErrInjected)
	assert.Equal(t, uint64(1), h.Stats().Failed)
}

func TestHook_WithCommandsOption(t *testing.T) {
	client := newClient(t, New(WithErrors(1), WithRandom(always), WithCommands("GET")))
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "x", 0).Err())
	assert.ErrorIs(t, client.Get(ctx, "k").Err(), ErrInjected)
}

func TestHook_Latency(t *testing.T) {
	h := New(WithLatency(20*time.Millisecond, 20*time.Millisecond, 1), WithRandom(always))
	client := newClient(t, h)

	start := time.Now()
	require.NoError(t, client.Get(context.Background(), "k").Err())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(1), h.Stats().Delayed)
}

func TestHook_Timeout(t *testing.T) {
	h := New(WithTimeout(10*time.Millisecond, 1), WithRandom(always))
	client := newClient(t, h)

	err := client.Get(context.Background(), "k").Err()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), h.Stats().TimedOut)
}

func TestHook_ProbabilityAndCondition(t *testing.T) {
	t.Run("probability not met", func(t *testing.T) {
		h := New(WithErrors(0.5), WithRandom(never))
		client := newClient(t, h)
		require.NoError(t, client.Get(context.Background(), "k").Err())
		assert.Equal(t, uint64(0), h.Stats().Failed)
	})

	t.Run("condition off", func(t *testing.T) {
		enabled := false
		h := New(WithErrors(1), WithRandom(always), WithCondition(func() bool { return enabled }))
		client := newClient(t, h)
		ctx := context.Background()

		require.NoError(t, client.Get(ctx, "k").Err())
		enabled = true
		assert.ErrorIs(t, client.Get(ctx, "k").Err(), ErrInjected)
	})
}

func TestHook_Pipeline(t *testing.T) {
	client := newClient(t, New(WithErrors(1), WithRandom(always), WithCommands("del")))
	ctx := context.Background()

	_, err := client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Get(ctx, "k")
		p.Get(ctx, "k")
		return nil
	})
	require.NoError(t, err)

	_, err = client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Get(ctx, "k")
		p.Del(ctx, "k")
		return nil
	})
	assert.ErrorIs(t, err, ErrInjected)
}
