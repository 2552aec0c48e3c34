package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
)

// rateLimitScript counts one request in a fixed window stored as a hash.
// The window restarts once reset_time has passed. The third return value
// is 1 only on the request that first exceeds the limit.
var rateLimitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local reset = tonumber(redis.call("HGET", KEYS[1], "reset_time"))
if not reset or now >= reset then
	reset = now + window
	redis.call("DEL", KEYS[1])
	redis.call("HSET", KEYS[1], "count", 1, "reset_time", reset, "first_request", now, "blocked", 0)
	redis.call("PEXPIRE", KEYS[1], window)
	return {1, reset, 0}
end

local count = redis.call("HINCRBY", KEYS[1], "count", 1)
local crossed = 0
if count > max and redis.call("HGET", KEYS[1], "blocked") ~= "1" then
	redis.call("HSET", KEYS[1], "blocked", 1)
	crossed = 1
end
return {count, reset, crossed}
`)

// CheckRateLimit counts one request for identifier against a fixed window
// of maxRequests per window. Zero arguments fall back to the configured
// defaults. Exceeding the limit only reports Allowed=false; enforcement is
// up to the caller.
func (m *Manager) CheckRateLimit(ctx context.Context, identifier string, maxRequests int, window time.Duration) (RateLimitResult, error) {
	if err := m.checkOpen(); err != nil {
		return RateLimitResult{}, err
	}
	if maxRequests == 0 {
		maxRequests = m.config.RateLimitMax
	}
	if window == 0 {
		window = m.config.RateLimitWindow
	}
	if maxRequests < 1 || window < time.Millisecond {
		return RateLimitResult{}, fmt.Errorf("%w: rate limit needs max >= 1 and window >= 1ms", fault.ErrInvalidArgument)
	}

	now := m.cache.Now().UnixMilli()
	res, err := m.cache.Eval(ctx, rateLimitScript, []string{prefixRateLimit + identifier},
		now, window.Milliseconds(), maxRequests)
	if err != nil {
		return RateLimitResult{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return RateLimitResult{}, fmt.Errorf("rate limit: unexpected reply %v", res)
	}
	count, _ := vals[0].(int64)
	reset, _ := vals[1].(int64)
	crossed, _ := vals[2].(int64)

	result := newRateLimitResult(int(count), maxRequests, reset)
	m.rateLimitChecks.Add(1)
	if !result.Allowed {
		m.rateLimited.Add(1)
	}
	if crossed == 1 {
		m.logger.Warn("rate limit exceeded",
			zap.String("identifier", identifier),
			zap.Int("max_requests", maxRequests),
			zap.Duration("window", window),
		)
		m.publish(events.RateLimitExceeded, map[string]interface{}{
			"identifier":   identifier,
			"count":        int(count),
			"max_requests": maxRequests,
			"reset_time":   result.ResetTime,
		})
	}
	return result, nil
}

func newRateLimitResult(count, max int, resetMillis int64) RateLimitResult {
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= max,
		Count:     count,
		Remaining: remaining,
		ResetTime: time.UnixMilli(resetMillis),
		Blocked:   count > max,
	}
}

// GetRateLimitStatus reports the current window of identifier without
// counting a request. It reports false when no window is open.
func (m *Manager) GetRateLimitStatus(ctx context.Context, identifier string, maxRequests int) (RateLimitResult, bool, error) {
	if err := m.checkOpen(); err != nil {
		return RateLimitResult{}, false, err
	}
	if maxRequests == 0 {
		maxRequests = m.config.RateLimitMax
	}

	key := m.cache.Key(prefixRateLimit + identifier)
	var cmd *redis.StringStringMapCmd
	if _, err := m.cache.Pipeline(ctx, true, func(pipe redis.Pipeliner) error {
		cmd = pipe.HGetAll(ctx, key)
		return nil
	}); err != nil {
		return RateLimitResult{}, false, err
	}

	fields := cmd.Val()
	count, err1 := strconv.Atoi(fields["count"])
	reset, err2 := strconv.ParseInt(fields["reset_time"], 10, 64)
	if err1 != nil || err2 != nil {
		return RateLimitResult{}, false, nil
	}
	if m.cache.Now().UnixMilli() >= reset {
		return RateLimitResult{}, false, nil
	}
	return newRateLimitResult(count, maxRequests, reset), true, nil
}

// ResetRateLimit drops the window of identifier
func (m *Manager) ResetRateLimit(ctx context.Context, identifier string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	res, err := m.cache.Command(ctx, "del", []interface{}{m.cache.Key(prefixRateLimit + identifier)}, false)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n > 0, nil
}
