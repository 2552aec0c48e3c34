package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/fault"
)

const blockReason = "risk score threshold exceeded"

// antiSpamScript adds one activity to an identifier's record and bounded
// activity list and blocks the identifier once the cumulative score reaches
// the threshold. Both keys are refreshed to the full TTL. The cumulative
// score is returned as a string since Lua numbers are truncated on reply.
var antiSpamScript = redis.NewScript(`
local score = ARGV[1]
local now = ARGV[2]
local entry = ARGV[3]
local threshold = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local maxFlags = tonumber(ARGV[6])

local requests = redis.call("HINCRBY", KEYS[1], "requests", 1)
local total = tonumber(redis.call("HINCRBYFLOAT", KEYS[1], "risk_score", score))
redis.call("HSET", KEYS[1], "last_activity", now)
redis.call("LPUSH", KEYS[2], entry)
redis.call("LTRIM", KEYS[2], 0, maxFlags - 1)

local newly = 0
if total >= threshold and redis.call("HGET", KEYS[1], "blocked") ~= "1" then
	redis.call("HSET", KEYS[1], "blocked", "1", "blocked_reason", ARGV[7], "blocked_at", now)
	newly = 1
end

redis.call("PEXPIRE", KEYS[1], ttl)
redis.call("PEXPIRE", KEYS[2], ttl)
return {tostring(total), newly, requests}
`)

// ActivityResult is the state of an identifier after one tracked activity
type ActivityResult struct {
	Score     float64 // contributed by this activity
	RiskScore float64 // cumulative
	Requests  int64
	Blocked   bool
}

func (m *Manager) activityScore(activity string, severity Severity) float64 {
	multiplier, ok := m.config.ActivityMultipliers[activity]
	if !ok {
		multiplier = 1
	}
	return severity.BaseScore() * multiplier
}

// TrackSuspiciousActivity adds base(severity) x multiplier(activity) to the
// identifier's risk score. Reaching the block threshold blocks the
// identifier; the record lives for AntiSpamTTL after the last activity.
func (m *Manager) TrackSuspiciousActivity(ctx context.Context, identifier, activity string, severity Severity) (ActivityResult, error) {
	if err := m.checkOpen(); err != nil {
		return ActivityResult{}, err
	}
	if identifier == "" {
		return ActivityResult{}, fmt.Errorf("%w: identifier is required", fault.ErrInvalidArgument)
	}
	score := m.activityScore(activity, severity)
	if score <= 0 {
		return ActivityResult{}, fmt.Errorf("%w: unknown severity %q", fault.ErrInvalidArgument, severity)
	}

	now := m.cache.Now().UnixMilli()
	entry, err := json.Marshal(Activity{Activity: activity, Severity: severity, Score: score, At: now})
	if err != nil {
		return ActivityResult{}, &fault.SerializationError{Key: identifier, Op: "encode", Err: err}
	}

	record, flags := antiSpamKeys(identifier)
	res, err := m.cache.Eval(ctx, antiSpamScript, []string{record, flags},
		strconv.FormatFloat(score, 'f', -1, 64), now, string(entry),
		m.config.BlockThreshold, m.config.AntiSpamTTL.Milliseconds(), m.config.MaxActivities, blockReason)
	if err != nil {
		return ActivityResult{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return ActivityResult{}, fmt.Errorf("anti-spam: unexpected reply %v", res)
	}
	totalStr, _ := vals[0].(string)
	newly, _ := vals[1].(int64)
	requests, _ := vals[2].(int64)
	total, err := strconv.ParseFloat(totalStr, 64)
	if err != nil {
		return ActivityResult{}, fmt.Errorf("anti-spam: parse score %q: %w", totalStr, err)
	}

	m.activitiesTracked.Add(1)
	result := ActivityResult{
		Score:     score,
		RiskScore: total,
		Requests:  requests,
		Blocked:   total >= m.config.BlockThreshold,
	}

	if newly == 1 {
		m.identifiersBlocked.Add(1)
		m.logger.Warn("identifier blocked",
			zap.String("identifier", identifier),
			zap.Float64("risk_score", total),
			zap.String("activity", activity),
		)
		m.publish(events.UserBlocked, map[string]interface{}{
			"identifier": identifier,
			"risk_score": total,
			"reason":     blockReason,
		})
	}
	return result, nil
}

// IsBlocked reports whether identifier is currently blocked
func (m *Manager) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	record, _ := antiSpamKeys(identifier)
	res, err := m.cache.Command(ctx, "hget", []interface{}{m.cache.Key(record), "blocked"}, true)
	if err != nil {
		return false, err
	}
	v, _ := res.(string)
	return v == "1", nil
}

// GetAntiSpamData returns the accumulated record of identifier
func (m *Manager) GetAntiSpamData(ctx context.Context, identifier string) (AntiSpamData, bool, error) {
	if err := m.checkOpen(); err != nil {
		return AntiSpamData{}, false, err
	}
	record, flags := antiSpamKeys(identifier)

	var hash *redis.StringStringMapCmd
	var list *redis.StringSliceCmd
	if _, err := m.cache.Pipeline(ctx, true, func(pipe redis.Pipeliner) error {
		hash = pipe.HGetAll(ctx, m.cache.Key(record))
		list = pipe.LRange(ctx, m.cache.Key(flags), 0, -1)
		return nil
	}); err != nil {
		return AntiSpamData{}, false, err
	}

	fields := hash.Val()
	if len(fields) == 0 {
		return AntiSpamData{}, false, nil
	}

	data := AntiSpamData{
		Identifier:  identifier,
		Blocked:     fields["blocked"] == "1",
		BlockReason: fields["blocked_reason"],
	}
	data.Requests, _ = strconv.ParseInt(fields["requests"], 10, 64)
	data.RiskScore, _ = strconv.ParseFloat(fields["risk_score"], 64)
	if ms, err := strconv.ParseInt(fields["last_activity"], 10, 64); err == nil {
		data.LastActivity = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["blocked_at"], 10, 64); err == nil {
		data.BlockedAt = time.UnixMilli(ms)
	}

	for _, raw := range list.Val() {
		var a Activity
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			m.logger.Error("corrupt activity entry", zap.String("identifier", identifier), zap.Error(err))
			return AntiSpamData{}, false, &fault.SerializationError{Key: flags, Op: "decode", Err: err}
		}
		data.Activities = append(data.Activities, a)
	}
	return data, true, nil
}

// UnblockIdentifier drops the record and history of identifier
func (m *Manager) UnblockIdentifier(ctx context.Context, identifier string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	record, flags := antiSpamKeys(identifier)
	res, err := m.cache.Command(ctx, "del", []interface{}{m.cache.Key(record), m.cache.Key(flags)}, false)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	if n > 0 {
		m.logger.Info("identifier unblocked", zap.String("identifier", identifier))
	}
	return n > 0, nil
}
