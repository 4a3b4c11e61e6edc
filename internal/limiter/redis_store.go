package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aman-churiwal/admission-engine/internal/storage"
	"github.com/aman-churiwal/admission-engine/internal/tier"
)

const (
	counterKeyPrefix = "admission:counters:"

	// Retention for idle counter hashes. Refreshed on every touch, so a
	// key only expires after two days without traffic.
	counterTTLSeconds = 48 * 60 * 60
)

// evaluateScript runs the whole precedence chain in one atomic round trip:
// block check, concurrency increment, burst, window, daily. Counters are
// incremented up to and including the failing check, lazy boundary resets
// included, so the decision is linearizable per key.
var evaluateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowSec = tonumber(ARGV[2])
local burstSec = tonumber(ARGV[3])
local maxRequests = tonumber(ARGV[4])
local burstLimit = tonumber(ARGV[5])
local dailyLimit = tonumber(ARGV[6])
local concurrentLimit = tonumber(ARGV[7])
local vioThreshold = tonumber(ARGV[8])
local penaltySec = tonumber(ARGV[9])
local concMaxAge = tonumber(ARGV[10])
local dayStart = tonumber(ARGV[11])
local ttl = tonumber(ARGV[12])

local c = redis.call('HMGET', key,
  'windowStart', 'windowCount', 'burstStart', 'burstCount',
  'dailyStart', 'dailyCount', 'active', 'activeTouched',
  'blocked', 'blockedUntil', 'violations')

local windowStart = tonumber(c[1]) or now
local windowCount = tonumber(c[2]) or 0
local burstStart = tonumber(c[3]) or now
local burstCount = tonumber(c[4]) or 0
local dailyStart = tonumber(c[5]) or dayStart
local dailyCount = tonumber(c[6]) or 0
local active = tonumber(c[7]) or 0
local touched = tonumber(c[8]) or now
local blocked = tonumber(c[9]) or 0
local blockedUntil = tonumber(c[10]) or 0
local violations = tonumber(c[11]) or 0

local function save(lastRequest)
  redis.call('HSET', key,
    'windowStart', windowStart, 'windowCount', windowCount,
    'burstStart', burstStart, 'burstCount', burstCount,
    'dailyStart', dailyStart, 'dailyCount', dailyCount,
    'active', active, 'activeTouched', touched,
    'blocked', blocked, 'blockedUntil', blockedUntil,
    'violations', violations)
  if lastRequest == 1 then
    redis.call('HSET', key, 'lastRequestAt', now)
  else
    redis.call('HSET', key, 'lastViolationAt', now)
  end
  redis.call('EXPIRE', key, ttl)
end

local function deny(reason, retry, acquired)
  violations = violations + 1
  if vioThreshold > 0 and violations >= vioThreshold and blocked == 0 then
    blocked = 1
    blockedUntil = now + penaltySec
  end
  save(0)
  return {0, reason, retry, windowCount, burstCount, dailyCount,
    active, violations, blocked, blockedUntil, acquired, windowStart}
end

-- 1. explicit penalty block
if blocked == 1 then
  if blockedUntil > now then
    return deny('blocked', blockedUntil - now, 0)
  end
  blocked = 0
  blockedUntil = 0
end

-- 2. concurrency, with max-age reconciliation of abandoned slots
if concMaxAge > 0 and now - touched > concMaxAge then
  active = 0
end
active = active + 1
touched = now
if active > concurrentLimit then
  return deny('concurrent_limit_exceeded', 0, 1)
end

-- 3. burst window, lazy reset
if now - burstStart > burstSec then
  burstStart = now
  burstCount = 0
end
burstCount = burstCount + 1
if burstCount > burstLimit then
  return deny('burst_limit_exceeded', burstStart + burstSec - now, 1)
end

-- 4. primary window, lazy reset
if now - windowStart > windowSec then
  windowStart = now
  windowCount = 0
end
windowCount = windowCount + 1
if windowCount > maxRequests then
  return deny('window_limit_exceeded', windowStart + windowSec - now, 1)
end

-- 5. UTC day, reset on boundary change
if dailyStart ~= dayStart then
  dailyStart = dayStart
  dailyCount = 0
end
dailyCount = dailyCount + 1
if dailyCount > dailyLimit then
  return deny('daily_limit_exceeded', dayStart + 86400 - now, 1)
end

violations = 0
save(1)
return {1, '', 0, windowCount, burstCount, dailyCount,
  active, violations, blocked, blockedUntil, 1, windowStart}
`)

var releaseScript = redis.NewScript(`
local active = tonumber(redis.call('HGET', KEYS[1], 'active')) or 0
if active > 0 then
  redis.call('HSET', KEYS[1], 'active', active - 1, 'activeTouched', ARGV[1])
end
return active
`)

// RedisCounterStore keeps one hash per caller key and evaluates it with a
// single Lua script, so multiple engine instances share consistent counters.
type RedisCounterStore struct {
	redis *storage.RedisClient
}

func NewRedisCounterStore(redis *storage.RedisClient) *RedisCounterStore {
	return &RedisCounterStore{redis: redis}
}

func counterKey(key string) string {
	return counterKeyPrefix + key
}

func utcDayStart(now time.Time) int64 {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

func (s *RedisCounterStore) Evaluate(ctx context.Context, key string, limits tier.Limits, opts EvalOptions, now time.Time) (*Decision, error) {
	result, err := s.redis.RunScript(ctx, evaluateScript, []string{counterKey(key)},
		now.Unix(),
		int(limits.Window.Seconds()),
		int(limits.BurstWindow.Seconds()),
		limits.MaxRequests,
		limits.BurstLimit,
		limits.DailyLimit,
		limits.ConcurrentLimit,
		opts.ViolationThreshold,
		int(opts.PenaltyDuration.Seconds()),
		int(opts.ConcurrencyMaxAge.Seconds()),
		utcDayStart(now),
		counterTTLSeconds,
	)
	if err != nil {
		return nil, Wrap(CodeDatabaseError, "counter evaluation failed", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 12 {
		return nil, Wrap(CodeDatabaseError, "unexpected script result", fmt.Errorf("got %T", result))
	}

	decision := &Decision{
		Allowed:  asInt(values[0]) == 1,
		Acquired: asInt(values[10]) == 1,
		Snapshot: Snapshot{
			WindowCount:      int(asInt(values[3])),
			BurstCount:       int(asInt(values[4])),
			DailyCount:       int(asInt(values[5])),
			ActiveConcurrent: int(asInt(values[6])),
			ViolationCount:   int(asInt(values[7])),
			Blocked:          asInt(values[8]) == 1,
		},
	}

	if blockedUntil := asInt(values[9]); blockedUntil > 0 {
		decision.Snapshot.BlockedUntil = time.Unix(blockedUntil, 0).UTC()
	}
	decision.Snapshot.WindowReset = time.Unix(asInt(values[11]), 0).UTC().Add(limits.Window)

	if !decision.Allowed {
		if reason, ok := values[1].(string); ok {
			decision.Reason = Reason(reason)
		}
		retry := asInt(values[2])
		if retry < 1 && decision.Reason != ReasonConcurrent {
			retry = 1
		}
		decision.RetryAfter = time.Duration(retry) * time.Second
	}

	return decision, nil
}

func (s *RedisCounterStore) Release(ctx context.Context, key string, now time.Time) error {
	_, err := s.redis.RunScript(ctx, releaseScript, []string{counterKey(key)}, now.Unix())
	if err != nil {
		return Wrap(CodeDatabaseError, "concurrency release failed", err)
	}
	return nil
}

func (s *RedisCounterStore) Status(ctx context.Context, key string) (*CounterStatus, error) {
	fields, err := s.redis.HGetAll(ctx, counterKey(key))
	if err != nil {
		return nil, Wrap(CodeDatabaseError, "counter status lookup failed", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	status := &CounterStatus{
		Key:              key,
		WindowStart:      unixField(fields, "windowStart"),
		WindowCount:      intField(fields, "windowCount"),
		BurstWindowStart: unixField(fields, "burstStart"),
		BurstCount:       intField(fields, "burstCount"),
		DailyWindowStart: unixField(fields, "dailyStart"),
		DailyCount:       intField(fields, "dailyCount"),
		ActiveConcurrent: intField(fields, "active"),
		IsBlocked:        intField(fields, "blocked") == 1,
		ViolationCount:   intField(fields, "violations"),
	}

	if t := unixField(fields, "blockedUntil"); !t.IsZero() {
		status.BlockedUntil = &t
	}
	if t := unixField(fields, "lastViolationAt"); !t.IsZero() {
		status.LastViolationAt = &t
	}
	if t := unixField(fields, "lastRequestAt"); !t.IsZero() {
		status.LastRequestAt = &t
	}

	return status, nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, counterKey(key)); err != nil {
		return Wrap(CodeDatabaseError, "counter reset failed", err)
	}
	return nil
}

func (s *RedisCounterStore) SetBlock(ctx context.Context, key string, until time.Time) error {
	pipe := s.redis.Pipeline()
	pipe.HSet(ctx, counterKey(key), "blocked", 1, "blockedUntil", until.Unix())
	pipe.Expire(ctx, counterKey(key), counterTTLSeconds*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Wrap(CodeDatabaseError, "block failed", err)
	}
	return nil
}

func (s *RedisCounterStore) ClearBlock(ctx context.Context, key string) error {
	pipe := s.redis.Pipeline()
	pipe.HSet(ctx, counterKey(key), "blocked", 0, "blockedUntil", 0, "violations", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Wrap(CodeDatabaseError, "unblock failed", err)
	}
	return nil
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}

func intField(fields map[string]string, name string) int {
	n, _ := strconv.Atoi(fields[name])
	return n
}

func unixField(fields map[string]string, name string) time.Time {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
