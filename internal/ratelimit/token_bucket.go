package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultBucketPrefix = "snappy:ratelimit"

// takeTokens refills a subject's bucket for the time elapsed since its last
// charge, then takes the requested cost if the bucket holds enough.
// Returns {admitted, tokens left, wait in ms until the cost would fit}.
var takeTokens = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - at) * per_ms)

local admitted = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  admitted = 1
else
  wait = math.ceil((cost - tokens) / per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {admitted, math.floor(tokens), wait}
`)

// RedisTokenBucket shares one bucket per subject across every API replica.
// The bucket refills continuously at capacity tokens per window and each
// request class charges its own cost.
type RedisTokenBucket struct {
	client   redis.UniversalClient
	capacity int
	perMS    float64
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, prefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultBucketPrefix
	}

	return &RedisTokenBucket{
		client:   client,
		capacity: capacity,
		perMS:    float64(capacity) / float64(max(1, window.Milliseconds())),
		ttl:      2 * window,
		prefix:   prefix,
		now:      time.Now,
	}, nil
}

func (b *RedisTokenBucket) Allow(ctx context.Context, subject string, cost int) (Decision, error) {
	cost = clampCost(cost, b.capacity)
	key := b.prefix + ":" + subjectKey(subject)

	out, err := takeTokens.Run(ctx, b.client, []string{key},
		b.capacity,
		b.perMS,
		b.now().UnixMilli(),
		cost,
		b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %d tokens for %s: %w", cost, key, err)
	}
	if len(out) != 3 {
		return Decision{}, fmt.Errorf("token bucket returned %d values, want 3", len(out))
	}

	return Decision{
		Allowed:    out[0] == 1,
		Cost:       cost,
		Remaining:  out[1],
		RetryAfter: time.Duration(out[2]) * time.Millisecond,
	}, nil
}
