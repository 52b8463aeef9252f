package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTokenBucketExhaustsAndRefills(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bucket, err := NewRedisTokenBucket(client, 3, time.Minute, "")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 2; i >= 0; i-- {
		d, err := bucket.Allow(ctx, "10.0.0.1", CostRequest)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(i), d.Remaining)
	}

	d, err := bucket.Allow(ctx, "10.0.0.1", CostRequest)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, float64(20*time.Second), float64(d.RetryAfter), float64(time.Millisecond))

	other, err := bucket.Allow(ctx, "10.0.0.2", CostRequest)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	now = now.Add(21 * time.Second)
	d, err = bucket.Allow(ctx, "10.0.0.1", CostRequest)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisTokenBucketRejectsBadConfig(t *testing.T) {
	_, err := NewRedisTokenBucket(nil, 1, time.Second, "")
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	_, err = NewRedisTokenBucket(client, 0, time.Second, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 1, 0, "")
	assert.Error(t, err)
}

func TestMemoryLimiterBurstThenLimit(t *testing.T) {
	limiter, err := NewMemoryLimiter(2, time.Hour, 0)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "client", CostRequest)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}

	d, err := limiter.Allow(ctx, "client", CostRequest)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	d, err = limiter.Allow(ctx, "someone-else", CostRequest)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisTokenBucketChargesCost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bucket, err := NewRedisTokenBucket(client, 10, 10*time.Second, "")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }

	ctx := context.Background()
	for _, want := range []int64{6, 2} {
		d, err := bucket.Allow(ctx, "10.0.0.1", 4)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 4, d.Cost)
		assert.Equal(t, want, d.Remaining)
	}

	d, err := bucket.Allow(ctx, "10.0.0.1", 4)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, float64(2*time.Second), float64(d.RetryAfter), float64(time.Millisecond))

	d, err = bucket.Allow(ctx, "10.0.0.1", CostRequest)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)

	d, err = bucket.Allow(ctx, "10.0.0.9", 50)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 10, d.Cost)
	assert.Equal(t, int64(0), d.Remaining)
}

func TestMemoryLimiterChargesCost(t *testing.T) {
	limiter, err := NewMemoryLimiter(5, time.Hour, 0)
	require.NoError(t, err)

	ctx := context.Background()
	d, err := limiter.Allow(ctx, "client", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Cost)

	d, err = limiter.Allow(ctx, "client", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = limiter.Allow(ctx, "client", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, CostRequest, d.Cost)
}
