package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxItemBytes int) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := NewRedisCache(client, time.Minute, maxItemBytes, "")
	require.NoError(t, err)
	return c, mr
}

func TestRedisCacheRoundTripAndExpiry(t *testing.T) {
	c, mr := newTestCache(t, 0)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := Entry{
		Data:         []byte{0xff, 0xd8, 0x00, 0x01},
		ContentType:  "image/jpeg",
		Extension:    "jpg",
		OutputName:   "abc.jpg",
		CacheControl: "public, max-age=60",
		Plan:         "resize(10x10,exact) quality(85)",
		Width:        10,
		Height:       10,
	}
	require.NoError(t, c.Set(ctx, "k", entry))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheRejectsOversizedEntries(t *testing.T) {
	c, _ := newTestCache(t, 3)

	err := c.Set(context.Background(), "big", Entry{Data: []byte("four")})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestKeyIgnoresParameterSpelling(t *testing.T) {
	r := params.NewResolver(params.DefaultConfig())

	a := r.Resolve(params.Raw{"WIDTH": "100", "format": "WEBP"})
	b := r.Resolve(params.Raw{"fm": "webp", "w": "100", "cb": "1700000000"})

	assert.Equal(t, Key("cat.png", a.Effective), Key("cat.png", b.Effective))
	assert.NotEqual(t, Key("cat.png", a.Effective), Key("dog.png", a.Effective))
}
