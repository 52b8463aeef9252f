// Package cache keeps rendered variants in Redis so repeated requests skip
// the image engine.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/snappy/internal/params"
	"github.com/redis/go-redis/v9"
)

var ErrTooLarge = errors.New("entry exceeds cache item limit")

type Entry struct {
	Data         []byte
	ContentType  string
	Extension    string
	OutputName   string
	CacheControl string
	Plan         string
	Width        int
	Height       int
}

type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}

// Key identifies a variant. Equivalent parameter spellings share a key
// because ops is already normalized and validated.
func Key(sourceKey string, ops params.Operations) string {
	sum := sha256.Sum256([]byte(sourceKey + "?" + ops.Canonical()))
	return hex.EncodeToString(sum[:])
}

type RedisCache struct {
	client       redis.UniversalClient
	ttl          time.Duration
	maxItemBytes int
	prefix       string
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration, maxItemBytes int, prefix string) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "snappy:render"
	}
	return &RedisCache{
		client:       client,
		ttl:          ttl,
		maxItemBytes: maxItemBytes,
		prefix:       prefix,
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	fields, err := c.client.HGetAll(ctx, c.redisKey(key)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	width, _ := strconv.Atoi(fields["width"])
	height, _ := strconv.Atoi(fields["height"])
	return Entry{
		Data:         []byte(fields["data"]),
		ContentType:  fields["content_type"],
		Extension:    fields["extension"],
		OutputName:   fields["output_name"],
		CacheControl: fields["cache_control"],
		Plan:         fields["plan"],
		Width:        width,
		Height:       height,
	}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, e Entry) error {
	if c.maxItemBytes > 0 && len(e.Data) > c.maxItemBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(e.Data), c.maxItemBytes)
	}

	rk := c.redisKey(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rk)
		pipe.HSet(ctx, rk,
			"data", e.Data,
			"content_type", e.ContentType,
			"extension", e.Extension,
			"output_name", e.OutputName,
			"cache_control", e.CacheControl,
			"plan", e.Plan,
			"width", e.Width,
			"height", e.Height,
		)
		pipe.Expire(ctx, rk, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *RedisCache) redisKey(key string) string {
	return c.prefix + ":" + key
}
