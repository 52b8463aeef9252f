// Package ratelimit decides whether a request subject may proceed. Every
// check charges a cost in tokens, so expensive requests drain a subject's
// allowance faster than cheap ones.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// CostRequest is what any admitted API request pays.
const CostRequest = 1

type Decision struct {
	Allowed    bool
	Cost       int
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, subject string, cost int) (Decision, error)
}

// MemoryLimiter is a process-local GCRA limiter for single-replica
// deployments and for when Redis is not configured.
type MemoryLimiter struct {
	limiter  *throttled.GCRARateLimiterCtx
	capacity int
}

func NewMemoryLimiter(capacity int, window time.Duration, maxKeys int) (*MemoryLimiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if maxKeys <= 0 {
		maxKeys = 65536
	}

	store, err := memstore.NewCtx(maxKeys)
	if err != nil {
		return nil, fmt.Errorf("create memstore: %w", err)
	}

	quota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(capacity, window),
		MaxBurst: capacity - 1,
	}
	limiter, err := throttled.NewGCRARateLimiterCtx(store, quota)
	if err != nil {
		return nil, fmt.Errorf("create gcra limiter: %w", err)
	}
	return &MemoryLimiter{limiter: limiter, capacity: capacity}, nil
}

func (l *MemoryLimiter) Allow(ctx context.Context, subject string, cost int) (Decision, error) {
	cost = clampCost(cost, l.capacity)
	limited, result, err := l.limiter.RateLimitCtx(ctx, subjectKey(subject), cost)
	if err != nil {
		return Decision{}, fmt.Errorf("gcra rate limit: %w", err)
	}

	d := Decision{
		Allowed:   !limited,
		Cost:      cost,
		Remaining: int64(result.Remaining),
	}
	if limited && result.RetryAfter > 0 {
		d.RetryAfter = result.RetryAfter
	}
	return d, nil
}

// clampCost keeps a charge within [1, capacity]; a larger charge could never
// be admitted.
func clampCost(cost, capacity int) int {
	if cost < 1 {
		return 1
	}
	return min(cost, capacity)
}

func subjectKey(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
