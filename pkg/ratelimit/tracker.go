package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for backoff tracking.
var (
	rateLimitResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cliniko_rate_limit_responses_total",
		Help: "Total number of 429 responses recorded",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cliniko_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a shared backoff window to close",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Tracker shares 429 backoff windows between runs. With a Redis client the
// window is visible to every process using the same Redis; without one it
// is kept in memory for this process only.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu    sync.Mutex
	local BackoffState

	now func() time.Time
}

// NewTracker creates a tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the current backoff window.
// Returns a zero state when nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (BackoffState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.local, nil
	}

	blockedUntil, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if err != nil {
		if err == redis.Nil {
			return BackoffState{}, nil
		}
		return BackoffState{}, fmt.Errorf("get blocked until: %w", err)
	}

	retryAfter, err := t.redis.Get(ctx, RedisKeyLastRetryAfter).Int64()
	if err != nil && err != redis.Nil {
		return BackoffState{}, fmt.Errorf("get last retry after: %w", err)
	}

	return BackoffState{
		BlockedUntil:   time.UnixMilli(blockedUntil),
		LastRetryAfter: time.Duration(retryAfter) * time.Millisecond,
	}, nil
}

// RecordRateLimited opens (or extends) the backoff window after a 429
// response that asked for retryAfter. A shorter window never shrinks an
// existing longer one.
func (t *Tracker) RecordRateLimited(ctx context.Context, retryAfter time.Duration) error {
	rateLimitResponsesTotal.Inc()

	until := t.now().Add(retryAfter)

	if t.redis == nil {
		t.mu.Lock()
		if until.After(t.local.BlockedUntil) {
			t.local.BlockedUntil = until
		}
		t.local.LastRetryAfter = retryAfter
		t.mu.Unlock()
	} else {
		current, err := t.GetState(ctx)
		if err != nil {
			return err
		}
		if until.After(current.BlockedUntil) {
			// The keys expire with the window so stale state never blocks.
			ttl := retryAfter
			if ttl <= 0 {
				ttl = time.Millisecond
			}
			pipe := t.redis.Pipeline()
			pipe.Set(ctx, RedisKeyBlockedUntil, until.UnixMilli(), ttl)
			pipe.Set(ctx, RedisKeyLastRetryAfter, retryAfter.Milliseconds(), ttl)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("store backoff state in redis: %w", err)
			}
		}
	}

	t.logger.Warn().
		Dur("retry_after", retryAfter).
		Time("blocked_until", until).
		Msg("Upstream rate limit hit - backing off")

	return nil
}

// WaitUntilClear blocks until the shared backoff window has passed.
// Redis errors are logged and treated as an open window.
func (t *Tracker) WaitUntilClear(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Backoff state unavailable, not waiting")
		return nil
	}

	wait := state.TimeUntilClear(t.now())
	if wait <= 0 {
		return nil
	}

	t.logger.Debug().Dur("wait", wait).Msg("Waiting for shared backoff window")
	rateLimitWaitSeconds.Observe(wait.Seconds())

	return sleepContext(ctx, wait)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
