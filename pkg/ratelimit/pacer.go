package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// PacerConfig holds request pacing settings.
type PacerConfig struct {
	// Delay is the fixed pause before every request.
	Delay time.Duration

	// RequestsPerMinute is the steady-state budget; 0 disables the token
	// bucket and leaves only the fixed delay.
	RequestsPerMinute int

	// Burst is the token bucket size (default 1).
	Burst int
}

// DefaultPacerConfig returns pacing that stays within the upstream budget.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		Delay:             DefaultRequestDelay,
		RequestsPerMinute: DefaultRequestsPerMinute,
		Burst:             1,
	}
}

// Pacer gates every upstream request: a fixed delay, then the token
// bucket, then any shared 429 backoff window. It is safe for concurrent
// use, so one pacer can hold the budget for all runs of a process.
type Pacer struct {
	delay   time.Duration
	bucket  *rate.Limiter
	tracker *Tracker
}

// NewPacer creates a pacer. tracker may be nil.
func NewPacer(cfg PacerConfig, tracker *Tracker) *Pacer {
	p := &Pacer{
		delay:   cfg.Delay,
		tracker: tracker,
	}
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.bucket = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}
	return p
}

// Wait blocks until the next request may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := sleepContext(ctx, p.delay); err != nil {
		return fmt.Errorf("request delay: %w", err)
	}

	if p.bucket != nil {
		if err := p.bucket.Wait(ctx); err != nil {
			return fmt.Errorf("rate budget: %w", err)
		}
	}

	if p.tracker != nil {
		if err := p.tracker.WaitUntilClear(ctx); err != nil {
			return fmt.Errorf("backoff window: %w", err)
		}
	}

	return nil
}
