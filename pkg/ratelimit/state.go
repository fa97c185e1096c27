// Package ratelimit keeps requests to the practice-management API under its
// rate budget. A Pacer spaces out the requests of a run, and a Tracker
// shares 429 backoff windows between concurrent runs, optionally through
// Redis so that several processes using one API key back off together.
package ratelimit

import (
	"time"
)

// Redis keys for shared backoff state.
const (
	RedisKeyBlockedUntil   = "cliniko:rate_limit:blocked_until"
	RedisKeyLastRetryAfter = "cliniko:rate_limit:last_retry_after"
)

const (
	// DefaultRetryAfter is used when a 429 response carries no usable
	// Retry-After header.
	DefaultRetryAfter = 2 * time.Second

	// DefaultRequestDelay is the fixed pause before every upstream request.
	DefaultRequestDelay = 50 * time.Millisecond

	// DefaultRequestsPerMinute is the upstream's documented rate budget.
	DefaultRequestsPerMinute = 200

	// MaxRetryAfter caps a single Retry-After wait.
	MaxRetryAfter = 5 * time.Minute

	// HeaderRetryAfter is the header carrying the backoff in seconds.
	HeaderRetryAfter = "Retry-After"
)

// BackoffState is the current 429 backoff window.
type BackoffState struct {
	// BlockedUntil is the instant before which no request should be sent.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastRetryAfter is the Retry-After duration of the most recent 429.
	LastRetryAfter time.Duration `json:"last_retry_after"`
}

// IsBlocked reports whether requests must still wait at now.
func (s BackoffState) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilClear returns how long to wait before the window closes.
// Returns 0 when the window has already passed.
func (s BackoffState) TimeUntilClear(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
