package ratelimit

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter converts a Retry-After header value into a duration.
// Both delta-seconds and HTTP-date forms are accepted; anything else,
// including negative values, yields def. Results are capped at
// MaxRetryAfter.
func ParseRetryAfter(value string, def time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}

	seconds, err := strconv.ParseInt(value, 10, 64)
	switch {
	case err == nil && seconds < 0:
		return def
	case err == nil:
		if seconds > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		return time.Duration(seconds) * time.Second
	case errors.Is(err, strconv.ErrRange):
		if strings.HasPrefix(value, "-") {
			return def
		}
		return MaxRetryAfter
	}

	if at, err := http.ParseTime(value); err == nil {
		return min(max(time.Until(at), 0), MaxRetryAfter)
	}

	return def
}
