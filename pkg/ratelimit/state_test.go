package ratelimit

import (
	"testing"
	"time"
)

func TestBackoffState_IsBlocked(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		state    BackoffState
		expected bool
	}{
		{
			name:     "zero state",
			state:    BackoffState{},
			expected: false,
		},
		{
			name:     "window in the future",
			state:    BackoffState{BlockedUntil: now.Add(time.Second)},
			expected: true,
		},
		{
			name:     "window passed",
			state:    BackoffState{BlockedUntil: now.Add(-time.Second)},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsBlocked(now); got != tt.expected {
				t.Errorf("IsBlocked() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBackoffState_TimeUntilClear(t *testing.T) {
	now := time.Now()

	state := BackoffState{BlockedUntil: now.Add(3 * time.Second)}
	if got := state.TimeUntilClear(now); got != 3*time.Second {
		t.Errorf("TimeUntilClear() = %v, want 3s", got)
	}

	state = BackoffState{BlockedUntil: now.Add(-3 * time.Second)}
	if got := state.TimeUntilClear(now); got != 0 {
		t.Errorf("TimeUntilClear() = %v, want 0", got)
	}
}
