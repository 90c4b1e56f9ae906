// Package ratelimit implements the shared 429 throttle that gates outgoing
// API requests. Every response updates a small piece of state in Redis: a
// 429 opens a throttle window (from Retry-After, else an exponential default)
// and extends the streak of consecutive 429s, any other response closes the
// streak. All client instances that share the Redis database honor the same
// window, so one process hitting the limit slows down its peers too.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyThrottledUntil = "comms:rate_limit:throttled_until"
	RedisKeyConsecutive429 = "comms:rate_limit:consecutive_429"
	RedisKeyLastUpdate     = "comms:rate_limit:last_update"
)

// Thresholds for throttle decisions.
const (
	// ThrottleThresholdCritical blocks requests while a window is open and
	// the server has answered this many 429s in a row.
	ThrottleThresholdCritical = 5

	// ThrottleThresholdWarning logs a warning once the streak reaches this value.
	ThrottleThresholdWarning = 2

	// MaxThrottleWait bounds how long ShouldAllowRequest sleeps for an open window.
	MaxThrottleWait = 10 * time.Second

	// DefaultThrottleWindow is the first window opened by a 429 without Retry-After.
	// It doubles with every consecutive 429 up to MaxThrottleWait.
	DefaultThrottleWindow = 500 * time.Millisecond

	// stateTTL expires abandoned state so a crashed peer cannot throttle forever.
	stateTTL = 10 * time.Minute
)

// State represents the current throttle state.
// This state is shared across all client instances via Redis.
type State struct {
	// ThrottledUntil is the end of the current throttle window.
	// Zero when no window is open.
	ThrottledUntil time.Time `json:"throttled_until"`

	// Consecutive429 counts 429 responses since the last non-429 response.
	Consecutive429 int `json:"consecutive_429"`

	// LastUpdate is the timestamp when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when no 429 streak is in progress.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsThrottled reports whether a throttle window is currently open.
func (s *State) IsThrottled() bool {
	return time.Now().Before(s.ThrottledUntil)
}

// NeedsCriticalBlock returns true if requests should be rejected outright.
func (s *State) NeedsCriticalBlock() bool {
	return s.Consecutive429 >= ThrottleThresholdCritical && s.IsThrottled()
}

// NeedsThrottling returns true if requests should wait for the window to close.
func (s *State) NeedsThrottling() bool {
	return s.IsThrottled() && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the throttle window closes.
// Returns 0 if no window is open.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ThrottledUntil)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on the current streak.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Consecutive429 == 0
}

// throttleWindow returns the window opened by the n-th consecutive 429.
// A server supplied Retry-After wins; otherwise DefaultThrottleWindow doubles
// per consecutive 429. Both are capped at MaxThrottleWait.
func throttleWindow(consecutive int, retryAfter time.Duration) time.Duration {
	window := retryAfter
	if window <= 0 {
		window = DefaultThrottleWindow
		for i := 1; i < consecutive && window < MaxThrottleWait; i++ {
			window *= 2
		}
	}
	if window > MaxThrottleWait {
		window = MaxThrottleWait
	}
	return window
}
