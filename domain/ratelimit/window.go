// Package ratelimit provides a pure fixed-window rate limit algorithm.
// All functions are deterministic - same input always produces same output.
package ratelimit

import "time"

// WindowState represents the current state of a rate limit window (value type).
// The zero value means the key has never been seen.
type WindowState struct {
	Remaining   int       // Tokens remaining in current window
	WindowStart time.Time // When current window started
}

// CheckResult represents the outcome of a rate limit check (value type).
type CheckResult struct {
	Allowed    bool
	Remaining  int           // Tokens remaining after this check
	ResetAt    time.Time     // When the window resets
	RetryAfter time.Duration // If not allowed, how long to wait (clamped to >= 0)
	Reason     string        // If not allowed, why
}

// Config holds rate limit configuration (value type).
type Config struct {
	Limit  int           // Requests per window
	Window time.Duration // Window duration
}

// Reasons for denial
const (
	ReasonLimitExceeded = "rate_limit_exceeded"
)

// Check performs a fixed-window rate limit check.
// This is a PURE function - no side effects, deterministic.
//
// The window resets fully at fixed intervals rather than refilling
// continuously, so bursts at window boundaries are not smoothed. That is a
// known limitation of the fixed-window counter, acceptable for this use case.
//
// Returns the check outcome and the updated state; the caller must persist
// newState under mutual exclusion for the key.
func Check(state WindowState, cfg Config, now time.Time) (CheckResult, WindowState) {
	// First sight of the key, or the window has elapsed: full reset.
	if state.WindowStart.IsZero() || now.Sub(state.WindowStart) >= cfg.Window {
		state = WindowState{
			Remaining:   cfg.Limit,
			WindowStart: now,
		}
	}

	resetAt := state.WindowStart.Add(cfg.Window)

	if state.Remaining <= 0 {
		retryAfter := resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return CheckResult{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
			Reason:     ReasonLimitExceeded,
		}, state
	}

	state.Remaining--
	return CheckResult{
		Allowed:   true,
		Remaining: state.Remaining,
		ResetAt:   resetAt,
	}, state
}

// Expired reports whether a window ended before the cutoff.
// Used by stores to evict long-idle buckets.
func Expired(state WindowState, cfg Config, cutoff time.Time) bool {
	if state.WindowStart.IsZero() {
		return true
	}
	return state.WindowStart.Add(cfg.Window).Before(cutoff)
}
