package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FailureTracker counts tool execution failures per user, separate from the
// circuit breaker (which tracks upstream health per operation). A failure
// here means the call was allowed by policy but the tool returned an error;
// crossing the threshold logs an operator alert without suspending the user.
type FailureTracker struct {
	mu        sync.Mutex
	users     map[string]*failureRecord
	threshold int
	window    time.Duration
}

type failureRecord struct {
	failures []time.Time
	alerted  bool
}

// NewFailureTracker creates a tracker. threshold <= 0 defaults to 10;
// window <= 0 defaults to 5 minutes.
func NewFailureTracker(threshold int, window time.Duration) *FailureTracker {
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &FailureTracker{
		users:     make(map[string]*failureRecord),
		threshold: threshold,
		window:    window,
	}
}

// Record notes a tool execution failure for the user. Returns true if the
// alert threshold was just crossed.
func (t *FailureTracker) Record(userID, toolName, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[userID]
	if !ok {
		rec = &failureRecord{}
		t.users[userID] = rec
	}

	now := time.Now()
	cutoff := now.Add(-t.window)
	kept := rec.failures[:0]
	for _, f := range rec.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	rec.failures = append(kept, now)

	if len(rec.failures) >= t.threshold && !rec.alerted {
		rec.alerted = true
		log.Warn().
			Str("user_id", userID).
			Str("last_tool", toolName).
			Str("last_error", errMsg).
			Int("failure_count", len(rec.failures)).
			Dur("window", t.window).
			Msg("tool_failure_threshold_exceeded")
		return true
	}

	if len(rec.failures) < t.threshold {
		rec.alerted = false
	}
	return false
}

// Count returns the current failure count within the window for a user.
func (t *FailureTracker) Count(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.users[userID]
	if !ok {
		return 0
	}

	cutoff := time.Now().Add(-t.window)
	count := 0
	for _, f := range rec.failures {
		if f.After(cutoff) {
			count++
		}
	}
	return count
}
