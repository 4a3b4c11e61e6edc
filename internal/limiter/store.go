package limiter

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-engine/internal/tier"
)

// Reason names the first limit check that failed, in precedence order.
type Reason string

const (
	ReasonBlocked    Reason = "blocked"
	ReasonConcurrent Reason = "concurrent_limit_exceeded"
	ReasonBurst      Reason = "burst_limit_exceeded"
	ReasonWindow     Reason = "window_limit_exceeded"
	ReasonDaily      Reason = "daily_limit_exceeded"
)

// Code maps a denial reason to its error code.
func (r Reason) Code() ErrorCode {
	switch r {
	case ReasonBlocked:
		return CodeBlocked
	case ReasonConcurrent:
		return CodeConcurrentLimit
	case ReasonBurst:
		return CodeBurstExceeded
	case ReasonWindow:
		return CodeWindowExceeded
	case ReasonDaily:
		return CodeDailyExceeded
	case ReasonStoreError:
		return CodeDatabaseError
	}
	return ""
}

// Snapshot is the counter state immediately after one evaluation.
type Snapshot struct {
	WindowCount      int       `json:"window_count"`
	BurstCount       int       `json:"burst_count"`
	DailyCount       int       `json:"daily_count"`
	ActiveConcurrent int       `json:"active_concurrent"`
	ViolationCount   int       `json:"violation_count"`
	Blocked          bool      `json:"blocked"`
	BlockedUntil     time.Time `json:"blocked_until,omitempty"`
	// WindowReset is when the primary window rolls over, for the
	// X-RateLimit-Reset header.
	WindowReset time.Time `json:"window_reset"`
}

// Decision is the outcome of one atomic evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Acquired reports whether the concurrency slot was incremented, in
	// which case the caller owes exactly one Release when the request
	// finishes. Block-check denials never acquire.
	Acquired   bool
	RetryAfter time.Duration
	Snapshot   Snapshot
	// FailedOpen marks an admission granted only because the store was
	// unreachable and the engine is configured fail-open.
	FailedOpen bool
}

// CounterStatus is the full counter record, for the admin status endpoint.
type CounterStatus struct {
	Key              string     `json:"key"`
	WindowStart      time.Time  `json:"window_start"`
	WindowCount      int        `json:"window_count"`
	BurstWindowStart time.Time  `json:"burst_window_start"`
	BurstCount       int        `json:"burst_count"`
	DailyWindowStart time.Time  `json:"daily_window_start"`
	DailyCount       int        `json:"daily_count"`
	ActiveConcurrent int        `json:"active_concurrent"`
	IsBlocked        bool       `json:"is_blocked"`
	BlockedUntil     *time.Time `json:"blocked_until,omitempty"`
	ViolationCount   int        `json:"violation_count"`
	LastViolationAt  *time.Time `json:"last_violation_at,omitempty"`
	LastRequestAt    *time.Time `json:"last_request_at,omitempty"`
}

// EvalOptions carries the escalation and reconciliation policy into the store.
type EvalOptions struct {
	ViolationThreshold int
	PenaltyDuration    time.Duration
	ConcurrencyMaxAge  time.Duration
}

// CounterStore owns the per-key counters. Evaluate must be atomic: two
// concurrent evaluations for the same key must never both read a
// pre-increment value and both pass a limit.
type CounterStore interface {
	Evaluate(ctx context.Context, key string, limits tier.Limits, opts EvalOptions, now time.Time) (*Decision, error)

	// Release decrements the concurrency slot acquired by a prior
	// Evaluate. Never drops the counter below zero.
	Release(ctx context.Context, key string, now time.Time) error

	Status(ctx context.Context, key string) (*CounterStatus, error)

	// Reset clears all counters and block state for a key.
	Reset(ctx context.Context, key string) error

	// SetBlock places an explicit penalty block, independent of the
	// four counters.
	SetBlock(ctx context.Context, key string, until time.Time) error

	ClearBlock(ctx context.Context, key string) error
}
