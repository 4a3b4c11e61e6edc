package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/aman-churiwal/admission-engine/internal/tier"
)

// record mirrors the redis hash for one caller key.
type record struct {
	windowStart     time.Time
	windowCount     int
	burstStart      time.Time
	burstCount      int
	dailyStart      time.Time
	dailyCount      int
	active          int
	activeTouched   time.Time
	blocked         bool
	blockedUntil    time.Time
	violations      int
	lastViolationAt time.Time
	lastRequestAt   time.Time
}

// MemoryCounterStore implements the same evaluation semantics as the redis
// store behind a mutex. It backs tests and the local fallback path; counters
// are per process, so it must not be the primary store when multiple engine
// instances run.
type MemoryCounterStore struct {
	mu      sync.Mutex
	records map[string]*record
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{records: make(map[string]*record)}
}

func (s *MemoryCounterStore) Evaluate(ctx context.Context, key string, limits tier.Limits, opts EvalOptions, now time.Time) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dayStart := time.Unix(utcDayStart(now), 0).UTC()

	r := s.records[key]
	if r == nil {
		r = &record{
			windowStart:   now,
			burstStart:    now,
			dailyStart:    dayStart,
			activeTouched: now,
		}
		s.records[key] = r
	}

	snap := func() Snapshot {
		out := r.snapshot()
		out.WindowReset = r.windowStart.Add(limits.Window)
		return out
	}

	deny := func(reason Reason, retry time.Duration, acquired bool) *Decision {
		r.violations++
		r.lastViolationAt = now
		if opts.ViolationThreshold > 0 && r.violations >= opts.ViolationThreshold && !r.blocked {
			r.blocked = true
			r.blockedUntil = now.Add(opts.PenaltyDuration)
		}
		if retry < time.Second && reason != ReasonConcurrent {
			retry = time.Second
		}
		return &Decision{
			Allowed:    false,
			Reason:     reason,
			Acquired:   acquired,
			RetryAfter: retry,
			Snapshot:   snap(),
		}
	}

	// 1. explicit penalty block
	if r.blocked {
		if r.blockedUntil.After(now) {
			return deny(ReasonBlocked, r.blockedUntil.Sub(now), false), nil
		}
		r.blocked = false
		r.blockedUntil = time.Time{}
	}

	// 2. concurrency, reconciling abandoned slots
	if opts.ConcurrencyMaxAge > 0 && now.Sub(r.activeTouched) > opts.ConcurrencyMaxAge {
		r.active = 0
	}
	r.active++
	r.activeTouched = now
	if r.active > limits.ConcurrentLimit {
		return deny(ReasonConcurrent, 0, true), nil
	}

	// 3. burst window
	if now.Sub(r.burstStart) > limits.BurstWindow {
		r.burstStart = now
		r.burstCount = 0
	}
	r.burstCount++
	if r.burstCount > limits.BurstLimit {
		return deny(ReasonBurst, r.burstStart.Add(limits.BurstWindow).Sub(now), true), nil
	}

	// 4. primary window
	if now.Sub(r.windowStart) > limits.Window {
		r.windowStart = now
		r.windowCount = 0
	}
	r.windowCount++
	if r.windowCount > limits.MaxRequests {
		return deny(ReasonWindow, r.windowStart.Add(limits.Window).Sub(now), true), nil
	}

	// 5. UTC day
	if !r.dailyStart.Equal(dayStart) {
		r.dailyStart = dayStart
		r.dailyCount = 0
	}
	r.dailyCount++
	if r.dailyCount > limits.DailyLimit {
		return deny(ReasonDaily, dayStart.Add(24*time.Hour).Sub(now), true), nil
	}

	r.violations = 0
	r.lastRequestAt = now

	return &Decision{Allowed: true, Acquired: true, Snapshot: snap()}, nil
}

func (s *MemoryCounterStore) Release(ctx context.Context, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.records[key]; r != nil && r.active > 0 {
		r.active--
		r.activeTouched = now
	}
	return nil
}

func (s *MemoryCounterStore) Status(ctx context.Context, key string) (*CounterStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.records[key]
	if r == nil {
		return nil, nil
	}

	status := &CounterStatus{
		Key:              key,
		WindowStart:      r.windowStart,
		WindowCount:      r.windowCount,
		BurstWindowStart: r.burstStart,
		BurstCount:       r.burstCount,
		DailyWindowStart: r.dailyStart,
		DailyCount:       r.dailyCount,
		ActiveConcurrent: r.active,
		IsBlocked:        r.blocked,
		ViolationCount:   r.violations,
	}
	if !r.blockedUntil.IsZero() {
		t := r.blockedUntil
		status.BlockedUntil = &t
	}
	if !r.lastViolationAt.IsZero() {
		t := r.lastViolationAt
		status.LastViolationAt = &t
	}
	if !r.lastRequestAt.IsZero() {
		t := r.lastRequestAt
		status.LastRequestAt = &t
	}
	return status, nil
}

func (s *MemoryCounterStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryCounterStore) SetBlock(ctx context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.records[key]
	if r == nil {
		r = &record{}
		s.records[key] = r
	}
	r.blocked = true
	r.blockedUntil = until
	return nil
}

func (s *MemoryCounterStore) ClearBlock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.records[key]; r != nil {
		r.blocked = false
		r.blockedUntil = time.Time{}
		r.violations = 0
	}
	return nil
}

func (r *record) snapshot() Snapshot {
	return Snapshot{
		WindowCount:      r.windowCount,
		BurstCount:       r.burstCount,
		DailyCount:       r.dailyCount,
		ActiveConcurrent: r.active,
		ViolationCount:   r.violations,
		Blocked:          r.blocked,
		BlockedUntil:     r.blockedUntil,
	}
}

