package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/admission-engine/internal/tier"
)

func testLimits() tier.Limits {
	return tier.Limits{
		Tier:            tier.Basic,
		MaxRequests:     5,
		Window:          15 * time.Minute,
		BurstLimit:      100,
		BurstWindow:     time.Minute,
		DailyLimit:      1000,
		ConcurrentLimit: 50,
	}
}

func testOpts() EvalOptions {
	return EvalOptions{
		ViolationThreshold: 10,
		PenaltyDuration:    5 * time.Minute,
		ConcurrencyMaxAge:  5 * time.Minute,
	}
}

// evaluate and immediately release the concurrency slot, as the middleware
// does for a request that finishes right away
func evalOnce(t *testing.T, store *MemoryCounterStore, key string, limits tier.Limits, opts EvalOptions, now time.Time) *Decision {
	t.Helper()
	decision, err := store.Evaluate(context.Background(), key, limits, opts, now)
	require.NoError(t, err)
	if decision.Acquired {
		require.NoError(t, store.Release(context.Background(), key, now))
	}
	return decision
}

func TestWindowLimitExact(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for i := 0; i < limits.MaxRequests; i++ {
		decision := evalOnce(t, store, "wallet:0xabc", limits, testOpts(), now)
		assert.True(t, decision.Allowed, "request %d should be admitted", i+1)
	}

	denied := evalOnce(t, store, "wallet:0xabc", limits, testOpts(), now)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonWindow, denied.Reason)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, denied.RetryAfter, limits.Window)
}

func TestWindowLazyReset(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for i := 0; i < limits.MaxRequests; i++ {
		evalOnce(t, store, "wallet:0xabc", limits, testOpts(), now)
	}
	assert.False(t, evalOnce(t, store, "wallet:0xabc", limits, testOpts(), now).Allowed)

	// First touch after the boundary resets the counter to zero
	later := now.Add(limits.Window + time.Second)
	decision := evalOnce(t, store, "wallet:0xabc", limits, testOpts(), later)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Snapshot.WindowCount)
}

func TestBurstIndependentOfWindow(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.MaxRequests = 1000
	limits.BurstLimit = 3
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		assert.True(t, evalOnce(t, store, "ip:1.2.3.4", limits, testOpts(), now).Allowed)
	}

	denied := evalOnce(t, store, "ip:1.2.3.4", limits, testOpts(), now)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonBurst, denied.Reason)
	// Window counter is nowhere near its cap
	assert.Less(t, denied.Snapshot.WindowCount, limits.MaxRequests)

	// After the burst window the caller can continue
	later := now.Add(limits.BurstWindow + time.Second)
	resumed := evalOnce(t, store, "ip:1.2.3.4", limits, testOpts(), later)
	assert.True(t, resumed.Allowed)
	// The primary window counter carried on, not reset by the burst reset
	assert.Equal(t, 4, resumed.Snapshot.WindowCount)
}

func TestDailyBoundaryResetsOnlyDaily(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.BurstWindow = 5 * time.Minute

	// Just before UTC midnight
	now := time.Date(2026, 8, 30, 23, 59, 30, 0, time.UTC)

	for i := 0; i < 3; i++ {
		evalOnce(t, store, "wallet:0xabc", limits, testOpts(), now)
	}

	// A minute later it is the next UTC day, still inside window and burst
	after := time.Date(2026, 8, 31, 0, 0, 30, 0, time.UTC)
	decision := evalOnce(t, store, "wallet:0xabc", limits, testOpts(), after)
	require.True(t, decision.Allowed)

	assert.Equal(t, 1, decision.Snapshot.DailyCount, "daily counter resets at midnight")
	assert.Equal(t, 4, decision.Snapshot.WindowCount, "window counter must not reset")
	assert.Equal(t, 4, decision.Snapshot.BurstCount, "burst counter must not reset")
}

func TestDailyLimit(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.MaxRequests = 1000
	limits.DailyLimit = 4
	now := time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		assert.True(t, evalOnce(t, store, "apikey:k1", limits, testOpts(), now).Allowed)
	}

	denied := evalOnce(t, store, "apikey:k1", limits, testOpts(), now)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonDaily, denied.Reason)
	// Retry guidance points at the next UTC midnight
	assert.LessOrEqual(t, denied.RetryAfter, 24*time.Hour)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
}

func TestConcurrencyLimitAndRelease(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.ConcurrentLimit = 2
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := store.Evaluate(ctx, "wallet:0xabc", limits, testOpts(), now)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := store.Evaluate(ctx, "wallet:0xabc", limits, testOpts(), now)
	require.NoError(t, err)
	assert.True(t, second.Allowed)

	// Third in-flight request exceeds the limit; the increment sticks and
	// the caller still owes a release
	third, err := store.Evaluate(ctx, "wallet:0xabc", limits, testOpts(), now)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, ReasonConcurrent, third.Reason)
	assert.True(t, third.Acquired)
	assert.Equal(t, 3, third.Snapshot.ActiveConcurrent)

	// The denied request and the first in-flight request finish
	require.NoError(t, store.Release(ctx, "wallet:0xabc", now))
	require.NoError(t, store.Release(ctx, "wallet:0xabc", now))

	// A slot freed up
	fourth, err := store.Evaluate(ctx, "wallet:0xabc", limits, testOpts(), now)
	require.NoError(t, err)
	assert.True(t, fourth.Allowed)
}

func TestConcurrencyBalancedUnderInterleaving(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.MaxRequests = 10000
	limits.BurstLimit = 10000
	limits.DailyLimit = 100000
	limits.ConcurrentLimit = 8
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := store.Evaluate(ctx, "wallet:0xabc", limits, testOpts(), now)
			if err != nil {
				return
			}
			if decision.Acquired {
				store.Release(ctx, "wallet:0xabc", now)
			}
		}()
	}
	wg.Wait()

	status, err := store.Status(ctx, "wallet:0xabc")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, 0, status.ActiveConcurrent,
		"every acquire must be matched by exactly one release")
}

func TestConcurrencyMaxAgeReconciliation(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.ConcurrentLimit = 1
	opts := testOpts()
	opts.ConcurrencyMaxAge = time.Minute
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// A crashed process acquired and never released
	first, err := store.Evaluate(ctx, "wallet:0xabc", limits, opts, now)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	// Within the max age the slot still counts
	stuck, err := store.Evaluate(ctx, "wallet:0xabc", limits, opts, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, stuck.Allowed)

	// Past the max age the stale slot is force-reset
	recovered, err := store.Evaluate(ctx, "wallet:0xabc", limits, opts, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, recovered.Allowed)
	assert.Equal(t, 1, recovered.Snapshot.ActiveConcurrent)
}

func TestViolationEscalationToBlock(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.BurstLimit = 1
	opts := testOpts()
	opts.ViolationThreshold = 3
	opts.PenaltyDuration = 5 * time.Minute
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	assert.True(t, evalOnce(t, store, "ip:9.9.9.9", limits, opts, now).Allowed)

	// Keep probing at the limit boundary
	var last *Decision
	for i := 0; i < 3; i++ {
		last = evalOnce(t, store, "ip:9.9.9.9", limits, opts, now)
		assert.False(t, last.Allowed)
	}
	assert.True(t, last.Snapshot.Blocked, "third consecutive violation escalates")

	// Now every request is rejected up front with block guidance, even
	// though the burst window itself would have rolled over
	blocked := evalOnce(t, store, "ip:9.9.9.9", limits, opts, now.Add(2*time.Minute))
	assert.False(t, blocked.Allowed)
	assert.Equal(t, ReasonBlocked, blocked.Reason)
	assert.False(t, blocked.Acquired)
	assert.Greater(t, blocked.RetryAfter, time.Duration(0))

	// After the penalty the caller is admitted again
	after := evalOnce(t, store, "ip:9.9.9.9", limits, opts, now.Add(6*time.Minute))
	assert.True(t, after.Allowed)
}

func TestAllowedRequestResetsViolationStreak(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.BurstLimit = 2
	opts := testOpts()
	opts.ViolationThreshold = 3
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	evalOnce(t, store, "ip:9.9.9.9", limits, opts, now)
	evalOnce(t, store, "ip:9.9.9.9", limits, opts, now)

	// Two violations, then a success after the burst window rolls
	assert.False(t, evalOnce(t, store, "ip:9.9.9.9", limits, opts, now).Allowed)
	assert.False(t, evalOnce(t, store, "ip:9.9.9.9", limits, opts, now).Allowed)

	later := now.Add(limits.BurstWindow + time.Second)
	ok := evalOnce(t, store, "ip:9.9.9.9", limits, opts, later)
	require.True(t, ok.Allowed)
	assert.Equal(t, 0, ok.Snapshot.ViolationCount)

	// Two more violations after the streak reset do not reach the
	// threshold of three
	assert.True(t, evalOnce(t, store, "ip:9.9.9.9", limits, opts, later).Allowed)
	assert.False(t, evalOnce(t, store, "ip:9.9.9.9", limits, opts, later).Allowed)
	assert.False(t, evalOnce(t, store, "ip:9.9.9.9", limits, opts, later).Allowed)

	status, err := store.Status(context.Background(), "ip:9.9.9.9")
	require.NoError(t, err)
	assert.False(t, status.IsBlocked)
}

func TestTierUpgradeMidWindowKeepsCounters(t *testing.T) {
	store := NewMemoryCounterStore()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	basic := testLimits()
	basic.MaxRequests = 500
	basic.BurstLimit = 10000
	basic.DailyLimit = 100000

	for i := 0; i < 80; i++ {
		require.True(t, evalOnce(t, store, "wallet:0xup", basic, testOpts(), now).Allowed)
	}

	// Upgrade to premium, no counter reset: next request continues at 81
	premium := basic
	premium.Tier = tier.Premium
	premium.MaxRequests = 2000

	decision := evalOnce(t, store, "wallet:0xup", premium, testOpts(), now)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 81, decision.Snapshot.WindowCount)
}

func TestTierDowngradeMidWindowAppliesLowerLimit(t *testing.T) {
	store := NewMemoryCounterStore()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	basic := testLimits()
	basic.MaxRequests = 500
	basic.BurstLimit = 10000
	basic.DailyLimit = 100000

	for i := 0; i < 450; i++ {
		require.True(t, evalOnce(t, store, "wallet:0xdown", basic, testOpts(), now).Allowed)
	}

	// Downgrade to free: counter already exceeds the new limit
	free := basic
	free.Tier = tier.Free
	free.MaxRequests = 100

	decision := evalOnce(t, store, "wallet:0xdown", free, testOpts(), now)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonWindow, decision.Reason)
	// The 450 already-counted requests are not invalidated
	assert.Equal(t, 451, decision.Snapshot.WindowCount)
}

func TestResetClearsEverything(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.BurstLimit = 1
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	evalOnce(t, store, "wallet:0xabc", limits, testOpts(), now)
	evalOnce(t, store, "wallet:0xabc", limits, testOpts(), now)

	require.NoError(t, store.Reset(ctx, "wallet:0xabc"))

	status, err := store.Status(ctx, "wallet:0xabc")
	require.NoError(t, err)
	assert.Nil(t, status, "reset removes the record entirely")

	fresh := evalOnce(t, store, "wallet:0xabc", limits, testOpts(), now)
	assert.True(t, fresh.Allowed)
	assert.Equal(t, 1, fresh.Snapshot.WindowCount)
}

func TestManualBlockAndUnblock(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, store.SetBlock(ctx, "wallet:0xbad", now.Add(time.Hour)))

	decision := evalOnce(t, store, "wallet:0xbad", limits, testOpts(), now)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonBlocked, decision.Reason)

	require.NoError(t, store.ClearBlock(ctx, "wallet:0xbad"))
	assert.True(t, evalOnce(t, store, "wallet:0xbad", limits, testOpts(), now).Allowed)
}

func TestStatusFields(t *testing.T) {
	store := NewMemoryCounterStore()
	limits := testLimits()
	limits.BurstLimit = 1
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	evalOnce(t, store, "combined:0xabc:1.2.3.4", limits, testOpts(), now)
	evalOnce(t, store, "combined:0xabc:1.2.3.4", limits, testOpts(), now)

	status, err := store.Status(ctx, "combined:0xabc:1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, status)

	assert.Equal(t, "combined:0xabc:1.2.3.4", status.Key)
	assert.Equal(t, 1, status.WindowCount)
	assert.Equal(t, 2, status.BurstCount)
	assert.Equal(t, 1, status.ViolationCount)
	require.NotNil(t, status.LastRequestAt)
	require.NotNil(t, status.LastViolationAt)
}
