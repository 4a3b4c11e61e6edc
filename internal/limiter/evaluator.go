package limiter

import (
	"context"
	"log"
	"time"

	"github.com/aman-churiwal/admission-engine/internal/tier"
)

// ReasonStoreError marks a fail-closed denial caused by counter store
// unavailability rather than by any limit.
const ReasonStoreError Reason = "database_error"

// Evaluator is the admission decision point. It resolves effective limits
// from the catalog, runs the atomic store evaluation, and applies the single
// configured fail-open/fail-closed policy when the store is unreachable.
type Evaluator struct {
	store    CounterStore
	catalog  *tier.Catalog
	opts     EvalOptions
	failOpen bool
	now      func() time.Time
}

func NewEvaluator(store CounterStore, catalog *tier.Catalog, opts EvalOptions, failOpen bool) *Evaluator {
	return &Evaluator{
		store:    store,
		catalog:  catalog,
		opts:     opts,
		failOpen: failOpen,
		now:      time.Now,
	}
}

// Evaluate decides one request. The returned limits are the tier's limits
// after the endpoint multiplier, for response headers. Store failures never
// surface as errors here; they resolve to the configured policy.
func (e *Evaluator) Evaluate(ctx context.Context, key, endpoint string, id tier.ID) (*Decision, tier.Limits) {
	limits := e.catalog.Effective(id, endpoint)

	decision, err := e.store.Evaluate(ctx, key, limits, e.opts, e.now())
	if err != nil {
		if e.failOpen {
			// Admitted only because the store is down. Logged and
			// flagged so the metrics reporter sees it separately
			// from genuine admissions.
			log.Printf("counter store unavailable, failing open for %s: %v", key, err)
			return &Decision{Allowed: true, FailedOpen: true}, limits
		}
		log.Printf("counter store unavailable, failing closed for %s: %v", key, err)
		return &Decision{Allowed: false, Reason: ReasonStoreError}, limits
	}

	return decision, limits
}

// Release returns the concurrency slot acquired by Evaluate. Called on every
// exit path of the wrapped request; failures are logged, never propagated.
func (e *Evaluator) Release(ctx context.Context, key string) {
	if err := e.store.Release(ctx, key, e.now()); err != nil {
		log.Printf("concurrency release failed for %s: %v", key, err)
	}
}

// Status exposes the raw counter record for admin tooling.
func (e *Evaluator) Status(ctx context.Context, key string) (*CounterStatus, error) {
	return e.store.Status(ctx, key)
}

// Reset clears a key's counters. Admin use only, always audit-logged by the
// caller.
func (e *Evaluator) Reset(ctx context.Context, key string) error {
	return e.store.Reset(ctx, key)
}

// Block places a manual penalty block on a key.
func (e *Evaluator) Block(ctx context.Context, key string, duration time.Duration) error {
	return e.store.SetBlock(ctx, key, e.now().Add(duration))
}

// Unblock lifts a penalty block and clears the violation streak.
func (e *Evaluator) Unblock(ctx context.Context, key string) error {
	return e.store.ClearBlock(ctx, key)
}
