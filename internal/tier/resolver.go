package tier

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aman-churiwal/admission-engine/internal/models"
)

const cacheKeyPrefix = "tier:cache:"

// SubscriptionLookup is the subscription-of-record collaborator, consulted
// only on cache misses.
type SubscriptionLookup interface {
	FindByCallerKey(ctx context.Context, callerKey string) (*models.Subscription, error)
	FindByCallerKeys(ctx context.Context, callerKeys []string) ([]models.Subscription, error)
}

// Cache is the resolver's tier cache. storage.RedisClient satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Resolver maps caller keys to rate-limit tiers. Lookup failures degrade to
// the default tier; nothing on this path ever fails the request.
type Resolver struct {
	cache       Cache
	subs        SubscriptionLookup
	ttl         time.Duration
	defaultTier ID
}

func NewResolver(cache Cache, subs SubscriptionLookup, ttl time.Duration, defaultTier ID) *Resolver {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &Resolver{
		cache:       cache,
		subs:        subs,
		ttl:         ttl,
		defaultTier: defaultTier,
	}
}

// Resolve returns the current tier for a caller key: cache hit, or
// subscription lookup mapped through the plan alias table.
func (r *Resolver) Resolve(ctx context.Context, callerKey string) ID {
	if cached, ok := r.cacheGet(ctx, callerKey); ok {
		return cached
	}

	id := r.lookup(ctx, callerKey)
	r.cacheSet(ctx, callerKey, id)
	return id
}

// ResolveBatch resolves a set of keys with at most one subscription query
// for all cache misses combined.
func (r *Resolver) ResolveBatch(ctx context.Context, callerKeys []string) map[string]ID {
	result := make(map[string]ID, len(callerKeys))

	var misses []string
	for _, key := range callerKeys {
		if _, seen := result[key]; seen {
			continue
		}
		if cached, ok := r.cacheGet(ctx, key); ok {
			result[key] = cached
		} else {
			result[key] = r.defaultTier
			misses = append(misses, key)
		}
	}

	if len(misses) == 0 {
		return result
	}

	subs, err := r.subs.FindByCallerKeys(ctx, misses)
	if err != nil {
		log.Printf("batch subscription lookup failed, defaulting %d keys to %s: %v",
			len(misses), r.defaultTier, err)
		return result
	}

	byKey := make(map[string]models.Subscription, len(subs))
	for _, sub := range subs {
		byKey[sub.CallerKey] = sub
	}

	for _, key := range misses {
		id := r.defaultTier
		if sub, ok := byKey[key]; ok {
			id = FromPlan(sub.PlanName)
		}
		result[key] = id
		r.cacheSet(ctx, key, id)
	}

	return result
}

// Invalidate drops the cached tier so the next request re-resolves. Called
// by the tier change handler.
func (r *Resolver) Invalidate(ctx context.Context, callerKey string) error {
	if err := r.cache.Del(ctx, cacheKeyPrefix+callerKey); err != nil {
		return err
	}
	return nil
}

func (r *Resolver) lookup(ctx context.Context, callerKey string) ID {
	sub, err := r.subs.FindByCallerKey(ctx, callerKey)
	if err != nil {
		log.Printf("subscription lookup failed for %s, defaulting to %s: %v",
			callerKey, r.defaultTier, err)
		return r.defaultTier
	}
	if sub == nil {
		return r.defaultTier
	}
	return FromPlan(sub.PlanName)
}

func (r *Resolver) cacheGet(ctx context.Context, callerKey string) (ID, bool) {
	cached, err := r.cache.Get(ctx, cacheKeyPrefix+callerKey)
	if err != nil {
		// A miss is normal; anything else is logged and treated as one
		if !errors.Is(err, redis.Nil) {
			log.Printf("tier cache read failed for %s: %v", callerKey, err)
		}
		return 0, false
	}

	id, ok := Parse(cached)
	return id, ok
}

func (r *Resolver) cacheSet(ctx context.Context, callerKey string, id ID) {
	if err := r.cache.Set(ctx, cacheKeyPrefix+callerKey, id.String(), r.ttl); err != nil {
		log.Printf("tier cache write failed for %s: %v", callerKey, err)
	}
}
