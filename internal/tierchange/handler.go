package tierchange

import (
	"context"
	"log"
	"time"

	"github.com/aman-churiwal/admission-engine/internal/limiter"
	"github.com/aman-churiwal/admission-engine/internal/models"
	"github.com/aman-churiwal/admission-engine/internal/tier"
)

// ChangeLog is the append-only audit trail. repository.TierChangeRepository
// satisfies it.
type ChangeLog interface {
	Append(ctx context.Context, entry *models.TierChangeLog) error
	FindByUser(ctx context.Context, userID string, limit int) ([]models.TierChangeLog, error)
}

// CacheInvalidator drops a caller's cached tier. tier.Resolver satisfies it.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, callerKey string) error
}

// Event is emitted by the subscription side on every material tier
// transition. OldTier and NewTier are subscription plan names, not
// rate-limit tier ids.
type Event struct {
	UserID    string            `json:"user_id" binding:"required"`
	CallerKey string            `json:"caller_key" binding:"required"`
	OldTier   string            `json:"old_tier" binding:"required"`
	NewTier   string            `json:"new_tier" binding:"required"`
	Reason    string            `json:"reason" binding:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Handler validates tier change events, invalidates the resolver cache and
// appends the audit row. It runs off the admission path and never touches
// request counters: a caller who upgrades mid-window keeps prior consumption
// counted against the new limit, and a downgrade binds future requests to
// the lower limit without retroactive penalties.
type Handler struct {
	resolver CacheInvalidator
	repo     ChangeLog
}

func NewHandler(resolver CacheInvalidator, repo ChangeLog) *Handler {
	return &Handler{resolver: resolver, repo: repo}
}

// Handle processes one event. A rejected event leaves no trace: validation
// runs first, and the cache invalidation that precedes the log append is
// idempotent, so a failed append can be retried by the emitter without
// corrupting the log.
func (h *Handler) Handle(ctx context.Context, event Event) (*models.TierChangeLog, error) {
	if err := validate(event); err != nil {
		return nil, err
	}

	oldID := tier.FromPlan(event.OldTier)
	newID := tier.FromPlan(event.NewTier)

	if err := h.resolver.Invalidate(ctx, event.CallerKey); err != nil {
		return nil, limiter.Wrap(limiter.CodeTierChangeError, "cache invalidation failed", err)
	}

	entry := &models.TierChangeLog{
		UserID:              event.UserID,
		OldSubscriptionTier: event.OldTier,
		NewSubscriptionTier: event.NewTier,
		OldRateLimitTier:    oldID.String(),
		NewRateLimitTier:    newID.String(),
		Reason:              event.Reason,
		Timestamp:           time.Now().UTC(),
		Metadata:            event.Metadata,
	}

	if err := h.repo.Append(ctx, entry); err != nil {
		return nil, limiter.Wrap(limiter.CodeTierChangeError, "tier change log append failed", err)
	}

	log.Printf("tier change recorded for user %s: %s -> %s (%s)",
		event.UserID, oldID, newID, event.Reason)

	return entry, nil
}

// History returns the audit trail for a user, newest first.
func (h *Handler) History(ctx context.Context, userID string, limit int) ([]models.TierChangeLog, error) {
	entries, err := h.repo.FindByUser(ctx, userID, limit)
	if err != nil {
		return nil, limiter.Wrap(limiter.CodeDatabaseError, "tier change history lookup failed", err)
	}
	return entries, nil
}

func validate(event Event) error {
	if event.UserID == "" || event.CallerKey == "" {
		return limiter.Wrap(limiter.CodeValidationError, "user_id and caller_key are required", nil)
	}
	if !limiter.ValidKey(event.CallerKey) {
		return limiter.Wrap(limiter.CodeInvalidKey, "caller_key must carry an allowed prefix", nil)
	}
	if event.OldTier == "" || event.NewTier == "" {
		return limiter.Wrap(limiter.CodeValidationError, "old_tier and new_tier are required", nil)
	}
	if !tier.KnownPlan(event.OldTier) {
		return limiter.Wrap(limiter.CodeInvalidTier, "unknown old tier "+event.OldTier, nil)
	}
	if !tier.KnownPlan(event.NewTier) {
		return limiter.Wrap(limiter.CodeInvalidTier, "unknown new tier "+event.NewTier, nil)
	}
	if !models.ValidTierChangeReason(event.Reason) {
		return limiter.Wrap(limiter.CodeValidationError, "unknown reason "+event.Reason, nil)
	}
	return nil
}
