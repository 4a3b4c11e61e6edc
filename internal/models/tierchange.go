package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Valid reasons for a tier change event.
const (
	ReasonSubscriptionChange = "subscription_change"
	ReasonUpgradeRequest     = "upgrade_request"
	ReasonDowngradeRequest   = "downgrade_request"
	ReasonRenewalFailed      = "renewal_failed"
	ReasonCancellation       = "cancellation"
	ReasonPromotion          = "promotion"
	ReasonAdminChange        = "admin_change"
	ReasonTrialConversion    = "trial_conversion"
	ReasonOther              = "other"
)

// ValidTierChangeReason reports whether reason is one of the enumerated values.
func ValidTierChangeReason(reason string) bool {
	switch reason {
	case ReasonSubscriptionChange, ReasonUpgradeRequest, ReasonDowngradeRequest,
		ReasonRenewalFailed, ReasonCancellation, ReasonPromotion,
		ReasonAdminChange, ReasonTrialConversion, ReasonOther:
		return true
	}
	return false
}

// TierChangeLog is one row of the append-only tier transition audit trail.
// Rows are never updated or deleted once written.
type TierChangeLog struct {
	ID                  uuid.UUID         `gorm:"type:uuid;primary_key" json:"id"`
	UserID              string            `gorm:"index;not null" json:"user_id"`
	OldSubscriptionTier string            `gorm:"not null" json:"old_subscription_tier"`
	NewSubscriptionTier string            `gorm:"not null" json:"new_subscription_tier"`
	OldRateLimitTier    string            `gorm:"not null" json:"old_rate_limit_tier"`
	NewRateLimitTier    string            `gorm:"not null" json:"new_rate_limit_tier"`
	Reason              string            `gorm:"not null" json:"reason"`
	Timestamp           time.Time         `gorm:"index" json:"timestamp"`
	Metadata            map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`
}

func (t *TierChangeLog) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (TierChangeLog) TableName() string {
	return "tier_change_log"
}
