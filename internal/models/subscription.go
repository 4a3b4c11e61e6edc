package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subscription is the subscription-of-record for a caller key. It is written
// by the billing side; this engine only reads it on tier-cache misses.
type Subscription struct {
	ID        uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	CallerKey string     `gorm:"uniqueIndex;not null" json:"caller_key"`
	UserID    string     `gorm:"index" json:"user_id"`
	PlanName  string     `gorm:"not null" json:"plan_name"`
	IsActive  bool       `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (Subscription) TableName() string {
	return "subscriptions"
}
