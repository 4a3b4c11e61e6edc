package repository

import (
	"context"

	"github.com/aman-churiwal/admission-engine/internal/models"
	"github.com/aman-churiwal/admission-engine/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriptionRepository struct {
	db *storage.Postgres
}

func NewSubscriptionRepository(db *storage.Postgres) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Retrieves the active subscription for a caller key
func (r *SubscriptionRepository) FindByCallerKey(ctx context.Context, callerKey string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.DB.WithContext(ctx).
		Where("caller_key = ? AND is_active = ?", callerKey, true).
		First(&sub).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}

	return &sub, err
}

// Retrieves active subscriptions for a set of caller keys in one query
func (r *SubscriptionRepository) FindByCallerKeys(ctx context.Context, callerKeys []string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.DB.WithContext(ctx).
		Where("caller_key IN ? AND is_active = ?", callerKeys, true).
		Find(&subs).Error

	return subs, err
}

// Inserts or updates the subscription-of-record for a caller key
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *models.Subscription) error {
	return r.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "caller_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"plan_name", "is_active", "expires_at", "updated_at"}),
		}).
		Create(sub).Error
}
