package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-engine/internal/models"
	"github.com/aman-churiwal/admission-engine/internal/storage"
)

// TierChangeRepository is append-only. There is deliberately no update or
// delete; the log is the audit trail.
type TierChangeRepository struct {
	db *storage.Postgres
}

func NewTierChangeRepository(db *storage.Postgres) *TierChangeRepository {
	return &TierChangeRepository{db: db}
}

func (r *TierChangeRepository) Append(ctx context.Context, entry *models.TierChangeLog) error {
	return r.db.DB.WithContext(ctx).Create(entry).Error
}

// Retrieves the change history for a user, newest first
func (r *TierChangeRepository) FindByUser(ctx context.Context, userID string, limit int) ([]models.TierChangeLog, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []models.TierChangeLog
	err := r.db.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&entries).Error

	return entries, err
}

// Retrieves all changes within a time range, for reporting
func (r *TierChangeRepository) FindByTimeRange(ctx context.Context, from, to time.Time) ([]models.TierChangeLog, error) {
	var entries []models.TierChangeLog
	err := r.db.DB.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Order("timestamp ASC").
		Find(&entries).Error

	return entries, err
}

func (r *TierChangeRepository) CountByReason(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	var rows []struct {
		Reason string
		Count  int64
	}

	err := r.db.DB.WithContext(ctx).
		Model(&models.TierChangeLog{}).
		Select("reason, COUNT(*) as count").
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Group("reason").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Reason] = row.Count
	}
	return counts, nil
}
