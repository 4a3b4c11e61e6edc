package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-engine/internal/models"
	"github.com/aman-churiwal/admission-engine/internal/storage"
)

type AdmissionLogRepository struct {
	db *storage.Postgres
}

func NewAdmissionLogRepository(db *storage.Postgres) *AdmissionLogRepository {
	return &AdmissionLogRepository{db: db}
}

func (r *AdmissionLogRepository) CreateBatch(ctx context.Context, logs []models.AdmissionLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.DB.WithContext(ctx).Create(&logs).Error
}

func (r *AdmissionLogRepository) CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Count(&count).Error

	return count, err
}

func (r *AdmissionLogRepository) CountDenied(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Where("timestamp >= ? AND timestamp < ? AND allowed = ?", from, to, false).
		Count(&count).Error

	return count, err
}

func (r *AdmissionLogRepository) CountFailedOpen(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Where("timestamp >= ? AND timestamp < ? AND failed_open = ?", from, to, true).
		Count(&count).Error

	return count, err
}

// Denial counts grouped by reason
func (r *AdmissionLogRepository) DenialsByReason(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	return r.groupedDenials(ctx, "reason", from, to)
}

// Denial counts grouped by tier
func (r *AdmissionLogRepository) DenialsByTier(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	return r.groupedDenials(ctx, "tier", from, to)
}

func (r *AdmissionLogRepository) groupedDenials(ctx context.Context, column string, from, to time.Time) (map[string]int64, error) {
	var rows []struct {
		Label string
		Count int64
	}

	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Select(column+" as label, COUNT(*) as count").
		Where("timestamp >= ? AND timestamp < ? AND allowed = ?", from, to, false).
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Label] = row.Count
	}
	return counts, nil
}

// Most-denied endpoints, for hotspot detection
func (r *AdmissionLogRepository) TopDeniedEndpoints(ctx context.Context, from, to time.Time, limit int) ([]map[string]interface{}, error) {
	var rows []struct {
		Endpoint string
		Count    int64
	}

	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Select("endpoint, COUNT(*) as count").
		Where("timestamp >= ? AND timestamp < ? AND allowed = ?", from, to, false).
		Group("endpoint").
		Order("count DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]interface{}{
			"endpoint": row.Endpoint,
			"denials":  row.Count,
		})
	}
	return out, nil
}

func (r *AdmissionLogRepository) RequestsPerTier(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	var rows []struct {
		Tier  string
		Count int64
	}

	err := r.db.DB.WithContext(ctx).
		Model(&models.AdmissionLog{}).
		Select("tier, COUNT(*) as count").
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Group("tier").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Tier] = row.Count
	}
	return counts, nil
}

// Deletes logs older than the retention cutoff
func (r *AdmissionLogRepository) DeleteOldLogs(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.AdmissionLog{})

	return result.RowsAffected, result.Error
}
