package metrics

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-engine/internal/repository"
)

// Report is one time-bucketed aggregate of admission outcomes.
type Report struct {
	From            time.Time                `json:"from"`
	To              time.Time                `json:"to"`
	TotalRequests   int64                    `json:"total_requests"`
	TotalDenied     int64                    `json:"total_denied"`
	DenialRate      float64                  `json:"denial_rate"`
	FailedOpen      int64                    `json:"failed_open"`
	DenialsByReason map[string]int64         `json:"denials_by_reason"`
	DenialsByTier   map[string]int64         `json:"denials_by_tier"`
	RequestsByTier  map[string]int64         `json:"requests_by_tier"`
	TopDenied       []map[string]interface{} `json:"top_denied_endpoints"`
	TierChanges     map[string]int64         `json:"tier_changes_by_reason"`
}

// HealthSignal is the advisory denial-rate alert. It never feeds back into
// admission decisions.
type HealthSignal struct {
	Alert       bool               `json:"alert"`
	Threshold   float64            `json:"threshold"`
	Window      string             `json:"window"`
	RatesByTier map[string]float64 `json:"denial_rates_by_tier"`
	CheckedAt   time.Time          `json:"checked_at"`
}

// Reporter aggregates admission logs and the tier change log into operator
// reports.
type Reporter struct {
	logs      *repository.AdmissionLogRepository
	changes   *repository.TierChangeRepository
	threshold float64
	window    time.Duration
}

func NewReporter(logs *repository.AdmissionLogRepository, changes *repository.TierChangeRepository, threshold float64, window time.Duration) *Reporter {
	if threshold <= 0 {
		threshold = 0.5
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Reporter{
		logs:      logs,
		changes:   changes,
		threshold: threshold,
		window:    window,
	}
}

// Hourly builds the report for the hour containing at.
func (r *Reporter) Hourly(ctx context.Context, at time.Time) (*Report, error) {
	from := at.UTC().Truncate(time.Hour)
	return r.build(ctx, from, from.Add(time.Hour))
}

// Daily builds the report for the UTC day containing at.
func (r *Reporter) Daily(ctx context.Context, at time.Time) (*Report, error) {
	y, m, d := at.UTC().Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return r.build(ctx, from, from.Add(24*time.Hour))
}

func (r *Reporter) build(ctx context.Context, from, to time.Time) (*Report, error) {
	report := &Report{From: from, To: to}

	total, err := r.logs.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report.TotalRequests = total

	if total == 0 {
		return report, nil
	}

	denied, err := r.logs.CountDenied(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report.TotalDenied = denied
	report.DenialRate = float64(denied) / float64(total)

	failedOpen, err := r.logs.CountFailedOpen(ctx, from, to)
	if err != nil {
		return nil, err
	}
	report.FailedOpen = failedOpen

	if report.DenialsByReason, err = r.logs.DenialsByReason(ctx, from, to); err != nil {
		return nil, err
	}
	if report.DenialsByTier, err = r.logs.DenialsByTier(ctx, from, to); err != nil {
		return nil, err
	}
	if report.RequestsByTier, err = r.logs.RequestsPerTier(ctx, from, to); err != nil {
		return nil, err
	}
	if report.TopDenied, err = r.logs.TopDeniedEndpoints(ctx, from, to, 10); err != nil {
		return nil, err
	}
	if report.TierChanges, err = r.changes.CountByReason(ctx, from, to); err != nil {
		return nil, err
	}

	return report, nil
}

// Health checks per-tier denial rates over the configured window and raises
// the advisory alert when any tier exceeds the threshold.
func (r *Reporter) Health(ctx context.Context) (*HealthSignal, error) {
	now := time.Now().UTC()
	from := now.Add(-r.window)

	requests, err := r.logs.RequestsPerTier(ctx, from, now)
	if err != nil {
		return nil, err
	}
	denials, err := r.logs.DenialsByTier(ctx, from, now)
	if err != nil {
		return nil, err
	}

	signal := &HealthSignal{
		Threshold:   r.threshold,
		Window:      r.window.String(),
		RatesByTier: make(map[string]float64, len(requests)),
		CheckedAt:   now,
	}

	for tierName, total := range requests {
		if total == 0 {
			continue
		}
		rate := float64(denials[tierName]) / float64(total)
		signal.RatesByTier[tierName] = rate
		if rate > r.threshold {
			signal.Alert = true
		}
	}

	return signal, nil
}
