package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/receiptflow/receiptflow/internal/models"
	"gorm.io/gorm"
)

// bucketCount is one row of a per-bucket count query.
type bucketCount struct {
	Bucket *string
	Count  int64
}

// Calculate recomputes the user's usage for the current accounting window.
func (s *Service) Calculate(ctx context.Context, userID uint64) (Usage, error) {
	user, errUser := loadUser(ctx, s.db, userID, false)
	if errUser != nil {
		return Usage{}, errUser
	}
	return s.CalculateFor(ctx, s.db, user, s.Now())
}

// CalculateFor recomputes usage for an already loaded user on conn, which may be a transaction.
//
// Trial usage is all-time and ungrouped. Free usage is always zero. Paid usage covers the
// calendar month of now, grouped by plan bucket, and only the bucket of the current plan
// counts toward CurrentPlanTotal. Untagged rows appear under models.UnknownBucket.
func (s *Service) CalculateFor(ctx context.Context, conn *gorm.DB, user *models.User, now time.Time) (Usage, error) {
	if user == nil {
		return Usage{}, fmt.Errorf("usage: nil user")
	}
	result := Usage{
		ByPlan:   models.PlanBreakdown{},
		PlanType: user.Plan,
		Month:    s.MonthKey(now),
	}

	lifetime, errLifetime := countAll(ctx, conn, user.ID)
	if errLifetime != nil {
		return Usage{}, errLifetime
	}
	result.LifetimeTotal = lifetime.Total

	switch user.Plan {
	case models.PlanTrial:
		result.Processed = lifetime.Processed
		result.Saved = lifetime.Saved
		result.Total = lifetime.Total
		result.CurrentPlanTotal = lifetime.Total
		return result, nil
	case models.PlanFree:
		return result, nil
	case models.PlanLite, models.PlanPro:
		start, end := s.monthBounds(now)
		breakdown, errBreakdown := countByBucket(ctx, conn, user.ID, start, end)
		if errBreakdown != nil {
			return Usage{}, errBreakdown
		}
		for _, bucket := range breakdown {
			result.Processed += bucket.Processed
			result.Saved += bucket.Saved
			result.Total += bucket.Total
		}
		result.ByPlan = breakdown
		result.CurrentPlanTotal = breakdown[string(user.Plan)].Total
		return result, nil
	default:
		return Usage{}, fmt.Errorf("usage: user %d has unknown plan %q", user.ID, user.Plan)
	}
}

// countAll counts every chargeable record of the user regardless of window or tag.
func countAll(ctx context.Context, conn *gorm.DB, userID uint64) (models.BucketUsage, error) {
	var out models.BucketUsage
	if errProcessed := conn.WithContext(ctx).
		Model(&models.ProcessedReceipt{}).
		Where("user_id = ?", userID).
		Count(&out.Processed).Error; errProcessed != nil {
		return models.BucketUsage{}, fmt.Errorf("usage: count processed: %w", errProcessed)
	}
	if errSaved := conn.WithContext(ctx).
		Model(&models.Expense{}).
		Where("user_id = ?", userID).
		Count(&out.Saved).Error; errSaved != nil {
		return models.BucketUsage{}, fmt.Errorf("usage: count saved: %w", errSaved)
	}
	out.Total = out.Processed + out.Saved
	return out, nil
}

// countByBucket counts records in [start, end) grouped by plan bucket.
func countByBucket(ctx context.Context, conn *gorm.DB, userID uint64, start, end time.Time) (models.PlanBreakdown, error) {
	out := models.PlanBreakdown{}

	processed, errProcessed := groupedCounts(ctx, conn, &models.ProcessedReceipt{}, userID, start, end)
	if errProcessed != nil {
		return nil, fmt.Errorf("usage: count processed by bucket: %w", errProcessed)
	}
	for bucket, count := range processed {
		entry := out[bucket]
		entry.Processed += count
		entry.Total += count
		out[bucket] = entry
	}

	saved, errSaved := groupedCounts(ctx, conn, &models.Expense{}, userID, start, end)
	if errSaved != nil {
		return nil, fmt.Errorf("usage: count saved by bucket: %w", errSaved)
	}
	for bucket, count := range saved {
		entry := out[bucket]
		entry.Saved += count
		entry.Total += count
		out[bucket] = entry
	}
	return out, nil
}

func groupedCounts(ctx context.Context, conn *gorm.DB, model any, userID uint64, start, end time.Time) (map[string]int64, error) {
	var rows []bucketCount
	if errScan := conn.WithContext(ctx).
		Model(model).
		Select("plan_bucket AS bucket, COUNT(*) AS count").
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, start, end).
		Group("plan_bucket").
		Scan(&rows).Error; errScan != nil {
		return nil, errScan
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		key := models.UnknownBucket
		if row.Bucket != nil && *row.Bucket != "" {
			key = *row.Bucket
		}
		out[key] += row.Count
	}
	return out, nil
}

// countBucketInMonth counts both kinds of records tagged with bucket in the month of now.
func (s *Service) countBucketInMonth(ctx context.Context, conn *gorm.DB, userID uint64, bucket models.PlanType, now time.Time) (int64, error) {
	start, end := s.monthBounds(now)
	var processed, saved int64
	if errProcessed := conn.WithContext(ctx).
		Model(&models.ProcessedReceipt{}).
		Where("user_id = ? AND plan_bucket = ? AND created_at >= ? AND created_at < ?", userID, bucket, start, end).
		Count(&processed).Error; errProcessed != nil {
		return 0, fmt.Errorf("usage: count %s processed: %w", bucket, errProcessed)
	}
	if errSaved := conn.WithContext(ctx).
		Model(&models.Expense{}).
		Where("user_id = ? AND plan_bucket = ? AND created_at >= ? AND created_at < ?", userID, bucket, start, end).
		Count(&saved).Error; errSaved != nil {
		return 0, fmt.Errorf("usage: count %s saved: %w", bucket, errSaved)
	}
	return processed + saved, nil
}
