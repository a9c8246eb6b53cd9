package usage

import (
	"context"
	"time"

	"github.com/receiptflow/receiptflow/internal/models"
	"gorm.io/gorm"
)

// activeCarryover returns the carryover record honored for user at now.
// Only the top tier carries over, and only from a lower paid tier whose cycle has not ended.
func activeCarryover(user *models.User, now time.Time) (models.CarryoverRecord, bool) {
	if user == nil || !user.Plan.IsTopTier() {
		return models.CarryoverRecord{}, false
	}
	record, ok := user.Carryover.ActiveAt(now)
	if !ok {
		return models.CarryoverRecord{}, false
	}
	if !record.OldPlan.IsPaid() || record.OldPlan.Rank() >= user.Plan.Rank() {
		return models.CarryoverRecord{}, false
	}
	return record, true
}

// PlanTypeToConsume returns the bucket the user's next chargeable record should be tagged with.
func (s *Service) PlanTypeToConsume(ctx context.Context, userID uint64) (models.PlanType, error) {
	user, errUser := loadUser(ctx, s.db, userID, false)
	if errUser != nil {
		return "", errUser
	}
	return s.PlanTypeToConsumeFor(ctx, s.db, user, s.Now())
}

// PlanTypeToConsumeFor resolves the bucket for an already loaded user on conn.
// While a carryover is active the old tier is drawn first, counted live from this month's records.
func (s *Service) PlanTypeToConsumeFor(ctx context.Context, conn *gorm.DB, user *models.User, now time.Time) (models.PlanType, error) {
	record, ok := activeCarryover(user, now)
	if !ok {
		return user.Plan, nil
	}
	oldUsed, errCount := s.countBucketInMonth(ctx, conn, user.ID, record.OldPlan, now)
	if errCount != nil {
		return "", errCount
	}
	if oldUsed < int64(s.limits.LimitFor(record.OldPlan)) {
		return record.OldPlan, nil
	}
	return user.Plan, nil
}

// EffectiveLimit returns the quota currently enforced for the user.
func (s *Service) EffectiveLimit(ctx context.Context, userID uint64) (int64, error) {
	user, errUser := loadUser(ctx, s.db, userID, false)
	if errUser != nil {
		return 0, errUser
	}
	return s.EffectiveLimitFor(ctx, s.db, user, s.Now())
}

// EffectiveLimitFor computes the enforced quota for an already loaded user on conn:
// the plan's base limit plus the unused old-tier remainder of an active carryover.
func (s *Service) EffectiveLimitFor(ctx context.Context, conn *gorm.DB, user *models.User, now time.Time) (int64, error) {
	base := int64(s.limits.LimitFor(user.Plan))
	record, ok := activeCarryover(user, now)
	if !ok {
		return base, nil
	}
	oldUsed, errCount := s.countBucketInMonth(ctx, conn, user.ID, record.OldPlan, now)
	if errCount != nil {
		return 0, errCount
	}
	return base + remaining(int64(s.limits.LimitFor(record.OldPlan)), oldUsed), nil
}

// BucketUsedThisMonth counts the user's records tagged with bucket in the calendar month of now.
func (s *Service) BucketUsedThisMonth(ctx context.Context, conn *gorm.DB, userID uint64, bucket models.PlanType, now time.Time) (int64, error) {
	return s.countBucketInMonth(ctx, conn, userID, bucket, now)
}
