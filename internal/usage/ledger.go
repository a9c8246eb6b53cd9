package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/receiptflow/receiptflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WriteLedger upserts the (user, month) ledger row from a fresh computation.
// The unique index on (user_id, month) keeps a single row per month.
func (s *Service) WriteLedger(ctx context.Context, tx *gorm.DB, userID uint64, current Usage, limit int64) error {
	now := s.Now()
	breakdown := current.ByPlan
	if breakdown == nil {
		breakdown = models.PlanBreakdown{}
	}
	row := models.UsageLedger{
		UserID:         userID,
		Month:          current.Month,
		ProcessedCount: current.Processed,
		SavedCount:     current.Saved,
		TotalCount:     current.Total,
		LimitCount:     limit,
		Breakdown:      breakdown,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errUpsert := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"processed_count",
			"saved_count",
			"total_count",
			"limit_count",
			"breakdown",
			"updated_at",
		}),
	}).Create(&row).Error; errUpsert != nil {
		return fmt.Errorf("usage: upsert ledger: %w", errUpsert)
	}
	return nil
}

// WriteLegacyCounters updates the display-only counters on the user row.
func WriteLegacyCounters(ctx context.Context, tx *gorm.DB, userID uint64, current Usage) error {
	if errUpdate := tx.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"monthly_receipt_count": current.Total,
			"total_receipt_count":   current.LifetimeTotal,
		}).Error; errUpdate != nil {
		return fmt.Errorf("usage: update legacy counters: %w", errUpdate)
	}
	return nil
}

// LedgerFor returns the cached ledger row for month, or nil when none exists.
func LedgerFor(ctx context.Context, conn *gorm.DB, userID uint64, month string) (*models.UsageLedger, error) {
	var row models.UsageLedger
	if errFind := conn.WithContext(ctx).
		Where("user_id = ? AND month = ?", userID, month).
		First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("usage: load ledger: %w", errFind)
	}
	return &row, nil
}

// Ledger returns the user's cached ledger row for the current month.
func (s *Service) Ledger(ctx context.Context, userID uint64) (*models.UsageLedger, error) {
	return LedgerFor(ctx, s.db, userID, s.MonthKey(s.Now()))
}
