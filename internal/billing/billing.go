// Package billing applies subscription changes reported by the payment provider.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Locker runs fn under the per-user lock.
type Locker interface {
	WithLock(ctx context.Context, userID uint64, op string, fn func(ctx context.Context) error) error
}

// PlanChange is a subscription update for one user.
type PlanChange struct {
	UserID     uint64                    `json:"-"`
	Plan       models.PlanType           `json:"plan"`
	Status     models.SubscriptionStatus `json:"status"`
	CycleStart *time.Time                `json:"cycle_start"`
	CycleEnd   *time.Time                `json:"cycle_end"`
}

// Service applies plan changes.
type Service struct {
	db    *gorm.DB
	usage *usage.Service
	locks Locker
}

// NewService constructs a Service.
func NewService(db *gorm.DB, svc *usage.Service, locks Locker) *Service {
	return &Service{db: db, usage: svc, locks: locks}
}

// ApplyPlanChange switches the user's plan and billing cycle.
//
// On an upgrade from a lower paid tier to a higher one while the old cycle is still
// running, a carryover record is written with the old tier's live usage for the month.
// Trial and free upgrades never create one. Any upgrade advances PlanUpgradedAt.
func (s *Service) ApplyPlanChange(ctx context.Context, change PlanChange) (*models.User, error) {
	if !change.Plan.Valid() {
		return nil, fmt.Errorf("billing: unknown plan %q", change.Plan)
	}
	if change.Status == "" {
		change.Status = models.SubscriptionActive
	}
	if !validStatus(change.Status) {
		return nil, fmt.Errorf("billing: unknown subscription status %q", change.Status)
	}
	if change.CycleStart != nil && change.CycleEnd != nil && !change.CycleEnd.After(*change.CycleStart) {
		return nil, fmt.Errorf("billing: cycle end must be after cycle start")
	}

	var out *models.User
	errLock := s.locks.WithLock(ctx, change.UserID, "apply_plan_change", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			user, errUser := usage.LockUser(ctx, tx, change.UserID)
			if errUser != nil {
				return errUser
			}
			now := s.usage.Now()
			previous := user.Plan
			updates := map[string]any{
				"plan":                change.Plan,
				"subscription_status": change.Status,
			}
			if change.CycleStart != nil {
				updates["billing_cycle_start"] = change.CycleStart.UTC()
			}
			if change.CycleEnd != nil {
				updates["billing_cycle_end"] = change.CycleEnd.UTC()
			}

			if change.Plan.Rank() > previous.Rank() {
				updates["plan_upgraded_at"] = now
				if previous.IsPaid() && change.Plan.IsPaid() && user.BillingCycleEnd != nil && now.Before(*user.BillingCycleEnd) {
					oldUsed, errCount := s.usage.BucketUsedThisMonth(ctx, tx, user.ID, previous, now)
					if errCount != nil {
						return errCount
					}
					updates["carryover"] = models.NewUpgradeCarryover(models.CarryoverRecord{
						OldPlan:     previous,
						OldPlanUsed: oldUsed,
						OldCycleEnd: user.BillingCycleEnd.UTC(),
					})
					log.WithFields(log.Fields{
						"user_id":       user.ID,
						"old_plan":      previous,
						"new_plan":      change.Plan,
						"old_used":      oldUsed,
						"old_cycle_end": user.BillingCycleEnd.UTC(),
					}).Info("billing: carryover recorded for upgrade")
				}
			}

			if errUpdate := tx.WithContext(ctx).
				Model(&models.User{}).
				Where("id = ?", user.ID).
				Updates(updates).Error; errUpdate != nil {
				return fmt.Errorf("billing: update user: %w", errUpdate)
			}

			var reloaded models.User
			if errReload := tx.WithContext(ctx).First(&reloaded, user.ID).Error; errReload != nil {
				return fmt.Errorf("billing: reload user: %w", errReload)
			}
			out = &reloaded
			return nil
		})
	})
	if errLock != nil {
		return nil, errLock
	}
	return out, nil
}

func validStatus(status models.SubscriptionStatus) bool {
	switch status {
	case models.SubscriptionTrialing, models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionCanceled:
		return true
	default:
		return false
	}
}
