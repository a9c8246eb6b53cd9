// Package plans resolves the quota granted by each subscription plan.
package plans

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/settings"
	"gorm.io/gorm"
)

// ErrUserNotFound indicates the user row does not exist.
var ErrUserNotFound = errors.New("plans: user not found")

// Resolver maps plan types to limits.
// Runtime settings override configured limits; anything unresolved is 0.
type Resolver struct {
	limits atomic.Pointer[map[models.PlanType]int]
}

// NewResolver builds a resolver from configured limits keyed by plan identifier.
func NewResolver(limits map[string]int) *Resolver {
	r := &Resolver{}
	r.SetLimits(limits)
	return r
}

// SetLimits replaces the configured limits. Unknown identifiers and negative values are dropped.
func (r *Resolver) SetLimits(limits map[string]int) {
	next := make(map[models.PlanType]int, len(limits))
	for raw, limit := range limits {
		plan, errParse := models.ParsePlanType(raw)
		if errParse != nil || limit < 0 {
			continue
		}
		next[plan] = limit
	}
	r.limits.Store(&next)
}

// Limits returns a copy of the configured limits.
func (r *Resolver) Limits() map[models.PlanType]int {
	out := map[models.PlanType]int{}
	if r == nil {
		return out
	}
	if current := r.limits.Load(); current != nil {
		for plan, limit := range *current {
			out[plan] = limit
		}
	}
	return out
}

// LimitFor returns the quota for plan.
func (r *Resolver) LimitFor(plan models.PlanType) int {
	switch plan {
	case models.PlanFree:
		return 0
	case models.PlanTrial, models.PlanLite, models.PlanPro:
		if override, ok := settings.IntValue(settings.PlanLimitKey(string(plan))); ok {
			return override
		}
		if r == nil {
			return 0
		}
		if current := r.limits.Load(); current != nil {
			return (*current)[plan]
		}
		return 0
	default:
		return 0
	}
}

// Resolve loads the user's plan and its quota.
func (r *Resolver) Resolve(ctx context.Context, conn *gorm.DB, userID uint64) (models.PlanType, int, error) {
	if conn == nil {
		return "", 0, fmt.Errorf("plans: nil db")
	}
	var user models.User
	if errFind := conn.WithContext(ctx).
		Select("id", "plan").
		Where("id = ?", userID).
		First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return "", 0, ErrUserNotFound
		}
		return "", 0, fmt.Errorf("plans: load user: %w", errFind)
	}
	return user.Plan, r.LimitFor(user.Plan), nil
}
