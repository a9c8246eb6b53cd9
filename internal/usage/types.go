package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/plans"
)

var (
	// ErrUserNotFound indicates the user row does not exist.
	ErrUserNotFound = plans.ErrUserNotFound
	// ErrLimitReached is returned by callers that refuse chargeable work after a denied check.
	ErrLimitReached = errors.New("usage: plan limit reached")
)

// Kind identifies the two chargeable record tables.
type Kind string

// Kind constants.
const (
	KindProcessed Kind = "processed"
	KindSaved     Kind = "saved"
)

// ParseKind normalizes a raw kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindProcessed, KindSaved:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("usage: unknown kind %q", raw)
	}
}

// Chargeable is a record that draws from a plan bucket when written.
// *models.ProcessedReceipt and *models.Expense implement it.
type Chargeable interface {
	ChargeOwner() uint64
	ChargedBucket() *models.PlanType
	AssignCharge(userID uint64, bucket models.PlanType, at time.Time)
	Persisted() bool
}

// Usage is the recomputed usage of one user for the current accounting window.
type Usage struct {
	Processed        int64                `json:"processed"`
	Saved            int64                `json:"saved"`
	Total            int64                `json:"total"`
	ByPlan           models.PlanBreakdown `json:"by_plan"`
	CurrentPlanTotal int64                `json:"current_plan_total"`
	LifetimeTotal    int64                `json:"lifetime_total"`
	PlanType         models.PlanType      `json:"plan_type"`
	Month            string               `json:"month"`
}

// Authorization is the result of a quota check.
type Authorization struct {
	CanProcess bool                 `json:"can_process"`
	Used       int64                `json:"used"`
	Limit      int64                `json:"limit"`
	Remaining  int64                `json:"remaining"`
	PlanType   models.PlanType      `json:"plan_type"`
	Breakdown  models.PlanBreakdown `json:"breakdown"`
	Err        error                `json:"-"`
}

// IncrementResult reports usage after a chargeable record was written.
type IncrementResult struct {
	NewTotal  int64           `json:"new_total"`
	Limit     int64           `json:"limit"`
	Remaining int64           `json:"remaining"`
	Bucket    models.PlanType `json:"bucket"`
}

func remaining(limit, used int64) int64 {
	if limit <= used {
		return 0
	}
	return limit - used
}
