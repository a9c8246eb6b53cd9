package models

import (
	"fmt"
	"strings"
)

// PlanType identifies the subscription plan a user is on and the quota bucket a
// chargeable record was charged against.
type PlanType string

// PlanType constants define the closed set of plans.
const (
	// PlanTrial is the all-time limited trial plan.
	PlanTrial PlanType = "trial"
	// PlanFree keeps historical data readable but grants no new quota.
	PlanFree PlanType = "free"
	// PlanLite is the lower paid tier.
	PlanLite PlanType = "lite"
	// PlanPro is the highest paid tier.
	PlanPro PlanType = "pro"
)

// TopPaidPlan is the highest paid tier, the only one that can carry over quota.
const TopPaidPlan = PlanPro

// UnknownBucket labels records whose plan bucket was never recorded.
const UnknownBucket = "unknown"

// AllPlans lists every plan in ascending rank.
var AllPlans = []PlanType{PlanFree, PlanTrial, PlanLite, PlanPro}

// ParsePlanType normalizes a raw plan identifier.
func ParsePlanType(raw string) (PlanType, error) {
	plan := PlanType(strings.ToLower(strings.TrimSpace(raw)))
	if !plan.Valid() {
		return "", fmt.Errorf("unknown plan type %q", raw)
	}
	return plan, nil
}

// Valid reports whether the plan belongs to the closed set.
func (p PlanType) Valid() bool {
	switch p {
	case PlanTrial, PlanFree, PlanLite, PlanPro:
		return true
	default:
		return false
	}
}

// IsPaid reports whether the plan is a paid tier accounted per calendar month.
func (p PlanType) IsPaid() bool {
	switch p {
	case PlanLite, PlanPro:
		return true
	case PlanTrial, PlanFree:
		return false
	default:
		return false
	}
}

// Rank orders plans for upgrade detection. Unknown plans rank below everything.
func (p PlanType) Rank() int {
	switch p {
	case PlanFree:
		return 0
	case PlanTrial:
		return 1
	case PlanLite:
		return 2
	case PlanPro:
		return 3
	default:
		return -1
	}
}

// IsTopTier reports whether the plan is the highest paid tier.
func (p PlanType) IsTopTier() bool {
	return p == TopPaidPlan
}

// String implements fmt.Stringer.
func (p PlanType) String() string {
	return string(p)
}

// PlanTypePtr returns a pointer to a copy of p.
func PlanTypePtr(p PlanType) *PlanType {
	return &p
}
