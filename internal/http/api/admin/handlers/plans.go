package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/billing"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/plans"
	log "github.com/sirupsen/logrus"
)

// PlanHandler lists plan quotas and applies subscription changes to users.
type PlanHandler struct {
	billing *billing.Service
	limits  *plans.Resolver
}

// NewPlanHandler constructs a plan handler.
func NewPlanHandler(svc *billing.Service, limits *plans.Resolver) *PlanHandler {
	return &PlanHandler{billing: svc, limits: limits}
}

// List returns every plan with its current quota in ascending rank.
func (h *PlanHandler) List(c *gin.Context) {
	out := make([]gin.H, 0, len(models.AllPlans))
	for _, plan := range models.AllPlans {
		out = append(out, gin.H{
			"plan":     plan,
			"rank":     plan.Rank(),
			"paid":     plan.IsPaid(),
			"top_tier": plan.IsTopTier(),
			"limit":    h.limits.LimitFor(plan),
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// changePlanRequest captures the payload for a plan change.
type changePlanRequest struct {
	Plan       string     `json:"plan"`        // Target plan identifier.
	Status     string     `json:"status"`      // Subscription status, defaults to active.
	CycleStart *time.Time `json:"cycle_start"` // New billing cycle start.
	CycleEnd   *time.Time `json:"cycle_end"`   // New billing cycle end.
}

// Change switches the user's plan and returns the updated user.
func (h *PlanHandler) Change(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var body changePlanRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	plan, errPlan := models.ParsePlanType(body.Plan)
	if errPlan != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errPlan.Error()})
		return
	}
	status := models.SubscriptionStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	if status == "" {
		status = models.SubscriptionActive
	}
	switch status {
	case models.SubscriptionTrialing, models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionCanceled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	if body.CycleStart != nil && body.CycleEnd != nil && !body.CycleEnd.After(*body.CycleStart) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cycle_end must be after cycle_start"})
		return
	}

	user, errApply := h.billing.ApplyPlanChange(c.Request.Context(), billing.PlanChange{
		UserID:     userID,
		Plan:       plan,
		Status:     status,
		CycleStart: body.CycleStart,
		CycleEnd:   body.CycleEnd,
	})
	if errApply != nil {
		log.WithError(errApply).WithField("user_id", userID).Warn("admin plan: change failed")
		writeLookupError(c, errApply, "change plan failed")
		return
	}
	c.JSON(http.StatusOK, formatUser(user))
}

// formatUser formats a user row into response JSON.
func formatUser(user *models.User) gin.H {
	resp := gin.H{
		"id":                    user.ID,
		"channel_id":            user.ChannelID,
		"plan":                  user.Plan,
		"subscription_status":   user.SubscriptionStatus,
		"billing_cycle_start":   user.BillingCycleStart,
		"billing_cycle_end":     user.BillingCycleEnd,
		"plan_upgraded_at":      user.PlanUpgradedAt,
		"monthly_receipt_count": user.MonthlyReceiptCount,
		"total_receipt_count":   user.TotalReceiptCount,
		"carryover":             nil,
	}
	if user.Carryover.Valid {
		resp["carryover"] = user.Carryover.Record
	}
	return resp
}
