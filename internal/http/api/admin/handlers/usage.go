package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/usage"
	log "github.com/sirupsen/logrus"
)

// UsageHandler exposes recomputed usage for a user.
type UsageHandler struct {
	usage *usage.Service
}

// NewUsageHandler constructs a usage handler.
func NewUsageHandler(svc *usage.Service) *UsageHandler {
	return &UsageHandler{usage: svc}
}

// Get returns live usage, the quota decision and the cached ledger row side by side.
func (h *UsageHandler) Get(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	plan, planLimit, errResolve := h.usage.Limits().Resolve(ctx, h.usage.DB(), userID)
	if errResolve != nil {
		writeLookupError(c, errResolve, "resolve plan failed")
		return
	}
	current, errCalc := h.usage.Calculate(ctx, userID)
	if errCalc != nil {
		writeLookupError(c, errCalc, "calculate usage failed")
		return
	}
	limit, errLimit := h.usage.EffectiveLimit(ctx, userID)
	if errLimit != nil {
		writeLookupError(c, errLimit, "resolve limit failed")
		return
	}
	bucket, errBucket := h.usage.PlanTypeToConsume(ctx, userID)
	if errBucket != nil {
		writeLookupError(c, errBucket, "resolve bucket failed")
		return
	}
	auth := h.usage.CanProcessReceipt(ctx, userID)

	resp := gin.H{
		"user_id":        userID,
		"plan":           plan,
		"plan_limit":     planLimit,
		"usage":          current,
		"limit":          limit,
		"charge_bucket":  bucket,
		"authorization":  auth,
		"ledger":         nil,
		"ledger_in_sync": false,
	}
	ledger, errLedger := h.usage.Ledger(ctx, userID)
	if errLedger != nil {
		log.WithError(errLedger).WithField("user_id", userID).Warn("admin usage: load ledger failed")
	} else if ledger != nil {
		resp["ledger"] = ledger
		resp["ledger_in_sync"] = ledger.TotalCount == current.Total &&
			ledger.ProcessedCount == current.Processed &&
			ledger.SavedCount == current.Saved &&
			ledger.LimitCount == limit
	}
	c.JSON(http.StatusOK, resp)
}
