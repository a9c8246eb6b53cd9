package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/metering"
	"github.com/receiptflow/receiptflow/internal/usage"
	log "github.com/sirupsen/logrus"
)

// ChargeHandler records chargeable activity through the metering gate.
type ChargeHandler struct {
	gate *metering.Gate
}

// NewChargeHandler constructs a charge handler.
func NewChargeHandler(gate *metering.Gate) *ChargeHandler {
	return &ChargeHandler{gate: gate}
}

// chargeRequest captures the payload for a manual charge.
type chargeRequest struct {
	Kind string `json:"kind"` // processed or saved.
}

// Create charges one record of the requested kind if the user has quota left.
func (h *ChargeHandler) Create(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	var body chargeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	kind, errKind := usage.ParseKind(body.Kind)
	if errKind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errKind.Error()})
		return
	}

	result, errCharge := h.gate.Charge(c.Request.Context(), userID, kind, nil)
	if errCharge != nil {
		var denied *metering.DeniedError
		if errors.As(errCharge, &denied) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":         "plan limit reached",
				"authorization": denied.Authorization,
			})
			return
		}
		log.WithError(errCharge).WithField("user_id", userID).Warn("admin charge: failed")
		writeLookupError(c, errCharge, "charge failed")
		return
	}
	c.JSON(http.StatusCreated, result)
}
