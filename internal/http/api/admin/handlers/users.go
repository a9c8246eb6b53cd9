package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/db"
	"github.com/receiptflow/receiptflow/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// UserHandler registers messaging-channel users.
type UserHandler struct {
	db *gorm.DB
}

// NewUserHandler constructs a user handler.
func NewUserHandler(db *gorm.DB) *UserHandler {
	return &UserHandler{db: db}
}

// createUserRequest captures the payload for registering a user.
type createUserRequest struct {
	ChannelID   string `json:"channel_id"`   // Messaging channel identity.
	DisplayName string `json:"display_name"` // Optional display name.
	Plan        string `json:"plan"`         // Starting plan, defaults to trial.
}

// Create registers a user on its starting plan.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	channelID := strings.TrimSpace(body.ChannelID)
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id is required"})
		return
	}
	plan := models.PlanTrial
	if strings.TrimSpace(body.Plan) != "" {
		parsed, errPlan := models.ParsePlanType(body.Plan)
		if errPlan != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errPlan.Error()})
			return
		}
		plan = parsed
	}
	status := models.SubscriptionActive
	if plan == models.PlanTrial {
		status = models.SubscriptionTrialing
	}

	user := models.User{
		ChannelID:          channelID,
		DisplayName:        strings.TrimSpace(body.DisplayName),
		Plan:               plan,
		SubscriptionStatus: status,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&user).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			c.JSON(http.StatusConflict, gin.H{"error": "channel_id already registered"})
			return
		}
		log.WithError(errCreate).WithField("channel_id", channelID).Warn("admin users: create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	c.JSON(http.StatusCreated, formatUser(&user))
}
