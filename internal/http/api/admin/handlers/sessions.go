package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/session"
	"github.com/receiptflow/receiptflow/internal/usage"
)

// SessionHandler exposes conversational sessions to operators.
type SessionHandler struct {
	usage    *usage.Service
	sessions *session.Store
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(svc *usage.Service, sessions *session.Store) *SessionHandler {
	return &SessionHandler{usage: svc, sessions: sessions}
}

// Get returns the user's session, creating an idle one if absent.
func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	if _, errUser := h.usage.LoadUser(c.Request.Context(), userID); errUser != nil {
		writeLookupError(c, errUser, "load user failed")
		return
	}
	row, errGet := h.sessions.GetSession(c.Request.Context(), userID)
	if errGet != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		return
	}
	c.JSON(http.StatusOK, formatSession(row))
}

// Reset returns the user's session to idle and clears its data.
func (h *SessionHandler) Reset(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	if _, errUser := h.usage.LoadUser(c.Request.Context(), userID); errUser != nil {
		writeLookupError(c, errUser, "load user failed")
		return
	}
	row, errReset := h.sessions.Reset(c.Request.Context(), userID)
	if errReset != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset session failed"})
		return
	}
	c.JSON(http.StatusOK, formatSession(row))
}

// formatSession formats a session row into response JSON.
func formatSession(row *models.Session) gin.H {
	return gin.H{
		"user_id":             row.UserID,
		"state":               row.State,
		"pending_item":        row.PendingItem,
		"has_pending_item":    row.HasPendingItem(),
		"metadata":            row.Metadata,
		"last_activity_at":    row.LastActivityAt,
		"expiry_warning_sent": row.ExpiryWarningSent,
		"expired_notice_sent": row.ExpiredNoticeSent,
		"fence_token":         row.FenceToken,
	}
}
