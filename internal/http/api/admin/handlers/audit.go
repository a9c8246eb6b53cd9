package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/audit"
	log "github.com/sirupsen/logrus"
)

// LastAuditSource returns the most recent scheduled audit report.
type LastAuditSource interface {
	LastAudit() (audit.Report, bool)
}

// AuditHandler triggers usage reconciliation on demand.
type AuditHandler struct {
	auditor *audit.Auditor
	last    LastAuditSource
}

// NewAuditHandler constructs an audit handler. last may be nil.
func NewAuditHandler(auditor *audit.Auditor, last LastAuditSource) *AuditHandler {
	return &AuditHandler{auditor: auditor, last: last}
}

// SyncUser validates and repairs one user's cached usage.
func (h *AuditHandler) SyncUser(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	result, errSync := h.auditor.ValidateAndFixSync(c.Request.Context(), userID)
	if errSync != nil {
		writeLookupError(c, errSync, "sync usage failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// RunAll audits every user and returns the report.
func (h *AuditHandler) RunAll(c *gin.Context) {
	report, errAudit := h.auditor.AuditAllUsers(c.Request.Context())
	if errAudit != nil {
		log.WithError(errAudit).Warn("admin audit: run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Last returns the latest scheduled audit report.
func (h *AuditHandler) Last(c *gin.Context) {
	if h.last == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audit has run"})
		return
	}
	report, ok := h.last.LastAudit()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audit has run"})
		return
	}
	c.JSON(http.StatusOK, report)
}
