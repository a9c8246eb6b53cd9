package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/usage"
)

// parseUserID reads the :id path parameter and writes a 400 when it is malformed.
func parseUserID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// writeLookupError maps a user lookup failure to a response.
func writeLookupError(c *gin.Context, err error, fallback string) {
	if errors.Is(err, usage.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}
