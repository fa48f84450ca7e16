package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/janrakshak/identity-sync/internal/diagnostics"
)

// ListDiagnostics returns recent diagnostic records, newest first.
func (h *Handler) ListDiagnostics(c *gin.Context) {
	if h.deps.Diagnostics == nil {
		c.JSON(http.StatusOK, gin.H{"records": []diagnostics.Record{}})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records := h.deps.Diagnostics.Recent(diagnostics.Query{
		Component: c.Query("component"),
		Table:     c.Query("table"),
		MinLevel:  diagnostics.Level(c.Query("level")),
		Limit:     limit,
	})
	c.JSON(http.StatusOK, gin.H{"records": records})
}
