package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/janrakshak/identity-sync/internal/aggregate"
)

func (h *Handler) statsRows(c *gin.Context) ([]aggregate.Row, bool) {
	coll, _, ok := h.openCollection(c)
	if !ok {
		return nil, false
	}
	return h.scopedRows(c, coll.Snapshot()), true
}

// window reads ?window= and ?anchor=, defaulting to the last 7 days ending now.
func (h *Handler) window(c *gin.Context) (aggregate.WindowSpec, time.Time, bool) {
	w := aggregate.Last7Days
	if raw := c.Query("window"); raw != "" {
		parsed, err := aggregate.ParseWindow(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return w, time.Time{}, false
		}
		w = parsed
	}

	anchor := h.deps.Now()
	if raw := c.Query("anchor"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "anchor must be RFC 3339"})
			return w, time.Time{}, false
		}
		anchor = parsed
	}
	return w, anchor, true
}

func (h *Handler) CountsByField(c *gin.Context) {
	rows, ok := h.statsRows(c)
	if !ok {
		return
	}
	field := c.Param("field")
	counts := aggregate.AggregateByField(rows, field)
	c.JSON(http.StatusOK, gin.H{
		"table":  c.Param("table"),
		"field":  field,
		"total":  len(rows),
		"counts": aggregate.SortedCounts(counts),
	})
}

func (h *Handler) Timeline(c *gin.Context) {
	rows, ok := h.statsRows(c)
	if !ok {
		return
	}
	w, anchor, ok := h.window(c)
	if !ok {
		return
	}
	field := c.DefaultQuery("field", "created_at")

	var buckets []aggregate.Bucket
	if group := c.Query("group"); group != "" {
		buckets = aggregate.BucketByTimeGrouped(rows, field, group, w, anchor)
	} else {
		buckets = aggregate.BucketByTime(rows, field, w, anchor)
	}
	c.JSON(http.StatusOK, gin.H{
		"table":   c.Param("table"),
		"field":   field,
		"window":  w.String(),
		"anchor":  anchor,
		"buckets": buckets,
	})
}

// FieldRate is the share of rows whose field is one of the comma-separated
// values.
func (h *Handler) FieldRate(c *gin.Context) {
	rows, ok := h.statsRows(c)
	if !ok {
		return
	}
	field, raw := c.Query("field"), c.Query("value")
	if field == "" || raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field and value are required"})
		return
	}
	values := strings.Split(raw, ",")
	count := aggregate.CountWhere(rows, field, values...)
	c.JSON(http.StatusOK, gin.H{
		"table": c.Param("table"),
		"field": field,
		"count": count,
		"total": len(rows),
		"rate":  aggregate.Rate(float64(count), float64(len(rows))),
	})
}

func (h *Handler) Utilization(c *gin.Context) {
	rows, ok := h.statsRows(c)
	if !ok {
		return
	}
	used := c.DefaultQuery("used", "current_occupancy")
	capacity := c.DefaultQuery("capacity", "capacity")
	c.JSON(http.StatusOK, gin.H{
		"table":       c.Param("table"),
		"used":        aggregate.SumField(rows, used),
		"capacity":    aggregate.SumField(rows, capacity),
		"utilization": aggregate.Utilization(rows, used, capacity),
	})
}

func (h *Handler) AveragePerDay(c *gin.Context) {
	rows, ok := h.statsRows(c)
	if !ok {
		return
	}
	w, anchor, ok := h.window(c)
	if !ok {
		return
	}
	field := c.DefaultQuery("field", "created_at")
	c.JSON(http.StatusOK, gin.H{
		"table":   c.Param("table"),
		"field":   field,
		"window":  w.String(),
		"average": aggregate.AveragePerDay(rows, field, w, anchor),
	})
}
