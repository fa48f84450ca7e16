package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	authmw "github.com/janrakshak/identity-sync/internal/auth/middleware"
	"github.com/janrakshak/identity-sync/internal/livefeed"
)

type CollectionView struct {
	Table      string         `json:"table"`
	Filter     string         `json:"filter,omitempty"`
	Stale      bool           `json:"stale"`
	StaleSince *time.Time     `json:"stale_since,omitempty"`
	Version    uint64         `json:"version"`
	Count      int            `json:"count"`
	Rows       []livefeed.Row `json:"rows"`
}

func (h *Handler) ListCollections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"feeds": h.deps.Feeds.Statuses()})
}

// GetCollection returns the rows of an open feed narrowed to the caller's
// data filters.
func (h *Handler) GetCollection(c *gin.Context) {
	coll, filter, ok := h.openCollection(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.collectionView(c, coll, filter))
}

// StreamCollection holds a subscription for the lifetime of the request and
// pushes a snapshot whenever the collection changes.
func (h *Handler) StreamCollection(c *gin.Context) {
	table := c.Param("table")
	filter, err := livefeed.ParseFilter(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	coll, release, err := h.deps.Feeds.Subscribe(c.Request.Context(), table, filter)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer release()

	flusher := startSSE(c)
	if flusher == nil {
		return
	}

	ctx := c.Request.Context()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	poll := time.NewTicker(h.deps.StreamPoll)
	defer poll.Stop()

	if err := writeEvent(c, flusher, "snapshot", h.collectionView(c, coll, filter)); err != nil {
		return
	}
	last := coll.Version()
	lastStale, _ := coll.Stale()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			writeKeepAlive(c, flusher)
		case <-poll.C:
			stale, _ := coll.Stale()
			if v := coll.Version(); v != last || stale != lastStale {
				last, lastStale = v, stale
				if err := writeEvent(c, flusher, "snapshot", h.collectionView(c, coll, filter)); err != nil {
					return
				}
			}
		}
	}
}

// RefetchCollection reloads an open feed from the store.
func (h *Handler) RefetchCollection(c *gin.Context) {
	table := c.Param("table")
	filter, err := livefeed.ParseFilter(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = h.deps.Feeds.Refetch(c.Request.Context(), table, filter)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "refetched", "table": table})
	case errors.Is(err, livefeed.ErrNotSubscribed):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, livefeed.ErrNoLoader):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case errors.Is(err, livefeed.ErrRefetchThrottled):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (h *Handler) openCollection(c *gin.Context) (*livefeed.Collection, livefeed.Filter, bool) {
	table := c.Param("table")
	filter, err := livefeed.ParseFilter(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, filter, false
	}
	coll, ok := h.deps.Feeds.Collection(table, filter)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live feed for " + table})
		return nil, filter, false
	}
	return coll, filter, true
}

func (h *Handler) collectionView(c *gin.Context, coll *livefeed.Collection, filter livefeed.Filter) CollectionView {
	rows := h.scopedRows(c, coll.Snapshot())
	stale, since := coll.Stale()
	v := CollectionView{
		Table:   coll.Table(),
		Filter:  filter.String(),
		Stale:   stale,
		Version: coll.Version(),
		Count:   len(rows),
		Rows:    rows,
	}
	if stale {
		v.StaleSince = &since
	}
	return v
}

// scopedRows applies the session's data filters. Filters on columns a row
// does not have are ignored for that row. Without a profile nothing is
// visible.
func (h *Handler) scopedRows(c *gin.Context, rows []livefeed.Row) []livefeed.Row {
	s, ok := authmw.SessionFrom(c)
	if !ok || s.Profile == nil {
		return []livefeed.Row{}
	}
	filters := s.Profile.DataFilters()
	if len(filters) == 0 {
		return rows
	}

	out := rows[:0]
	for _, row := range rows {
		keep := true
		for col, want := range filters {
			if _, has := row[col]; !has {
				continue
			}
			if !(livefeed.Filter{Column: col, Value: want}).Matches(row) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}
