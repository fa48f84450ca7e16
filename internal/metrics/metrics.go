package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_sync_resolutions_total",
		Help: "Profile resolutions by terminal state",
	}, []string{"state"})

	StaleResolutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identity_sync_stale_resolutions_total",
		Help: "Resolutions discarded because the session identity changed",
	})

	UpsertFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "identity_sync_profile_upsert_failures_total",
		Help: "Failed idempotent profile upserts on sign-in",
	})

	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_sync_feed_events_total",
		Help: "Change events applied to live collections",
	}, []string{"table", "type"})

	FeedDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_sync_feed_dropped_total",
		Help: "Change events dropped before reaching a live collection",
	}, []string{"table", "reason"})

	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_sync_feed_reconnects_total",
		Help: "Transport reconnects per table",
	}, []string{"table"})

	Refetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_sync_refetch_total",
		Help: "Full collection refetches by result",
	}, []string{"table", "result"})

	CollectionSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "identity_sync_collection_rows",
		Help: "Rows currently held per live collection",
	}, []string{"feed"})
)
