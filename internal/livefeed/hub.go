package livefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/janrakshak/identity-sync/internal/diagnostics"
	"github.com/janrakshak/identity-sync/internal/metrics"
)

var (
	ErrNotSubscribed    = errors.New("no live feed for table")
	ErrNoLoader         = errors.New("refetch is not configured")
	ErrRefetchThrottled = errors.New("refetch throttled")
	ErrHubClosed        = errors.New("live feed hub is closed")
)

type HubConfig struct {
	Source    Source
	Loader    Loader
	KeyColumn string
	// RefetchEvery is the minimum spacing between full reloads of one feed.
	RefetchEvery time.Duration
	Diagnostics  diagnostics.Sink
	Logger       *slog.Logger
	Now          func() time.Time
}

// Hub owns one feed per (table, filter) pair. Feeds are reference counted:
// the first Subscribe opens the stream and the last release closes it.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger

	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
}

// loadResult ends a refetch window. A failed load leaves the collection as
// it was.
type loadResult struct {
	entries []Entry
	failed  bool
	done    chan struct{}
}

type feed struct {
	id      string
	table   string
	filter  Filter
	coll    *Collection
	sub     Subscription
	refs    int
	limiter *rate.Limiter

	cancel    context.CancelFunc
	done      chan struct{}
	loadStart chan struct{}
	loadEnd   chan loadResult
	stopOnce  sync.Once

	applied    atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
	lastEvent  atomic.Int64
}

// FeedStatus describes one open feed.
type FeedStatus struct {
	Table       string     `json:"table"`
	Filter      string     `json:"filter,omitempty"`
	Rows        int        `json:"rows"`
	Subscribers int        `json:"subscribers"`
	Stale       bool       `json:"stale"`
	StaleSince  *time.Time `json:"stale_since,omitempty"`
	Applied     uint64     `json:"applied"`
	Dropped     uint64     `json:"dropped"`
	Reconnects  uint64     `json:"reconnects"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = "id"
	}
	if cfg.RefetchEvery <= 0 {
		cfg.RefetchEvery = 5 * time.Second
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = diagnostics.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger.With("component", diagnostics.ComponentFeed),
		feeds:  make(map[string]*feed),
	}
}

func feedID(table string, filter Filter) string {
	if filter.IsZero() {
		return table
	}
	return table + "?" + filter.String()
}

// Subscribe returns the live collection for table, opening the feed if this
// is the first consumer. The caller must invoke release when done; ctx only
// bounds opening the stream.
func (h *Hub) Subscribe(ctx context.Context, table string, filter Filter) (*Collection, func(), error) {
	if table == "" {
		return nil, nil, fmt.Errorf("table is required")
	}
	id := feedID(table, filter)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	if f, ok := h.feeds[id]; ok {
		f.refs++
		h.mu.Unlock()
		return f.coll, h.releaser(f), nil
	}
	h.mu.Unlock()

	// Opening the stream does network I/O and must not hold up readers of
	// other feeds.
	sub, err := h.cfg.Source.Subscribe(ctx, table, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", id, err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.closeUnused(table, sub)
		return nil, nil, ErrHubClosed
	}
	if f, ok := h.feeds[id]; ok {
		// Lost the race to a concurrent Subscribe for the same feed.
		f.refs++
		h.mu.Unlock()
		h.closeUnused(table, sub)
		return f.coll, h.releaser(f), nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f := &feed{
		id:        id,
		table:     table,
		filter:    filter,
		coll:      NewCollection(table),
		sub:       sub,
		refs:      1,
		limiter:   rate.NewLimiter(rate.Every(h.cfg.RefetchEvery), 1),
		cancel:    cancel,
		done:      make(chan struct{}),
		loadStart: make(chan struct{}),
		loadEnd:   make(chan loadResult),
	}
	h.feeds[id] = f
	h.mu.Unlock()

	go h.run(runCtx, f)
	h.logger.Info("feed opened", "table", table, "filter", filter.String())
	return f.coll, h.releaser(f), nil
}

func (h *Hub) releaser(f *feed) func() {
	var once sync.Once
	return func() {
		once.Do(func() { h.release(f) })
	}
}

func (h *Hub) closeUnused(table string, sub Subscription) {
	if err := sub.Close(); err != nil {
		h.logger.Warn("failed to close unused subscription", "table", table, "error", err)
	}
}

func (h *Hub) release(f *feed) {
	h.mu.Lock()
	f.refs--
	last := f.refs == 0
	if last && h.feeds[f.id] == f {
		delete(h.feeds, f.id)
	}
	h.mu.Unlock()

	if last {
		h.stop(f)
		h.logger.Info("feed closed", "table", f.table, "filter", f.filter.String())
	}
}

func (h *Hub) stop(f *feed) {
	f.stopOnce.Do(func() {
		f.cancel()
		if err := f.sub.Close(); err != nil {
			h.record(f, diagnostics.LevelWarn, "feed_close_failed", "", err)
		}
		<-f.done
		metrics.CollectionSize.DeleteLabelValues(f.id)
	})
}

// Collection returns the collection of an open feed.
func (h *Hub) Collection(table string, filter Filter) (*Collection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[feedID(table, filter)]
	if !ok {
		return nil, false
	}
	return f.coll, true
}

// run is the single writer of f.coll. While a refetch is loading, applied
// events are also kept in pending so they survive the reload.
func (h *Hub) run(ctx context.Context, f *feed) {
	defer close(f.done)

	var (
		loading int
		pending []ChangeEvent
	)
	events := f.sub.Events()
	reconnects := f.sub.Reconnects()
	for {
		select {
		case <-ctx.Done():
			return

		case data, ok := <-events:
			if !ok {
				h.record(f, diagnostics.LevelWarn, "feed_ended", "transport closed the stream", nil)
				return
			}
			if ev, ok := h.handle(f, data); ok && loading > 0 {
				pending = append(pending, ev)
			}

		case _, ok := <-reconnects:
			if !ok {
				reconnects = nil
				continue
			}
			f.reconnects.Add(1)
			f.coll.MarkStale(h.cfg.Now().UTC())
			metrics.FeedReconnects.WithLabelValues(f.table).Inc()
			h.record(f, diagnostics.LevelWarn, "feed_reconnected", "events may have been missed, refetch required", nil)

		case <-f.loadStart:
			loading++

		case res := <-f.loadEnd:
			if !res.failed {
				f.coll.Replace(res.entries)
				for _, ev := range pending {
					h.apply(f, ev)
				}
				if len(pending) > 0 {
					h.record(f, diagnostics.LevelInfo, "refetch_replayed", fmt.Sprintf("%d events received during the load", len(pending)), nil)
				}
				metrics.CollectionSize.WithLabelValues(f.id).Set(float64(f.coll.Len()))
			}
			if loading--; loading == 0 {
				pending = nil
			}
			close(res.done)
		}
	}
}

// handle decodes and applies one notification, returning the decoded event.
// A bad payload never takes the feed down.
func (h *Hub) handle(f *feed, data []byte) (ev ChangeEvent, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.dropped.Add(1)
			metrics.FeedDropped.WithLabelValues(f.table, "panic").Inc()
			h.record(f, diagnostics.LevelError, "event_panic", fmt.Sprint(r), nil)
			ok = false
		}
	}()

	ev, err := DecodeEvent(f.table, h.cfg.KeyColumn, data)
	if err != nil {
		f.dropped.Add(1)
		metrics.FeedDropped.WithLabelValues(f.table, "malformed").Inc()
		h.record(f, diagnostics.LevelWarn, "malformed_event", "", err)
		return ChangeEvent{}, false
	}

	if !h.apply(f, ev) {
		f.dropped.Add(1)
		metrics.FeedDropped.WithLabelValues(f.table, "filtered").Inc()
		return ev, true
	}
	f.applied.Add(1)
	f.lastEvent.Store(h.cfg.Now().UnixNano())
	metrics.FeedEvents.WithLabelValues(f.table, string(ev.Type)).Inc()
	metrics.CollectionSize.WithLabelValues(f.id).Set(float64(f.coll.Len()))
	return ev, true
}

// apply folds ev into f.coll. Filtered feeds judge updates by the merged
// row; a held row that stops matching is removed. It reports false when the
// event was dropped by the filter.
func (h *Hub) apply(f *feed, ev ChangeEvent) bool {
	if !f.filter.IsZero() && ev.Type != Delete {
		row := ev.Payload
		held, ok := f.coll.Get(ev.Key)
		if ok && ev.Type == Update {
			maps.Copy(held, ev.Payload)
			row = held
		}
		if !f.filter.Matches(row) {
			if !ok {
				return false
			}
			ev = ChangeEvent{Table: ev.Table, Type: Delete, Key: ev.Key}
		}
	}
	f.coll.Apply(ev)
	return true
}

// Refetch reloads the full content of an open feed through the Loader and
// clears its stale flag. Events that arrive while the load is running are
// replayed on top of the loaded rows. Calls are rate limited per feed.
func (h *Hub) Refetch(ctx context.Context, table string, filter Filter) error {
	h.mu.Lock()
	f, ok := h.feeds[feedID(table, filter)]
	h.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}
	if h.cfg.Loader == nil {
		return ErrNoLoader
	}
	if !f.limiter.Allow() {
		metrics.Refetches.WithLabelValues(table, "throttled").Inc()
		return ErrRefetchThrottled
	}

	select {
	case f.loadStart <- struct{}{}:
	case <-f.done:
		return ErrNotSubscribed
	case <-ctx.Done():
		return ctx.Err()
	}

	rows, err := h.cfg.Loader.Load(ctx, table, filter)
	if err != nil {
		h.endLoad(f, loadResult{failed: true})
		metrics.Refetches.WithLabelValues(table, "error").Inc()
		h.record(f, diagnostics.LevelWarn, "refetch_failed", "", err)
		return fmt.Errorf("refetch %s: %w", f.id, err)
	}

	entries := make([]Entry, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		key, ok := KeyOf(row[h.cfg.KeyColumn])
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, Entry{Key: key, Row: row})
	}
	if skipped > 0 {
		h.record(f, diagnostics.LevelWarn, "refetch_rows_skipped", fmt.Sprintf("%d rows without %s", skipped, h.cfg.KeyColumn), nil)
	}

	if !h.endLoad(f, loadResult{entries: entries}) {
		return ErrNotSubscribed
	}

	metrics.Refetches.WithLabelValues(table, "ok").Inc()
	h.record(f, diagnostics.LevelInfo, "refetched", fmt.Sprintf("%d rows", len(entries)), nil)
	return nil
}

// endLoad hands res to the feed goroutine and waits for it to be applied. It
// reports false when the feed stopped first.
func (h *Hub) endLoad(f *feed, res loadResult) bool {
	res.done = make(chan struct{})
	select {
	case f.loadEnd <- res:
	case <-f.done:
		return false
	}
	select {
	case <-res.done:
		return true
	case <-f.done:
		return false
	}
}

// RefetchAll reloads every open feed. Throttled feeds are skipped.
func (h *Hub) RefetchAll(ctx context.Context) error {
	h.mu.Lock()
	targets := make([]*feed, 0, len(h.feeds))
	for _, f := range h.feeds {
		targets = append(targets, f)
	}
	h.mu.Unlock()

	var errs []error
	for _, f := range targets {
		if err := h.Refetch(ctx, f.table, f.filter); err != nil && !errors.Is(err, ErrRefetchThrottled) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Statuses lists open feeds ordered by table then filter.
func (h *Hub) Statuses() []FeedStatus {
	h.mu.Lock()
	out := make([]FeedStatus, 0, len(h.feeds))
	for _, f := range h.feeds {
		st := FeedStatus{
			Table:       f.table,
			Filter:      f.filter.String(),
			Rows:        f.coll.Len(),
			Subscribers: f.refs,
			Applied:     f.applied.Load(),
			Dropped:     f.dropped.Load(),
			Reconnects:  f.reconnects.Load(),
		}
		if stale, since := f.coll.Stale(); stale {
			st.Stale = true
			st.StaleSince = &since
		}
		if ns := f.lastEvent.Load(); ns != 0 {
			t := time.Unix(0, ns).UTC()
			st.LastEventAt = &t
		}
		out = append(out, st)
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Filter < out[j].Filter
	})
	return out
}

// Close stops every feed regardless of outstanding subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	feeds := h.feeds
	h.feeds = make(map[string]*feed)
	h.mu.Unlock()

	for _, f := range feeds {
		h.stop(f)
	}
}

func (h *Hub) record(f *feed, level diagnostics.Level, event, msg string, err error) {
	rec := diagnostics.Record{
		Level:     level,
		Component: diagnostics.ComponentFeed,
		Event:     event,
		Table:     f.table,
		Message:   msg,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	h.cfg.Diagnostics.Record(rec)
}
