// Package session owns the single authenticated Session of the process and
// reconciles it against the profile store.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
	"github.com/janrakshak/identity-sync/internal/auth/identity"
	"github.com/janrakshak/identity-sync/internal/diagnostics"
	"github.com/janrakshak/identity-sync/internal/metrics"
)

var (
	ErrBridgeStopped = errors.New("session bridge is not running")
	ErrBridgeRunning = errors.New("session bridge is already running")
)

type result struct {
	identity domain.Identity
	res      Resolution
}

// Bridge keeps the Session consistent with the identity source. A single
// goroutine (Run) is the only writer; everyone else reads snapshots.
type Bridge struct {
	source   identity.Source
	store    ProfileStore
	resolver *Resolver
	diag     diagnostics.Sink
	logger   *slog.Logger

	events  chan identity.Event
	results chan result
	refresh chan struct{}
	done    chan struct{}
	running atomic.Bool
	flights sync.WaitGroup

	current atomic.Pointer[domain.Session]

	watchMu     sync.Mutex
	watchers    map[int]chan domain.Session
	nextWatcher int
}

type BridgeConfig struct {
	Source      identity.Source
	Store       ProfileStore
	Resolver    *Resolver
	Diagnostics diagnostics.Sink
	Logger      *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = diagnostics.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(cfg.Store, WithDiagnostics(cfg.Diagnostics))
	}

	b := &Bridge{
		source:   cfg.Source,
		store:    cfg.Store,
		resolver: cfg.Resolver,
		diag:     cfg.Diagnostics,
		logger:   cfg.Logger.With("component", diagnostics.ComponentBridge),
		events:   make(chan identity.Event, 64),
		results:  make(chan result),
		refresh:  make(chan struct{}),
		done:     make(chan struct{}),
		watchers: make(map[int]chan domain.Session),
	}
	initial := domain.SignedOut()
	b.current.Store(&initial)
	return b
}

// Snapshot returns the current session. Safe for concurrent use.
func (b *Bridge) Snapshot() domain.Session {
	return *b.current.Load()
}

// Run subscribes to the identity source and processes events until ctx is
// cancelled. It waits for in-flight resolutions before returning.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrBridgeRunning
	}

	unsubscribe := b.source.Subscribe(func(ev identity.Event) {
		select {
		case b.events <- ev:
		case <-b.done:
		}
	})
	defer func() {
		unsubscribe()
		close(b.done)
		b.flights.Wait()
		b.resolver.Drain()
		b.closeWatchers()
	}()

	b.logger.Info("session bridge started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("session bridge stopped")
			return nil
		case ev := <-b.events:
			b.handleIdentity(ctx, ev)
		case r := <-b.results:
			b.settle(r)
		case <-b.refresh:
			b.handleRefresh(ctx)
		}
	}
}

// Refresh re-resolves the profile of the current identity.
func (b *Bridge) Refresh(ctx context.Context) error {
	if !b.running.Load() {
		return ErrBridgeStopped
	}
	select {
	case b.refresh <- struct{}{}:
		return nil
	case <-b.done:
		return ErrBridgeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch streams session snapshots, starting with the current one. A slow
// watcher only ever sees the latest snapshot.
func (b *Bridge) Watch() (<-chan domain.Session, func()) {
	ch := make(chan domain.Session, 1)

	b.watchMu.Lock()
	ch <- b.Snapshot()
	if b.watchers == nil {
		b.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextWatcher
	b.nextWatcher++
	b.watchers[id] = ch
	b.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.watchMu.Lock()
			defer b.watchMu.Unlock()
			if w, ok := b.watchers[id]; ok {
				delete(b.watchers, id)
				close(w)
			}
		})
	}
}

func (b *Bridge) handleIdentity(ctx context.Context, ev identity.Event) {
	switch ev.Type {
	case identity.SignedOut:
		b.publish(domain.SignedOut())
		b.logger.Info("signed out")

	case identity.TokenRefreshed:
		cur := b.Snapshot()
		if ev.Identity != nil && cur.Identity != nil && cur.Identity.ID == ev.Identity.ID {
			id := *ev.Identity
			b.publish(domain.Session{Identity: &id, Profile: cur.Profile, Loading: true, State: cur.State})
			b.startResolution(ctx, id, false)
			return
		}
		b.signIn(ctx, ev.Identity)

	case identity.SignedIn:
		b.signIn(ctx, ev.Identity)

	default:
		b.record(diagnostics.LevelWarn, "unknown_identity_event", "", string(ev.Type), nil)
	}
}

func (b *Bridge) signIn(ctx context.Context, ident *domain.Identity) {
	if ident == nil || ident.ID == "" {
		b.record(diagnostics.LevelWarn, "invalid_identity_event", "", "sign-in without identity", nil)
		return
	}
	id := *ident
	b.publish(domain.Session{Identity: &id, Loading: true, State: domain.StateResolving})
	b.logger.Info("signed in", "identity_id", id.ID)
	b.startResolution(ctx, id, true)
}

func (b *Bridge) handleRefresh(ctx context.Context) {
	cur := b.Snapshot()
	if cur.Identity == nil {
		b.record(diagnostics.LevelInfo, "refresh_ignored", "", "no identity", nil)
		return
	}
	next := cur
	next.Loading = true
	b.publish(next)
	b.startResolution(ctx, *cur.Identity, false)
}

// startResolution runs upsert and resolution off the bridge goroutine and
// reports back on the results channel.
func (b *Bridge) startResolution(ctx context.Context, id domain.Identity, upsert bool) {
	b.flights.Add(1)
	go func() {
		defer b.flights.Done()

		var upsertErr error
		if upsert && id.Email != "" {
			if upsertErr = b.store.UpsertProfile(ctx, domain.SeedFromIdentity(id)); upsertErr != nil {
				metrics.UpsertFailures.Inc()
				b.record(diagnostics.LevelWarn, "profile_upsert_failed", id.ID, "", upsertErr)
			}
		}

		res := b.resolver.Resolve(ctx, id, upsertErr)
		select {
		case b.results <- result{identity: id, res: res}:
		case <-b.done:
		}
	}()
}

// settle applies a resolution if it still belongs to the current identity.
func (b *Bridge) settle(r result) {
	cur := b.Snapshot()
	if cur.Identity == nil || cur.Identity.ID != r.identity.ID {
		metrics.StaleResolutions.Inc()
		b.record(diagnostics.LevelInfo, "stale_resolution", r.identity.ID, "identity changed before resolution settled", nil)
		return
	}

	if r.res.Transient() && cur.Profile != nil && cur.Profile.ID == cur.Identity.ID {
		next := cur
		next.Loading = false
		b.publish(next)
		b.record(diagnostics.LevelWarn, "profile_retained", r.identity.ID, "transient failure, keeping previous profile", r.res.Err)
		return
	}

	b.publish(domain.Session{
		Identity: cur.Identity,
		Profile:  r.res.Profile,
		Loading:  false,
		State:    r.res.State,
	})
	b.logger.Info("session resolved", "identity_id", r.identity.ID, "state", r.res.State)
}

func (b *Bridge) publish(s domain.Session) {
	b.current.Store(&s)

	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for _, ch := range b.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (b *Bridge) closeWatchers() {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for id, ch := range b.watchers {
		delete(b.watchers, id)
		close(ch)
	}
	b.watchers = nil
}

func (b *Bridge) record(level diagnostics.Level, event, identityID, msg string, err error) {
	rec := diagnostics.Record{
		Level:      level,
		Component:  diagnostics.ComponentBridge,
		Event:      event,
		IdentityID: identityID,
		Message:    msg,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	b.diag.Record(rec)
}
