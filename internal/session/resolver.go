package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
	"github.com/janrakshak/identity-sync/internal/diagnostics"
	"github.com/janrakshak/identity-sync/internal/metrics"
)

// DefaultAdminOrganization labels synthesized administrator profiles.
const DefaultAdminOrganization = "National Disaster Management Authority"

// ProfileStore is the secondary store holding authoritative profile rows.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
	UpsertProfile(ctx context.Context, seed domain.ProfileSeed) error
	UpdateLastLogin(ctx context.Context, id string) error
}

// Resolution is the terminal outcome of resolving one identity.
type Resolution struct {
	IdentityID string
	State      domain.ResolutionState
	Profile    *domain.Profile
	// Err is the lookup error that led to fallback synthesis, if any.
	Err error
}

// Transient reports whether the lookup failed for a reason worth retrying.
func (r Resolution) Transient() bool {
	return errors.Is(r.Err, domain.ErrTransient)
}

type ResolverOption func(*Resolver)

// WithAdminEmails sets the allow-list for administrative fallback profiles.
// Comparison is case-insensitive on trimmed addresses.
func WithAdminEmails(emails ...string) ResolverOption {
	return func(r *Resolver) {
		for _, e := range emails {
			if e = normalizeEmail(e); e != "" {
				r.admins[e] = struct{}{}
			}
		}
	}
}

func WithAdminOrganization(org string) ResolverOption {
	return func(r *Resolver) {
		if org != "" {
			r.adminOrg = org
		}
	}
}

func WithDiagnostics(sink diagnostics.Sink) ResolverOption {
	return func(r *Resolver) {
		if sink != nil {
			r.diag = sink
		}
	}
}

// WithClock overrides the time source used for synthesized CreatedAt values.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver turns an identity into a profile, falling back to a synthesized
// profile when the store has nothing usable. It never returns an error.
type Resolver struct {
	store    ProfileStore
	admins   map[string]struct{}
	adminOrg string
	diag     diagnostics.Sink
	now      func() time.Time

	background sync.WaitGroup
}

func NewResolver(store ProfileStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		admins:   make(map[string]struct{}),
		adminOrg: DefaultAdminOrganization,
		diag:     diagnostics.Discard,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsAdmin reports whether email is on the administrative allow-list.
func (r *Resolver) IsAdmin(email string) bool {
	_, ok := r.admins[normalizeEmail(email)]
	return ok
}

// Resolve runs the fallback chain for id. upsertErr is the result of the
// sign-in upsert; an access-denied upsert skips the lookup entirely.
func (r *Resolver) Resolve(ctx context.Context, id domain.Identity, upsertErr error) Resolution {
	res := r.resolve(ctx, id, upsertErr)
	res.IdentityID = id.ID
	metrics.Resolutions.WithLabelValues(string(res.State)).Inc()
	return res
}

func (r *Resolver) resolve(ctx context.Context, id domain.Identity, upsertErr error) Resolution {
	if strings.TrimSpace(id.Email) == "" {
		r.record(diagnostics.LevelWarn, "resolution_failed", id.ID, "identity has no email", nil)
		return Resolution{State: domain.StateFailed}
	}

	if errors.Is(upsertErr, domain.ErrAccessDenied) {
		r.record(diagnostics.LevelWarn, "lookup_skipped", id.ID, "upsert denied by store policy", upsertErr)
		return r.fallback(id, upsertErr)
	}

	profile, err := r.store.GetProfile(ctx, id.ID)
	if err == nil && profile == nil {
		err = domain.ErrProfileNotFound
	}
	switch {
	case err == nil && profile.ID != id.ID:
		err = errors.New("store returned profile " + profile.ID)
		r.record(diagnostics.LevelError, "profile_id_mismatch", id.ID, "", err)
		return r.fallback(id, err)
	case err == nil:
		r.touchLastLogin(ctx, id.ID)
		return Resolution{State: domain.StateResolved, Profile: profile}
	case errors.Is(err, domain.ErrProfileNotFound):
		r.record(diagnostics.LevelInfo, "profile_not_found", id.ID, "no stored profile, synthesizing fallback", nil)
	case errors.Is(err, domain.ErrAccessDenied):
		r.record(diagnostics.LevelWarn, "profile_access_denied", id.ID, "", err)
	case errors.Is(err, domain.ErrTransient):
		r.record(diagnostics.LevelWarn, "profile_lookup_transient", id.ID, "", err)
	default:
		r.record(diagnostics.LevelWarn, "profile_lookup_failed", id.ID, "", err)
	}

	res := r.fallback(id, err)
	if errors.Is(err, domain.ErrProfileNotFound) {
		res.Err = nil
	}
	return res
}

// fallback synthesizes a transient profile. It is never written back.
func (r *Resolver) fallback(id domain.Identity, cause error) Resolution {
	params := domain.ProfileParams{
		ID:        id.ID,
		Email:     id.Email,
		Name:      id.DisplayName,
		Role:      domain.RoleCitizen,
		District:  domain.UnknownArea,
		State:     domain.UnknownArea,
		Phone:     id.Phone,
		CreatedAt: r.now().UTC(),
		Source:    domain.SourceSynthesized,
	}
	if r.IsAdmin(id.Email) {
		org := r.adminOrg
		params.Role = domain.RoleAdmin
		params.District = domain.NationalArea
		params.State = domain.NationalArea
		params.Organization = &org
	}

	profile, err := domain.NewProfile(params)
	if err != nil {
		r.record(diagnostics.LevelError, "resolution_failed", id.ID, "fallback synthesis failed", err)
		return Resolution{State: domain.StateFailed, Err: cause}
	}
	return Resolution{State: domain.StateFallback, Profile: profile, Err: cause}
}

func (r *Resolver) touchLastLogin(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		if err := r.store.UpdateLastLogin(ctx, id); err != nil {
			r.record(diagnostics.LevelWarn, "last_login_failed", id, "", err)
		}
	}()
}

// Drain blocks until background last-login updates have finished.
func (r *Resolver) Drain() {
	r.background.Wait()
}

func (r *Resolver) record(level diagnostics.Level, event, identityID, msg string, err error) {
	rec := diagnostics.Record{
		Level:      level,
		Component:  diagnostics.ComponentResolver,
		Event:      event,
		IdentityID: identityID,
		Message:    msg,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	r.diag.Record(rec)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
