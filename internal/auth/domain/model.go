package domain

import (
	"fmt"
	"strings"
	"time"
)

// Identity is an authenticated principal as reported by the identity provider.
// It contains facts only, no decisions.
type Identity struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	DisplayName   string  `json:"display_name"`
	Phone         *string `json:"phone,omitempty"`
	EmailVerified bool    `json:"email_verified"`
}

// ProfileSource tells whether a profile came from the profile store or was
// synthesized locally as a fallback.
type ProfileSource string

const (
	SourcePersisted   ProfileSource = "persisted"
	SourceSynthesized ProfileSource = "synthesized"
)

const (
	UnknownArea  = "Unknown"
	NationalArea = "National"
)

// Profile is the role record attached to an identity.
// Permissions are never stored; see Permissions.
type Profile struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	Name         string        `json:"name"`
	Role         Role          `json:"role"`
	District     string        `json:"district"`
	State        string        `json:"state"`
	Organization *string       `json:"organization,omitempty"`
	Phone        *string       `json:"phone,omitempty"`
	IsActive     bool          `json:"is_active"`
	CreatedAt    time.Time     `json:"created_at"`
	LastLogin    *time.Time    `json:"last_login,omitempty"`
	Source       ProfileSource `json:"source"`
}

// ProfileParams is the input to NewProfile. Optional fields left at their zero
// value receive the defaults documented on NewProfile.
type ProfileParams struct {
	ID           string
	Email        string
	Name         string
	Role         Role
	District     string
	State        string
	Organization *string
	Phone        *string
	IsActive     *bool
	CreatedAt    time.Time
	LastLogin    *time.Time
	Source       ProfileSource
}

// NewProfile builds a Profile and is the only place profile defaults live.
//
// ID, Email and a valid Role are required. Defaults:
//   - Name: the local part of Email
//   - District, State: "Unknown"
//   - IsActive: true
//   - CreatedAt: current UTC time
//   - Source: synthesized
func NewProfile(p ProfileParams) (*Profile, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return nil, ErrProfileIDRequired
	}
	email := strings.TrimSpace(p.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	if !p.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}

	profile := &Profile{
		ID:           id,
		Email:        email,
		Name:         strings.TrimSpace(p.Name),
		Role:         p.Role,
		District:     strings.TrimSpace(p.District),
		State:        strings.TrimSpace(p.State),
		Organization: nonEmpty(p.Organization),
		Phone:        nonEmpty(p.Phone),
		IsActive:     true,
		CreatedAt:    p.CreatedAt,
		LastLogin:    p.LastLogin,
		Source:       p.Source,
	}
	if profile.Name == "" {
		profile.Name = localPart(email)
	}
	if profile.District == "" {
		profile.District = UnknownArea
	}
	if profile.State == "" {
		profile.State = UnknownArea
	}
	if p.IsActive != nil {
		profile.IsActive = *p.IsActive
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	if profile.Source == "" {
		profile.Source = SourceSynthesized
	}
	return profile, nil
}

// Permissions returns the permission set granted by the profile's role.
func (p *Profile) Permissions() []Permission {
	return PermissionsFor(p.Role)
}

// Persisted reports whether the profile is authoritative.
func (p *Profile) Persisted() bool {
	return p.Source == SourcePersisted
}

// HasPermission checks for a permission on resource/action. An empty scope
// matches any scope; otherwise the granted scope must cover it.
func (p *Profile) HasPermission(resource string, action Action, scope Scope) bool {
	for _, perm := range p.Permissions() {
		if perm.Resource != resource || perm.Action != action {
			continue
		}
		if scope == "" || perm.Scope.Covers(scope) {
			return true
		}
	}
	return false
}

// CanAccessArea reports whether the profile may see data for the given area.
// Empty arguments are not constrained.
func (p *Profile) CanAccessArea(district, state string) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleDMA:
		return (district == "" || p.District == district) && (state == "" || p.State == state)
	case RoleCitizen, RoleVolunteer, RoleNGO:
		return district == "" || p.District == district
	default:
		return false
	}
}

// DataFilters returns the column filters a dashboard should apply for this
// profile. Admins get no filters.
func (p *Profile) DataFilters() map[string]string {
	switch p.Role {
	case RoleAdmin:
		return map[string]string{}
	case RoleNGO, RoleDMA:
		return map[string]string{"district": p.District, "state": p.State}
	default:
		return map[string]string{"district": p.District}
	}
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// ProfileSeed is the minimal row written to the profile store on sign-in.
// It never carries a role decision beyond the default.
type ProfileSeed struct {
	ID    string
	Email string
	Name  string
	Phone *string
	Role  Role
}

// SeedFromIdentity builds the default citizen row for an identity.
func SeedFromIdentity(id Identity) ProfileSeed {
	return ProfileSeed{
		ID:    id.ID,
		Email: id.Email,
		Name:  id.DisplayName,
		Phone: id.Phone,
		Role:  RoleCitizen,
	}
}
