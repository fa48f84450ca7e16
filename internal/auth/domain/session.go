package domain

// ResolutionState is the outcome of profile resolution for the current identity.
type ResolutionState string

const (
	StateUnresolved ResolutionState = "UNRESOLVED"
	StateResolving  ResolutionState = "RESOLVING"
	StateResolved   ResolutionState = "RESOLVED"
	StateFallback   ResolutionState = "FALLBACK"
	StateFailed     ResolutionState = "FAILED"
)

// Session is an immutable snapshot of authentication truth.
// Identity == nil implies Profile == nil.
type Session struct {
	Identity *Identity       `json:"identity"`
	Profile  *Profile        `json:"profile"`
	Loading  bool            `json:"loading"`
	State    ResolutionState `json:"state"`
}

// SignedOut is the terminal session with no identity.
func SignedOut() Session {
	return Session{State: StateUnresolved}
}

func (s Session) Authenticated() bool {
	return s.Identity != nil
}

// Degraded is true when the profile was synthesized instead of read from the
// profile store.
func (s Session) Degraded() bool {
	return s.State == StateFallback
}

// HasRole reports whether the session has a profile with one of roles.
func (s Session) HasRole(roles ...Role) bool {
	if s.Profile == nil {
		return false
	}
	for _, r := range roles {
		if s.Profile.Role == r {
			return true
		}
	}
	return false
}
