package domain

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleDMA       Role = "DMA"
	RoleNGO       Role = "NGO"
	RoleVolunteer Role = "VOLUNTEER"
	RoleCitizen   Role = "CITIZEN"
)

// ParseRole accepts role names case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDMA, RoleNGO, RoleVolunteer, RoleCitizen:
		return true
	}
	return false
}

// DashboardRoute is the landing page for the role.
func (r Role) DashboardRoute() string {
	switch r {
	case RoleAdmin:
		return "/admin"
	case RoleDMA:
		return "/dma-dashboard"
	case RoleNGO:
		return "/ngo-dashboard"
	case RoleVolunteer:
		return "/volunteer-dashboard"
	default:
		return "/dashboard"
	}
}

type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Scope is the geographic reach of a permission, ordered
// own < district < state < national.
type Scope string

const (
	ScopeOwn      Scope = "own"
	ScopeDistrict Scope = "district"
	ScopeState    Scope = "state"
	ScopeNational Scope = "national"
)

func (s Scope) level() int {
	switch s {
	case ScopeOwn:
		return 0
	case ScopeDistrict:
		return 1
	case ScopeState:
		return 2
	case ScopeNational:
		return 3
	}
	return -1
}

// Covers reports whether a permission granted at s satisfies required.
func (s Scope) Covers(required Scope) bool {
	if s.level() < 0 || required.level() < 0 {
		return false
	}
	return s.level() >= required.level()
}

type Permission struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Action   Action `json:"action"`
	Scope    Scope  `json:"scope"`
}

var rolePermissions = map[Role][]Permission{
	RoleCitizen: {
		{ID: "1", Name: "view_alerts", Resource: "alerts", Action: ActionRead, Scope: ScopeOwn},
		{ID: "2", Name: "submit_feedback", Resource: "feedback", Action: ActionCreate, Scope: ScopeOwn},
		{ID: "3", Name: "view_training_schedule", Resource: "training", Action: ActionRead, Scope: ScopeDistrict},
		{ID: "4", Name: "register_for_training", Resource: "training_registration", Action: ActionCreate, Scope: ScopeOwn},
	},
	RoleVolunteer: {
		{ID: "5", Name: "view_volunteer_dashboard", Resource: "volunteer_dashboard", Action: ActionRead, Scope: ScopeDistrict},
		{ID: "6", Name: "update_training_attendance", Resource: "training_attendance", Action: ActionUpdate, Scope: ScopeDistrict},
		{ID: "7", Name: "create_rescue_reports", Resource: "rescue_reports", Action: ActionCreate, Scope: ScopeDistrict},
		{ID: "8", Name: "view_emergency_contacts", Resource: "emergency_contacts", Action: ActionRead, Scope: ScopeDistrict},
	},
	RoleNGO: {
		{ID: "9", Name: "manage_ngo_training", Resource: "training_programs", Action: ActionCreate, Scope: ScopeDistrict},
		{ID: "10", Name: "view_ngo_analytics", Resource: "ngo_analytics", Action: ActionRead, Scope: ScopeDistrict},
		{ID: "11", Name: "manage_volunteers", Resource: "volunteers", Action: ActionUpdate, Scope: ScopeDistrict},
		{ID: "12", Name: "export_ngo_reports", Resource: "reports", Action: ActionRead, Scope: ScopeDistrict},
	},
	RoleDMA: {
		{ID: "13", Name: "manage_district_operations", Resource: "district_operations", Action: ActionUpdate, Scope: ScopeDistrict},
		{ID: "14", Name: "coordinate_rescue_teams", Resource: "rescue_coordination", Action: ActionUpdate, Scope: ScopeDistrict},
		{ID: "15", Name: "view_district_analytics", Resource: "district_analytics", Action: ActionRead, Scope: ScopeDistrict},
		{ID: "16", Name: "manage_shelters", Resource: "shelters", Action: ActionUpdate, Scope: ScopeDistrict},
		{ID: "17", Name: "manage_state_operations", Resource: "state_operations", Action: ActionUpdate, Scope: ScopeState},
		{ID: "18", Name: "coordinate_district_teams", Resource: "district_coordination", Action: ActionUpdate, Scope: ScopeState},
		{ID: "19", Name: "view_state_analytics", Resource: "state_analytics", Action: ActionRead, Scope: ScopeState},
		{ID: "20", Name: "manage_state_resources", Resource: "state_resources", Action: ActionUpdate, Scope: ScopeState},
	},
	RoleAdmin: {
		{ID: "21", Name: "manage_all_operations", Resource: "all_operations", Action: ActionUpdate, Scope: ScopeNational},
		{ID: "22", Name: "view_national_analytics", Resource: "national_analytics", Action: ActionRead, Scope: ScopeNational},
		{ID: "23", Name: "manage_system_config", Resource: "system_config", Action: ActionUpdate, Scope: ScopeNational},
		{ID: "24", Name: "manage_users", Resource: "users", Action: ActionUpdate, Scope: ScopeNational},
	},
}

// PermissionsFor returns a copy of the permissions granted to role.
// Unknown roles get none.
func PermissionsFor(role Role) []Permission {
	perms := rolePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}
