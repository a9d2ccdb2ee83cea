package access

import "time"

// Governance says where a role may operate: national roles match every
// region, regional roles only the regions they were delegated.
type Governance string

const (
	GovernanceNational Governance = "national"
	GovernanceRegional Governance = "regional"
)

func (g Governance) Valid() bool {
	return g == GovernanceNational || g == GovernanceRegional
}

// AccessLevel qualifies a user's regional scope. The resolver only cares that
// a valid scope exists; the level is carried for the data layer.
type AccessLevel string

const (
	AccessFull    AccessLevel = "full"
	AccessRead    AccessLevel = "read"
	AccessLimited AccessLevel = "limited"
)

func (l AccessLevel) Valid() bool {
	return l == AccessFull || l == AccessRead || l == AccessLimited
}

// GrantScope is an opaque discriminator stored per grant. Downstream business
// logic uses it to filter data rows; it never influences Check.
type GrantScope string

const (
	ScopeAll GrantScope = "all"
	ScopeOwn GrantScope = "own"
)

func (s GrantScope) Valid() bool {
	return s == ScopeAll || s == ScopeOwn
}

// Module is a node in the permissionable-resource forest.
type Module struct {
	Code             string    `json:"code"`
	Name             string    `json:"name"`
	ParentCode       string    `json:"parent_code,omitempty"`
	AvailableActions ActionSet `json:"available_actions"`
	Active           bool      `json:"active"`
	SortOrder        int       `json:"sort_order"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Role is a named permission bundle.
type Role struct {
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	Level          int        `json:"level"`
	Governance     Governance `json:"governance"`
	AllowedRegions []string   `json:"allowed_regions,omitempty"`
	System         bool       `json:"system"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AllowsRegion reports whether the role's governance admits the region.
// National roles admit everything.
func (r Role) AllowsRegion(regionCode string) bool {
	if r.Governance == GovernanceNational {
		return true
	}
	for _, rc := range r.AllowedRegions {
		if rc == regionCode {
			return true
		}
	}
	return false
}

// Grant is the (role, module) permission edge.
type Grant struct {
	RoleCode       string     `json:"role_code"`
	ModuleCode     string     `json:"module_code"`
	EnabledActions ActionSet  `json:"enabled_actions"`
	Scope          GrantScope `json:"scope"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RoleAssignment records a user's primary and additional roles. The effective
// role set for authorization is primary plus additionals.
type RoleAssignment struct {
	UserID          string    `json:"user_id"`
	PrimaryRole     string    `json:"primary_role,omitempty"`
	AdditionalRoles []string  `json:"additional_roles,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EffectiveRoles returns the deduplicated union of primary and additional
// role codes.
func (a RoleAssignment) EffectiveRoles() []string {
	seen := make(map[string]struct{}, len(a.AdditionalRoles)+1)
	var out []string
	if a.PrimaryRole != "" {
		seen[a.PrimaryRole] = struct{}{}
		out = append(out, a.PrimaryRole)
	}
	for _, rc := range a.AdditionalRoles {
		if _, ok := seen[rc]; ok {
			continue
		}
		seen[rc] = struct{}{}
		out = append(out, rc)
	}
	return out
}

// RegionalScope is a per (user, region) entitlement record.
type RegionalScope struct {
	UserID     string      `json:"user_id"`
	RegionCode string      `json:"region_code"`
	Level      AccessLevel `json:"access_level"`
	Primary    bool        `json:"is_primary"`
	Active     bool        `json:"active"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// ValidAt reports whether the scope entitles the user at the given instant.
func (s RegionalScope) ValidAt(at time.Time) bool {
	if !s.Active {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(at) {
		return false
	}
	return true
}

// Region is an entry of the seeded region vocabulary.
type Region struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Actor identifies who performed a mutation, for the audit trail.
type Actor struct {
	UserID    string
	IP        string
	UserAgent string
}
