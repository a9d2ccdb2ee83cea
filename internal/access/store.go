package access

import (
	"context"
	"time"

	"pymemad.org/internal/audit"
	"pymemad.org/internal/ids"
)

// Store is the persistence contract for the access-control engine.
//
// Every mutating method receives the Actor that performed the change and must
// append the corresponding audit entry atomically with the mutation: if the
// audit write fails, the mutation fails with it. Implementations serialize
// writers per entity (a grant row, a user's scope set), never globally.
type Store interface {
	// Module catalog.
	CreateModule(ctx context.Context, m Module, actor Actor) (Module, error)
	GetModule(ctx context.Context, code string) (Module, error)
	ListModules(ctx context.Context) ([]Module, error)
	SetModuleParent(ctx context.Context, code, parentCode string, actor Actor) error
	// SetAvailableActions replaces the module's action set and, in the same
	// transaction, prunes every grant on the module down to the new set. The
	// containment invariant (enabled ⊆ available) therefore holds at every
	// commit point.
	SetAvailableActions(ctx context.Context, code string, actions ActionSet, actor Actor) (Module, error)
	SetModuleActive(ctx context.Context, code string, active bool, actor Actor) error
	Descendants(ctx context.Context, code string) ([]Module, error)

	// Role registry.
	CreateRole(ctx context.Context, r Role, actor Actor) (Role, error)
	GetRole(ctx context.Context, code string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	// UpdateGovernance rewrites governance and allowed regions. System roles
	// refuse the change unless allowSystem is set (migration path).
	UpdateGovernance(ctx context.Context, code string, g Governance, regions []string, allowSystem bool, actor Actor) (Role, error)
	DeleteRole(ctx context.Context, code string, actor Actor) error

	// Grant store.
	EnableAction(ctx context.Context, roleCode, moduleCode string, a Action, actor Actor) (bool, error)
	DisableAction(ctx context.Context, roleCode, moduleCode string, a Action, actor Actor) (bool, error)
	// SetEnabledActions bulk-replaces the grant. Actions outside the module's
	// available set are dropped, not rejected; the dropped ones are returned
	// so callers can surface a warning.
	SetEnabledActions(ctx context.Context, roleCode, moduleCode string, actions ActionSet, scope GrantScope, actor Actor) (Grant, []Action, error)
	// SyncGrant intersects the grant with the module's current available set,
	// returning the actions it removed.
	SyncGrant(ctx context.Context, roleCode, moduleCode string, actor Actor) ([]Action, error)
	// EnabledActions returns the empty set, not an error, when no grant row
	// exists.
	EnabledActions(ctx context.Context, roleCode, moduleCode string) (ActionSet, error)
	ListGrants(ctx context.Context, roleCode string) ([]Grant, error)

	// Role assignments.
	AssignPrimaryRole(ctx context.Context, userID, roleCode string, actor Actor) error
	AddAdditionalRole(ctx context.Context, userID, roleCode string, actor Actor) error
	RemoveAdditionalRole(ctx context.Context, userID, roleCode string, actor Actor) error
	GetAssignment(ctx context.Context, userID string) (RoleAssignment, error)

	// Regional scopes.
	GrantRegion(ctx context.Context, scope RegionalScope, actor Actor) error
	RevokeRegion(ctx context.Context, userID, regionCode string, actor Actor) error
	ListScopes(ctx context.Context, userID string) ([]RegionalScope, error)
	ValidScopes(ctx context.Context, userID string, at time.Time) (map[string]struct{}, error)

	// Region vocabulary.
	GetRegion(ctx context.Context, code string) (Region, error)
	ListRegions(ctx context.Context) ([]Region, error)

	// Audit, read side. Appends happen inside mutations only.
	QueryAudit(ctx context.Context, f audit.Filter) (audit.Page, error)
}

// NewAuditEntry builds the entry a store appends alongside a mutation. Kept
// here so the Postgres and memory implementations stamp entries identically.
func NewAuditEntry(kind audit.Kind, userID string, details map[string]string, actor Actor) audit.Entry {
	return audit.Entry{
		ID:         ids.New(),
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
		Kind:       kind,
		Details:    details,
		ActorID:    actor.UserID,
		IP:         actor.IP,
		UserAgent:  actor.UserAgent,
	}
}
