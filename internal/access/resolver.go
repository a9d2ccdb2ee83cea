package access

import (
	"context"
	"errors"
	"time"

	"pymemad.org/internal/obs"
)

// Decision is the answer to a single permission query.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Roles   []string `json:"roles"`
	Reason  string   `json:"reason,omitempty"`
}

// Reasons carried in Decision.Reason. Allowed decisions carry an empty
// reason, except the superuser bypass which names itself.
const (
	ReasonSuperuserBypass  = "superuser-bypass"
	ReasonNoRoleAssigned   = "no-role-assigned"
	ReasonActionNotGranted = "action-not-granted"
	ReasonRegionNotInScope = "region-not-in-scope"
	ReasonUnknownEntity    = "unknown-entity"
	ReasonResolutionFailed = "resolution-failed"
)

// ResolverStore is the read-only slice of Store the resolver needs.
type ResolverStore interface {
	GetModule(ctx context.Context, code string) (Module, error)
	GetRole(ctx context.Context, code string) (Role, error)
	EnabledActions(ctx context.Context, roleCode, moduleCode string) (ActionSet, error)
	ValidScopes(ctx context.Context, userID string, at time.Time) (map[string]struct{}, error)
}

// DefaultCheckTimeout bounds a single Check unless overridden.
const DefaultCheckTimeout = 50 * time.Millisecond

// Resolver answers permission queries. It performs only reads and is safe for
// unbounded concurrent use. Any internal failure denies: authorization fails
// closed, never open.
type Resolver struct {
	store   ResolverStore
	cache   *DecisionCache
	timeout time.Duration
	now     func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCheckTimeout bounds a single Check. A timed-out check denies with
// reason resolution-failed.
func WithCheckTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithDecisionCache attaches a TTL-bounded decision cache.
func WithDecisionCache(c *DecisionCache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// WithClock overrides the time source; tests use it to step scope expiry.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store ResolverStore, opts ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("access: resolver store is required")
	}
	r := &Resolver{
		store:   store,
		timeout: DefaultCheckTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Check decides whether user may perform action on moduleCode, optionally
// within region. It never returns an error: unknown entities and
// infrastructure failures both deny, with distinguishable reasons.
func (r *Resolver) Check(ctx context.Context, user UserContext, moduleCode string, action Action, region string) Decision {
	start := time.Now()
	d := r.resolve(ctx, user, moduleCode, action, region)
	obs.ObserveCheck(d.Allowed, d.Reason, time.Since(start))
	return d
}

func (r *Resolver) resolve(ctx context.Context, user UserContext, moduleCode string, action Action, region string) Decision {
	if user.Superuser {
		return Decision{Allowed: true, Reason: ReasonSuperuserBypass}
	}

	roleCodes := user.RoleCodes()
	if len(roleCodes) == 0 {
		return Decision{Allowed: false, Reason: ReasonNoRoleAssigned}
	}

	key := decisionKey(user.UserID, moduleCode, action, region)
	if r.cache != nil {
		if d, ok := r.cache.Get(key); ok {
			return d
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	d, cacheable := r.evaluate(ctx, user, roleCodes, moduleCode, action, region)
	if cacheable && r.cache != nil {
		r.cache.Add(key, d, user.UserID, moduleCode, roleCodes)
	}
	return d
}

// evaluate runs steps 3-6 of the resolution algorithm. The second result says
// whether the decision may be cached; failures never are.
func (r *Resolver) evaluate(ctx context.Context, user UserContext, roleCodes []string, moduleCode string, action Action, region string) (Decision, bool) {
	module, err := r.store.GetModule(ctx, moduleCode)
	if err != nil {
		return r.storeFailure(err, moduleCode)
	}
	if !module.Active {
		return Decision{Allowed: false, Reason: ReasonUnknownEntity}, true
	}

	var (
		moduleContrib []string
		actionContrib []Role
	)
	for _, rc := range roleCodes {
		role, err := r.store.GetRole(ctx, rc)
		if err != nil {
			return r.storeFailure(err, rc)
		}
		if !role.Active {
			return Decision{Allowed: false, Reason: ReasonUnknownEntity}, true
		}

		enabled, err := r.store.EnabledActions(ctx, rc, moduleCode)
		if err != nil {
			d, _ := r.storeFailure(err, rc)
			return d, false
		}
		if len(enabled) > 0 {
			moduleContrib = append(moduleContrib, rc)
		}
		if enabled.Has(action) {
			actionContrib = append(actionContrib, role)
		}
	}

	if len(actionContrib) == 0 {
		return Decision{Allowed: false, Roles: moduleContrib, Reason: ReasonActionNotGranted}, true
	}

	if region == "" {
		return Decision{Allowed: true, Roles: roleNames(actionContrib)}, true
	}

	// Regional gate: national contributors always pass; regional ones need
	// the region delegated to the role and a currently valid user scope.
	scopes, err := r.store.ValidScopes(ctx, user.UserID, r.now())
	if err != nil {
		d, _ := r.storeFailure(err, user.UserID)
		return d, false
	}
	var passing []Role
	for _, role := range actionContrib {
		if role.Governance == GovernanceNational {
			passing = append(passing, role)
			continue
		}
		if !role.AllowsRegion(region) {
			continue
		}
		if _, ok := scopes[region]; ok {
			passing = append(passing, role)
		}
	}
	if len(passing) == 0 {
		return Decision{Allowed: false, Roles: []string{}, Reason: ReasonRegionNotInScope}, true
	}
	return Decision{Allowed: true, Roles: roleNames(passing)}, true
}

func (r *Resolver) storeFailure(err error, entity string) (Decision, bool) {
	if errors.Is(err, ErrNotFound) {
		return Decision{Allowed: false, Reason: ReasonUnknownEntity}, true
	}
	obs.Log(map[string]any{
		"level":  "error",
		"msg":    "permission resolution failed",
		"entity": entity,
		"error":  err.Error(),
	})
	return Decision{Allowed: false, Reason: ReasonResolutionFailed}, false
}

func roleNames(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.Code
	}
	return out
}
