package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pymemad.org/internal/audit"
)

// Service validates and orchestrates every permission-affecting mutation, and
// keeps the decision cache honest by evicting the entries a mutation may have
// changed. Storage-level invariants (uniqueness, cycle checks, row locks,
// audit-in-transaction) live in the Store implementations.
type Service struct {
	store Store
	cache *DecisionCache
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCacheInvalidation wires the decision cache the resolver reads, so
// mutations evict stale decisions immediately instead of waiting out the TTL.
func WithCacheInvalidation(c *DecisionCache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// NewService constructs a Service over the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("access: store is required")
	}
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// --- Module catalog ---

// CreateModule registers a permissionable resource. An omitted action set
// defaults to the base CRUD vocabulary.
func (s *Service) CreateModule(ctx context.Context, m Module, actor Actor) (Module, error) {
	m.Code = strings.TrimSpace(m.Code)
	m.Name = strings.TrimSpace(m.Name)
	m.ParentCode = strings.TrimSpace(m.ParentCode)
	if m.Code == "" {
		return Module{}, fmt.Errorf("%w: module code is required", ErrInvalidInput)
	}
	if m.Name == "" {
		return Module{}, fmt.Errorf("%w: module name is required", ErrInvalidInput)
	}
	if len(m.AvailableActions) == 0 {
		m.AvailableActions = BaseActions()
	}
	for a := range m.AvailableActions {
		if !a.Valid() {
			return Module{}, fmt.Errorf("%w: %s", ErrActionNotAvailable, a)
		}
	}
	m.Active = true
	created, err := s.store.CreateModule(ctx, m, actor)
	if err != nil {
		return Module{}, err
	}
	s.invalidateModule(created.Code)
	return created, nil
}

func (s *Service) GetModule(ctx context.Context, code string) (Module, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Module{}, fmt.Errorf("%w: module code is required", ErrInvalidInput)
	}
	return s.store.GetModule(ctx, code)
}

func (s *Service) ListModules(ctx context.Context) ([]Module, error) {
	return s.store.ListModules(ctx)
}

// SetModuleParent re-hangs a module in the forest. The store rejects any
// assignment that would create a cycle, leaving the hierarchy untouched.
func (s *Service) SetModuleParent(ctx context.Context, code, parentCode string, actor Actor) error {
	code = strings.TrimSpace(code)
	parentCode = strings.TrimSpace(parentCode)
	if code == "" {
		return fmt.Errorf("%w: module code is required", ErrInvalidInput)
	}
	if code == parentCode {
		return fmt.Errorf("%w: module %s cannot be its own parent", ErrCycleDetected, code)
	}
	if err := s.store.SetModuleParent(ctx, code, parentCode, actor); err != nil {
		return err
	}
	s.invalidateModule(code)
	return nil
}

// SetAvailableActions replaces a module's action vocabulary. Grants on the
// module are pruned to the new set in the same transaction.
func (s *Service) SetAvailableActions(ctx context.Context, code string, actions ActionSet, actor Actor) (Module, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Module{}, fmt.Errorf("%w: module code is required", ErrInvalidInput)
	}
	if len(actions) == 0 {
		return Module{}, fmt.Errorf("%w: available_actions must not be empty", ErrInvalidInput)
	}
	for a := range actions {
		if !a.Valid() {
			return Module{}, fmt.Errorf("%w: %s", ErrActionNotAvailable, a)
		}
	}
	m, err := s.store.SetAvailableActions(ctx, code, actions.Clone(), actor)
	if err != nil {
		return Module{}, err
	}
	s.invalidateModule(code)
	return m, nil
}

// SetModuleActive toggles a module. Inactive modules deny every check.
func (s *Service) SetModuleActive(ctx context.Context, code string, active bool, actor Actor) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("%w: module code is required", ErrInvalidInput)
	}
	if err := s.store.SetModuleActive(ctx, code, active, actor); err != nil {
		return err
	}
	s.invalidateModule(code)
	return nil
}

// Descendants returns the subtree below a module, used by hierarchy display.
func (s *Service) Descendants(ctx context.Context, code string) ([]Module, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: module code is required", ErrInvalidInput)
	}
	return s.store.Descendants(ctx, code)
}

// HasAction reports whether the module's vocabulary includes the action.
func (s *Service) HasAction(ctx context.Context, code string, a Action) (bool, error) {
	m, err := s.GetModule(ctx, code)
	if err != nil {
		return false, err
	}
	return m.AvailableActions.Has(a), nil
}

// --- Role registry ---

// CreateRole registers a role. Governance and the allowed-region list must
// agree both ways: regional roles need regions, national roles must not name
// any (rejected rather than ignored, to keep configuration unambiguous).
func (s *Service) CreateRole(ctx context.Context, r Role, actor Actor) (Role, error) {
	r.Code = strings.TrimSpace(r.Code)
	r.Name = strings.TrimSpace(r.Name)
	if r.Code == "" {
		return Role{}, fmt.Errorf("%w: role code is required", ErrInvalidInput)
	}
	if r.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	regions, err := validateGovernance(r.Governance, r.AllowedRegions)
	if err != nil {
		return Role{}, err
	}
	r.AllowedRegions = regions
	r.Active = true
	created, err := s.store.CreateRole(ctx, r, actor)
	if err != nil {
		return Role{}, err
	}
	s.invalidateRole(created.Code)
	return created, nil
}

func (s *Service) GetRole(ctx context.Context, code string) (Role, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Role{}, fmt.Errorf("%w: role code is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, code)
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// UpdateGovernance rewrites a role's governance and allowed regions.
// allowSystem lets migration tooling touch system roles.
func (s *Service) UpdateGovernance(ctx context.Context, code string, g Governance, regions []string, allowSystem bool, actor Actor) (Role, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Role{}, fmt.Errorf("%w: role code is required", ErrInvalidInput)
	}
	regions, err := validateGovernance(g, regions)
	if err != nil {
		return Role{}, err
	}
	role, err := s.store.UpdateGovernance(ctx, code, g, regions, allowSystem, actor)
	if err != nil {
		return Role{}, err
	}
	s.invalidateRole(code)
	return role, nil
}

// DeleteRole removes a role. System roles refuse; roles still held as
// someone's primary refuse; additional-role references are detached silently.
func (s *Service) DeleteRole(ctx context.Context, code string, actor Actor) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("%w: role code is required", ErrInvalidInput)
	}
	if err := s.store.DeleteRole(ctx, code, actor); err != nil {
		return err
	}
	s.invalidateRole(code)
	return nil
}

// --- Grant store ---

// EnableAction turns on one action for (role, module). Idempotent: returns
// false without touching anything when the action was already enabled.
func (s *Service) EnableAction(ctx context.Context, roleCode, moduleCode string, a Action, actor Actor) (bool, error) {
	roleCode, moduleCode, err := grantKey(roleCode, moduleCode)
	if err != nil {
		return false, err
	}
	if !a.Valid() {
		return false, fmt.Errorf("%w: %s", ErrActionNotAvailable, a)
	}
	changed, err := s.store.EnableAction(ctx, roleCode, moduleCode, a, actor)
	if err != nil {
		return false, err
	}
	if changed {
		s.invalidateGrant(roleCode, moduleCode)
	}
	return changed, nil
}

// DisableAction turns off one action. Idempotent like EnableAction.
func (s *Service) DisableAction(ctx context.Context, roleCode, moduleCode string, a Action, actor Actor) (bool, error) {
	roleCode, moduleCode, err := grantKey(roleCode, moduleCode)
	if err != nil {
		return false, err
	}
	changed, err := s.store.DisableAction(ctx, roleCode, moduleCode, a, actor)
	if err != nil {
		return false, err
	}
	if changed {
		s.invalidateGrant(roleCode, moduleCode)
	}
	return changed, nil
}

// SetEnabledActions bulk-replaces a grant. Actions the module does not offer
// are dropped and returned as a warning, matching the UI contract where only
// valid choices are ever offered.
func (s *Service) SetEnabledActions(ctx context.Context, roleCode, moduleCode string, actions ActionSet, scope GrantScope, actor Actor) (Grant, []Action, error) {
	roleCode, moduleCode, err := grantKey(roleCode, moduleCode)
	if err != nil {
		return Grant{}, nil, err
	}
	if scope == "" {
		scope = ScopeAll
	}
	if !scope.Valid() {
		return Grant{}, nil, fmt.Errorf("%w: unsupported grant scope %q", ErrInvalidInput, scope)
	}
	g, dropped, err := s.store.SetEnabledActions(ctx, roleCode, moduleCode, actions.Clone(), scope, actor)
	if err != nil {
		return Grant{}, nil, err
	}
	s.invalidateGrant(roleCode, moduleCode)
	return g, dropped, nil
}

// SyncGrant prunes a grant to the module's current action vocabulary.
func (s *Service) SyncGrant(ctx context.Context, roleCode, moduleCode string, actor Actor) ([]Action, error) {
	roleCode, moduleCode, err := grantKey(roleCode, moduleCode)
	if err != nil {
		return nil, err
	}
	removed, err := s.store.SyncGrant(ctx, roleCode, moduleCode, actor)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.invalidateGrant(roleCode, moduleCode)
	}
	return removed, nil
}

// EnabledActions returns the grant's action set; the empty set when no grant
// row exists.
func (s *Service) EnabledActions(ctx context.Context, roleCode, moduleCode string) (ActionSet, error) {
	roleCode, moduleCode, err := grantKey(roleCode, moduleCode)
	if err != nil {
		return nil, err
	}
	return s.store.EnabledActions(ctx, roleCode, moduleCode)
}

func (s *Service) ListGrants(ctx context.Context, roleCode string) ([]Grant, error) {
	roleCode = strings.TrimSpace(roleCode)
	if roleCode == "" {
		return nil, fmt.Errorf("%w: role code is required", ErrInvalidInput)
	}
	return s.store.ListGrants(ctx, roleCode)
}

// --- Role assignments ---

// AssignPrimaryRole sets or clears (empty roleCode) the user's primary role.
func (s *Service) AssignPrimaryRole(ctx context.Context, userID, roleCode string, actor Actor) error {
	userID = strings.TrimSpace(userID)
	roleCode = strings.TrimSpace(roleCode)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := s.store.AssignPrimaryRole(ctx, userID, roleCode, actor); err != nil {
		return err
	}
	s.invalidateUser(userID)
	return nil
}

func (s *Service) AddAdditionalRole(ctx context.Context, userID, roleCode string, actor Actor) error {
	userID = strings.TrimSpace(userID)
	roleCode = strings.TrimSpace(roleCode)
	if userID == "" || roleCode == "" {
		return fmt.Errorf("%w: user_id and role code are required", ErrInvalidInput)
	}
	if err := s.store.AddAdditionalRole(ctx, userID, roleCode, actor); err != nil {
		return err
	}
	s.invalidateUser(userID)
	return nil
}

func (s *Service) RemoveAdditionalRole(ctx context.Context, userID, roleCode string, actor Actor) error {
	userID = strings.TrimSpace(userID)
	roleCode = strings.TrimSpace(roleCode)
	if userID == "" || roleCode == "" {
		return fmt.Errorf("%w: user_id and role code are required", ErrInvalidInput)
	}
	if err := s.store.RemoveAdditionalRole(ctx, userID, roleCode, actor); err != nil {
		return err
	}
	s.invalidateUser(userID)
	return nil
}

func (s *Service) GetAssignment(ctx context.Context, userID string) (RoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RoleAssignment{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.GetAssignment(ctx, userID)
}

// UserContextFor loads the stored assignment into a UserContext, for callers
// that identify users by id rather than carrying a resolved context.
func (s *Service) UserContextFor(ctx context.Context, userID string, superuser bool) (UserContext, error) {
	a, err := s.GetAssignment(ctx, userID)
	if err != nil {
		return UserContext{}, err
	}
	return UserContext{
		UserID:          userID,
		Superuser:       superuser,
		PrimaryRole:     a.PrimaryRole,
		AdditionalRoles: a.AdditionalRoles,
	}, nil
}

// --- Regional scopes ---

// GrantRegion inserts or updates the user's scope for a region. Marking it
// primary demotes any previous primary scope in the same transaction.
func (s *Service) GrantRegion(ctx context.Context, userID, regionCode string, level AccessLevel, primary bool, expiresAt *time.Time, actor Actor) error {
	userID = strings.TrimSpace(userID)
	regionCode = strings.TrimSpace(regionCode)
	if userID == "" || regionCode == "" {
		return fmt.Errorf("%w: user_id and region code are required", ErrInvalidInput)
	}
	if !level.Valid() {
		return fmt.Errorf("%w: unsupported access level %q", ErrInvalidInput, level)
	}
	if _, err := s.store.GetRegion(ctx, regionCode); err != nil {
		return err
	}
	scope := RegionalScope{
		UserID:     userID,
		RegionCode: regionCode,
		Level:      level,
		Primary:    primary,
		Active:     true,
		ExpiresAt:  expiresAt,
	}
	if err := s.store.GrantRegion(ctx, scope, actor); err != nil {
		return err
	}
	s.invalidateUser(userID)
	return nil
}

// RevokeRegion drops the user's scope for a region. Idempotent.
func (s *Service) RevokeRegion(ctx context.Context, userID, regionCode string, actor Actor) error {
	userID = strings.TrimSpace(userID)
	regionCode = strings.TrimSpace(regionCode)
	if userID == "" || regionCode == "" {
		return fmt.Errorf("%w: user_id and region code are required", ErrInvalidInput)
	}
	if err := s.store.RevokeRegion(ctx, userID, regionCode, actor); err != nil {
		return err
	}
	s.invalidateUser(userID)
	return nil
}

func (s *Service) ListScopes(ctx context.Context, userID string) ([]RegionalScope, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.ListScopes(ctx, userID)
}

func (s *Service) ListRegions(ctx context.Context) ([]Region, error) {
	return s.store.ListRegions(ctx)
}

// --- Audit ---

func (s *Service) QueryAudit(ctx context.Context, f audit.Filter) (audit.Page, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return audit.Page{}, fmt.Errorf("%w: unknown audit kind %q", ErrInvalidInput, f.Kind)
	}
	return s.store.QueryAudit(ctx, f.Normalize())
}

// --- helpers ---

func grantKey(roleCode, moduleCode string) (string, string, error) {
	roleCode = strings.TrimSpace(roleCode)
	moduleCode = strings.TrimSpace(moduleCode)
	if roleCode == "" || moduleCode == "" {
		return "", "", fmt.Errorf("%w: role and module codes are required", ErrInvalidInput)
	}
	return roleCode, moduleCode, nil
}

func validateGovernance(g Governance, regions []string) ([]string, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("%w: unsupported governance %q", ErrInvalidGovernance, g)
	}
	cleaned := dedupeStrings(regions)
	switch g {
	case GovernanceRegional:
		if len(cleaned) == 0 {
			return nil, fmt.Errorf("%w: regional roles need at least one allowed region", ErrInvalidGovernance)
		}
	case GovernanceNational:
		if len(cleaned) != 0 {
			return nil, fmt.Errorf("%w: national roles must not list allowed regions", ErrInvalidGovernance)
		}
	}
	return cleaned, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (s *Service) invalidateModule(code string) {
	if s.cache != nil {
		s.cache.InvalidateModule(code)
	}
}

func (s *Service) invalidateRole(code string) {
	if s.cache != nil {
		s.cache.InvalidateRole(code)
	}
}

func (s *Service) invalidateUser(userID string) {
	if s.cache != nil {
		s.cache.InvalidateUser(userID)
	}
}

func (s *Service) invalidateGrant(roleCode, moduleCode string) {
	if s.cache != nil {
		s.cache.InvalidateRole(roleCode)
		s.cache.InvalidateModule(moduleCode)
	}
}
