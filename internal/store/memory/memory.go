// Package memory implements access.Store with mutex-guarded maps. It backs
// the test suites and local runs without a database; semantics mirror the
// Postgres store, including the audit-before-commit rule.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pymemad.org/internal/access"
	"pymemad.org/internal/audit"
)

type grantKey struct {
	role   string
	module string
}

// Store keeps everything in process memory under one mutex; every mutation is
// therefore atomic with its audit append.
type Store struct {
	mu          sync.RWMutex
	modules     map[string]access.Module
	roles       map[string]access.Role
	grants      map[grantKey]access.Grant
	assignments map[string]access.RoleAssignment
	scopes      map[string]map[string]access.RegionalScope
	regions     map[string]access.Region
	entries     []audit.Entry

	now      func() time.Time
	auditErr error
}

var _ access.Store = (*Store)(nil)

// New builds an empty store seeded with the builtin region vocabulary.
func New() *Store {
	s := &Store{
		modules:     map[string]access.Module{},
		roles:       map[string]access.Role{},
		grants:      map[grantKey]access.Grant{},
		assignments: map[string]access.RoleAssignment{},
		scopes:      map[string]map[string]access.RegionalScope{},
		regions:     map[string]access.Region{},
		now:         time.Now,
	}
	for _, r := range access.BuiltinRegions {
		s.regions[r.Code] = r
	}
	return s
}

// SetClock overrides the time source; tests use it to expire scopes.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// FailAudit makes every subsequent audit append return err. Tests use it to
// prove that mutations abort when their audit entry cannot be written.
func (s *Store) FailAudit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditErr = err
}

// append must be called with the write lock held, before the mutation it
// describes is applied.
func (s *Store) append(e audit.Entry) error {
	if s.auditErr != nil {
		return fmt.Errorf("audit append: %w", s.auditErr)
	}
	s.entries = append(s.entries, e)
	return nil
}

// --- Module catalog ---

func (s *Store) CreateModule(_ context.Context, m access.Module, actor access.Actor) (access.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.modules[m.Code]; ok {
		return access.Module{}, fmt.Errorf("%w: module %s", access.ErrDuplicateCode, m.Code)
	}
	if m.ParentCode != "" {
		if _, ok := s.modules[m.ParentCode]; !ok {
			return access.Module{}, fmt.Errorf("%w: parent module %s", access.ErrNotFound, m.ParentCode)
		}
	}
	now := s.now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.AvailableActions = m.AvailableActions.Clone()

	if err := s.append(access.NewAuditEntry(audit.KindModuleChanged, "", map[string]string{
		"op":     "create",
		"module": m.Code,
	}, actor)); err != nil {
		return access.Module{}, err
	}
	s.modules[m.Code] = m
	return cloneModule(m), nil
}

func (s *Store) GetModule(_ context.Context, code string) (access.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[code]
	if !ok {
		return access.Module{}, fmt.Errorf("%w: module %s", access.ErrNotFound, code)
	}
	return cloneModule(m), nil
}

func (s *Store) ListModules(_ context.Context) ([]access.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]access.Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, cloneModule(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (s *Store) SetModuleParent(_ context.Context, code, parentCode string, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[code]
	if !ok {
		return fmt.Errorf("%w: module %s", access.ErrNotFound, code)
	}
	if parentCode != "" {
		if _, ok := s.modules[parentCode]; !ok {
			return fmt.Errorf("%w: parent module %s", access.ErrNotFound, parentCode)
		}
		// Walk the ancestor chain of the proposed parent; hitting the module
		// itself means the assignment would close a cycle.
		for cur := parentCode; cur != ""; {
			if cur == code {
				return fmt.Errorf("%w: %s is a descendant of %s", access.ErrCycleDetected, parentCode, code)
			}
			cur = s.modules[cur].ParentCode
		}
	}

	if err := s.append(access.NewAuditEntry(audit.KindModuleChanged, "", map[string]string{
		"op":     "set_parent",
		"module": code,
		"parent": parentCode,
	}, actor)); err != nil {
		return err
	}
	m.ParentCode = parentCode
	m.UpdatedAt = s.now().UTC()
	s.modules[code] = m
	return nil
}

func (s *Store) SetAvailableActions(_ context.Context, code string, actions access.ActionSet, actor access.Actor) (access.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[code]
	if !ok {
		return access.Module{}, fmt.Errorf("%w: module %s", access.ErrNotFound, code)
	}

	if err := s.append(access.NewAuditEntry(audit.KindModuleChanged, "", map[string]string{
		"op":      "set_actions",
		"module":  code,
		"actions": strings.Join(actions.Strings(), ","),
	}, actor)); err != nil {
		return access.Module{}, err
	}

	// Prune every grant on the module so enabled ⊆ available survives the
	// shrink.
	for key, g := range s.grants {
		if key.module != code {
			continue
		}
		pruned := g.EnabledActions.Intersect(actions)
		if pruned.Equal(g.EnabledActions) {
			continue
		}
		removed := missingActions(g.EnabledActions, actions)
		if err := s.append(access.NewAuditEntry(audit.KindGrantRemoved, "", map[string]string{
			"role":    key.role,
			"module":  code,
			"actions": joinActions(removed),
			"op":      "sync",
		}, actor)); err != nil {
			return access.Module{}, err
		}
		g.EnabledActions = pruned
		g.UpdatedAt = s.now().UTC()
		s.grants[key] = g
	}

	m.AvailableActions = actions.Clone()
	m.UpdatedAt = s.now().UTC()
	s.modules[code] = m
	return cloneModule(m), nil
}

func (s *Store) SetModuleActive(_ context.Context, code string, active bool, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[code]
	if !ok {
		return fmt.Errorf("%w: module %s", access.ErrNotFound, code)
	}
	if err := s.append(access.NewAuditEntry(audit.KindModuleChanged, "", map[string]string{
		"op":     "set_active",
		"module": code,
		"active": fmt.Sprintf("%t", active),
	}, actor)); err != nil {
		return err
	}
	m.Active = active
	m.UpdatedAt = s.now().UTC()
	s.modules[code] = m
	return nil
}

func (s *Store) Descendants(_ context.Context, code string) ([]access.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.modules[code]; !ok {
		return nil, fmt.Errorf("%w: module %s", access.ErrNotFound, code)
	}
	children := map[string][]string{}
	for _, m := range s.modules {
		if m.ParentCode != "" {
			children[m.ParentCode] = append(children[m.ParentCode], m.Code)
		}
	}
	var out []access.Module
	queue := append([]string(nil), children[code]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cloneModule(s.modules[cur]))
		queue = append(queue, children[cur]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// --- Role registry ---

func (s *Store) CreateRole(_ context.Context, r access.Role, actor access.Actor) (access.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[r.Code]; ok {
		return access.Role{}, fmt.Errorf("%w: role %s", access.ErrDuplicateCode, r.Code)
	}
	now := s.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.AllowedRegions = append([]string(nil), r.AllowedRegions...)

	if err := s.append(access.NewAuditEntry(audit.KindRoleChanged, "", map[string]string{
		"op":   "create",
		"role": r.Code,
	}, actor)); err != nil {
		return access.Role{}, err
	}
	s.roles[r.Code] = r
	return cloneRole(r), nil
}

func (s *Store) GetRole(_ context.Context, code string) (access.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[code]
	if !ok {
		return access.Role{}, fmt.Errorf("%w: role %s", access.ErrNotFound, code)
	}
	return cloneRole(r), nil
}

func (s *Store) ListRoles(_ context.Context) ([]access.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]access.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (s *Store) UpdateGovernance(_ context.Context, code string, g access.Governance, regions []string, allowSystem bool, actor access.Actor) (access.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[code]
	if !ok {
		return access.Role{}, fmt.Errorf("%w: role %s", access.ErrNotFound, code)
	}
	if r.System && !allowSystem {
		return access.Role{}, fmt.Errorf("%w: %s", access.ErrSystemRoleImmutable, code)
	}

	if err := s.append(access.NewAuditEntry(audit.KindRoleChanged, "", map[string]string{
		"op":         "update_governance",
		"role":       code,
		"governance": string(g),
		"regions":    strings.Join(regions, ","),
	}, actor)); err != nil {
		return access.Role{}, err
	}
	r.Governance = g
	r.AllowedRegions = append([]string(nil), regions...)
	r.UpdatedAt = s.now().UTC()
	s.roles[code] = r
	return cloneRole(r), nil
}

func (s *Store) DeleteRole(_ context.Context, code string, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[code]
	if !ok {
		return fmt.Errorf("%w: role %s", access.ErrNotFound, code)
	}
	if r.System {
		return fmt.Errorf("%w: %s", access.ErrSystemRoleImmutable, code)
	}
	for _, a := range s.assignments {
		if a.PrimaryRole == code {
			return fmt.Errorf("%w: %s is primary for user %s", access.ErrRoleInUse, code, a.UserID)
		}
	}

	if err := s.append(access.NewAuditEntry(audit.KindRoleChanged, "", map[string]string{
		"op":   "delete",
		"role": code,
	}, actor)); err != nil {
		return err
	}

	// Additional-role references detach silently, each with its own trail.
	for userID, a := range s.assignments {
		kept := a.AdditionalRoles[:0]
		detached := false
		for _, rc := range a.AdditionalRoles {
			if rc == code {
				detached = true
				continue
			}
			kept = append(kept, rc)
		}
		if !detached {
			continue
		}
		if err := s.append(access.NewAuditEntry(audit.KindRoleRemoved, userID, map[string]string{
			"role":   code,
			"reason": "role_deleted",
		}, actor)); err != nil {
			return err
		}
		a.AdditionalRoles = kept
		a.UpdatedAt = s.now().UTC()
		s.assignments[userID] = a
	}
	for key := range s.grants {
		if key.role == code {
			delete(s.grants, key)
		}
	}
	delete(s.roles, code)
	return nil
}

// --- Grant store ---

func (s *Store) EnableAction(_ context.Context, roleCode, moduleCode string, a access.Action, actor access.Actor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, g, err := s.grantTarget(roleCode, moduleCode)
	if err != nil {
		return false, err
	}
	if !m.AvailableActions.Has(a) {
		return false, fmt.Errorf("%w: %s on module %s", access.ErrActionNotAvailable, a, moduleCode)
	}
	if g.EnabledActions.Has(a) {
		return false, nil
	}

	if err := s.append(access.NewAuditEntry(audit.KindGrantAdded, "", map[string]string{
		"role":   roleCode,
		"module": moduleCode,
		"action": string(a),
	}, actor)); err != nil {
		return false, err
	}
	g.EnabledActions.Add(a)
	g.UpdatedAt = s.now().UTC()
	s.grants[grantKey{roleCode, moduleCode}] = g
	return true, nil
}

func (s *Store) DisableAction(_ context.Context, roleCode, moduleCode string, a access.Action, actor access.Actor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, g, err := s.grantTarget(roleCode, moduleCode)
	if err != nil {
		return false, err
	}
	if !g.EnabledActions.Has(a) {
		return false, nil
	}

	if err := s.append(access.NewAuditEntry(audit.KindGrantRemoved, "", map[string]string{
		"role":   roleCode,
		"module": moduleCode,
		"action": string(a),
	}, actor)); err != nil {
		return false, err
	}
	g.EnabledActions.Remove(a)
	g.UpdatedAt = s.now().UTC()
	s.grants[grantKey{roleCode, moduleCode}] = g
	return true, nil
}

func (s *Store) SetEnabledActions(_ context.Context, roleCode, moduleCode string, actions access.ActionSet, scope access.GrantScope, actor access.Actor) (access.Grant, []access.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, g, err := s.grantTarget(roleCode, moduleCode)
	if err != nil {
		return access.Grant{}, nil, err
	}
	kept := actions.Intersect(m.AvailableActions)
	dropped := missingActions(actions, m.AvailableActions)

	if err := s.append(access.NewAuditEntry(audit.KindGrantAdded, "", map[string]string{
		"role":    roleCode,
		"module":  moduleCode,
		"actions": joinActions(kept.Slice()),
		"op":      "replace",
	}, actor)); err != nil {
		return access.Grant{}, nil, err
	}
	g.EnabledActions = kept
	g.Scope = scope
	g.UpdatedAt = s.now().UTC()
	s.grants[grantKey{roleCode, moduleCode}] = g
	return cloneGrant(g), dropped, nil
}

func (s *Store) SyncGrant(_ context.Context, roleCode, moduleCode string, actor access.Actor) ([]access.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[moduleCode]
	if !ok {
		return nil, fmt.Errorf("%w: module %s", access.ErrNotFound, moduleCode)
	}
	if _, ok := s.roles[roleCode]; !ok {
		return nil, fmt.Errorf("%w: role %s", access.ErrNotFound, roleCode)
	}
	g, ok := s.grants[grantKey{roleCode, moduleCode}]
	if !ok {
		return nil, nil
	}
	removed := missingActions(g.EnabledActions, m.AvailableActions)
	if len(removed) == 0 {
		return nil, nil
	}

	if err := s.append(access.NewAuditEntry(audit.KindGrantRemoved, "", map[string]string{
		"role":    roleCode,
		"module":  moduleCode,
		"actions": joinActions(removed),
		"op":      "sync",
	}, actor)); err != nil {
		return nil, err
	}
	g.EnabledActions = g.EnabledActions.Intersect(m.AvailableActions)
	g.UpdatedAt = s.now().UTC()
	s.grants[grantKey{roleCode, moduleCode}] = g
	return removed, nil
}

func (s *Store) EnabledActions(_ context.Context, roleCode, moduleCode string) (access.ActionSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey{roleCode, moduleCode}]
	if !ok {
		return access.ActionSet{}, nil
	}
	return g.EnabledActions.Clone(), nil
}

func (s *Store) ListGrants(_ context.Context, roleCode string) ([]access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[roleCode]; !ok {
		return nil, fmt.Errorf("%w: role %s", access.ErrNotFound, roleCode)
	}
	var out []access.Grant
	for key, g := range s.grants {
		if key.role == roleCode {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleCode < out[j].ModuleCode })
	return out, nil
}

// grantTarget resolves role and module and the existing or implicit grant
// row. Callers hold the write lock.
func (s *Store) grantTarget(roleCode, moduleCode string) (access.Module, access.Grant, error) {
	m, ok := s.modules[moduleCode]
	if !ok {
		return access.Module{}, access.Grant{}, fmt.Errorf("%w: module %s", access.ErrNotFound, moduleCode)
	}
	if _, ok := s.roles[roleCode]; !ok {
		return access.Module{}, access.Grant{}, fmt.Errorf("%w: role %s", access.ErrNotFound, roleCode)
	}
	g, ok := s.grants[grantKey{roleCode, moduleCode}]
	if !ok {
		g = access.Grant{
			RoleCode:       roleCode,
			ModuleCode:     moduleCode,
			EnabledActions: access.ActionSet{},
			Scope:          access.ScopeAll,
			CreatedAt:      s.now().UTC(),
		}
	}
	return m, g, nil
}

// --- Role assignments ---

func (s *Store) AssignPrimaryRole(_ context.Context, userID, roleCode string, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roleCode != "" {
		if _, ok := s.roles[roleCode]; !ok {
			return fmt.Errorf("%w: role %s", access.ErrNotFound, roleCode)
		}
	}
	a := s.assignments[userID]
	a.UserID = userID

	kind := audit.KindRoleAssigned
	details := map[string]string{"role": roleCode, "slot": "primary"}
	if roleCode == "" {
		kind = audit.KindRoleRemoved
		details = map[string]string{"role": a.PrimaryRole, "slot": "primary"}
	}
	if err := s.append(access.NewAuditEntry(kind, userID, details, actor)); err != nil {
		return err
	}
	a.PrimaryRole = roleCode
	a.UpdatedAt = s.now().UTC()
	s.assignments[userID] = a
	return nil
}

func (s *Store) AddAdditionalRole(_ context.Context, userID, roleCode string, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[roleCode]; !ok {
		return fmt.Errorf("%w: role %s", access.ErrNotFound, roleCode)
	}
	a := s.assignments[userID]
	a.UserID = userID
	for _, rc := range a.AdditionalRoles {
		if rc == roleCode {
			return nil
		}
	}
	if err := s.append(access.NewAuditEntry(audit.KindRoleAssigned, userID, map[string]string{
		"role": roleCode,
		"slot": "additional",
	}, actor)); err != nil {
		return err
	}
	a.AdditionalRoles = append(a.AdditionalRoles, roleCode)
	a.UpdatedAt = s.now().UTC()
	s.assignments[userID] = a
	return nil
}

func (s *Store) RemoveAdditionalRole(_ context.Context, userID, roleCode string, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[userID]
	if !ok {
		return nil
	}
	idx := -1
	for i, rc := range a.AdditionalRoles {
		if rc == roleCode {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if err := s.append(access.NewAuditEntry(audit.KindRoleRemoved, userID, map[string]string{
		"role": roleCode,
		"slot": "additional",
	}, actor)); err != nil {
		return err
	}
	a.AdditionalRoles = append(a.AdditionalRoles[:idx], a.AdditionalRoles[idx+1:]...)
	a.UpdatedAt = s.now().UTC()
	s.assignments[userID] = a
	return nil
}

func (s *Store) GetAssignment(_ context.Context, userID string) (access.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[userID]
	if !ok {
		return access.RoleAssignment{UserID: userID}, nil
	}
	a.AdditionalRoles = append([]string(nil), a.AdditionalRoles...)
	return a, nil
}

// --- Regional scopes ---

func (s *Store) GrantRegion(_ context.Context, scope access.RegionalScope, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	region, ok := s.regions[scope.RegionCode]
	if !ok || !region.Active {
		return fmt.Errorf("%w: region %s", access.ErrNotFound, scope.RegionCode)
	}

	if err := s.append(access.NewAuditEntry(audit.KindRegionGranted, scope.UserID, map[string]string{
		"region":  scope.RegionCode,
		"level":   string(scope.Level),
		"primary": fmt.Sprintf("%t", scope.Primary),
	}, actor)); err != nil {
		return err
	}

	userScopes := s.scopes[scope.UserID]
	if userScopes == nil {
		userScopes = map[string]access.RegionalScope{}
		s.scopes[scope.UserID] = userScopes
	}

	now := s.now().UTC()
	// A new primary demotes the old one; the old scope stays, only its flag
	// drops.
	if scope.Primary {
		for rc, existing := range userScopes {
			if rc == scope.RegionCode || !existing.Primary {
				continue
			}
			if err := s.append(access.NewAuditEntry(audit.KindScopeChanged, scope.UserID, map[string]string{
				"region": rc,
				"change": "primary_demoted",
			}, actor)); err != nil {
				return err
			}
			existing.Primary = false
			existing.UpdatedAt = now
			userScopes[rc] = existing
		}
	}

	if prev, ok := userScopes[scope.RegionCode]; ok {
		scope.CreatedAt = prev.CreatedAt
	} else {
		scope.CreatedAt = now
	}
	scope.UpdatedAt = now
	userScopes[scope.RegionCode] = scope
	return nil
}

func (s *Store) RevokeRegion(_ context.Context, userID, regionCode string, actor access.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userScopes := s.scopes[userID]
	if _, ok := userScopes[regionCode]; !ok {
		return nil
	}
	if err := s.append(access.NewAuditEntry(audit.KindRegionRevoked, userID, map[string]string{
		"region": regionCode,
	}, actor)); err != nil {
		return err
	}
	delete(userScopes, regionCode)
	return nil
}

func (s *Store) ListScopes(_ context.Context, userID string) ([]access.RegionalScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.RegionalScope
	for _, sc := range s.scopes[userID] {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionCode < out[j].RegionCode })
	return out, nil
}

func (s *Store) ValidScopes(_ context.Context, userID string, at time.Time) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]struct{}{}
	for rc, sc := range s.scopes[userID] {
		if sc.ValidAt(at) {
			out[rc] = struct{}{}
		}
	}
	return out, nil
}

// --- Regions ---

func (s *Store) GetRegion(_ context.Context, code string) (access.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[code]
	if !ok || !r.Active {
		return access.Region{}, fmt.Errorf("%w: region %s", access.ErrNotFound, code)
	}
	return r, nil
}

func (s *Store) ListRegions(_ context.Context) ([]access.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]access.Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// --- Audit ---

func (s *Store) QueryAudit(_ context.Context, f audit.Filter) (audit.Page, error) {
	f = f.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]audit.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.OccurredAt.After(f.To) {
			continue
		}
		if f.AfterID != "" && e.ID <= f.AfterID {
			continue
		}
		matches = append(matches, cloneEntry(e))
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	page := audit.Page{}
	if len(matches) > f.Limit {
		page.Entries = matches[:f.Limit]
		page.NextAfterID = matches[f.Limit-1].ID
	} else {
		page.Entries = matches
	}
	return page, nil
}

// --- helpers ---

func cloneModule(m access.Module) access.Module {
	m.AvailableActions = m.AvailableActions.Clone()
	return m
}

func cloneRole(r access.Role) access.Role {
	r.AllowedRegions = append([]string(nil), r.AllowedRegions...)
	return r
}

func cloneEntry(e audit.Entry) audit.Entry {
	if e.Details != nil {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}

func cloneGrant(g access.Grant) access.Grant {
	g.EnabledActions = g.EnabledActions.Clone()
	return g
}

func missingActions(have, allowed access.ActionSet) []access.Action {
	var out []access.Action
	for _, a := range have.Slice() {
		if !allowed.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

func joinActions(actions []access.Action) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}
