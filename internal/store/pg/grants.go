package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pymemad.org/internal/access"
	"pymemad.org/internal/audit"
)

const grantColumns = `role_code, module_code, enabled_actions, scope, created_at, updated_at`

func scanGrant(row interface{ Scan(...any) error }) (access.Grant, error) {
	var (
		g   access.Grant
		raw []byte
	)
	if err := row.Scan(&g.RoleCode, &g.ModuleCode, &raw, &g.Scope, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return access.Grant{}, err
	}
	actions, err := scanActionSet(raw)
	if err != nil {
		return access.Grant{}, err
	}
	g.EnabledActions = actions
	return g, nil
}

// lockGrant creates the (role, module) row if needed and takes a row lock on
// it, so concurrent edits of the same pair serialize while other pairs
// proceed. Only the enable/set paths may call it; remove-only paths use
// findGrant so a no-op never materializes an unaudited row.
func lockGrant(ctx context.Context, tx *sql.Tx, roleCode, moduleCode string) (access.Grant, error) {
	_, err := tx.ExecContext(ctx, `
		insert into role_module_access (role_code, module_code, enabled_actions, scope)
		values ($1, $2, '[]', $3)
		on conflict (role_code, module_code) do nothing
	`, roleCode, moduleCode, string(access.ScopeAll))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return access.Grant{}, fmt.Errorf("%w: role %s or module %s", access.ErrNotFound, roleCode, moduleCode)
		}
		return access.Grant{}, err
	}
	row := tx.QueryRowContext(ctx, `
		select `+grantColumns+` from role_module_access
		where role_code = $1 and module_code = $2
		for update
	`, roleCode, moduleCode)
	return scanGrant(row)
}

// findGrant locks the (role, module) row when it exists; a pair without a
// grant row has nothing to disable or sync.
func findGrant(ctx context.Context, tx *sql.Tx, roleCode, moduleCode string) (access.Grant, bool, error) {
	row := tx.QueryRowContext(ctx, `
		select `+grantColumns+` from role_module_access
		where role_code = $1 and module_code = $2
		for update
	`, roleCode, moduleCode)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Grant{}, false, nil
	}
	if err != nil {
		return access.Grant{}, false, err
	}
	return g, true, nil
}

func moduleActions(ctx context.Context, tx *sql.Tx, code string) (access.ActionSet, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, `select available_actions from modules where code = $1`, code).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: module %s", access.ErrNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return scanActionSet(raw)
}

func (s *Store) updateGrantActions(ctx context.Context, tx *sql.Tx, roleCode, moduleCode string, actions access.ActionSet, scope access.GrantScope) (access.Grant, error) {
	raw, err := marshalActionSet(actions)
	if err != nil {
		return access.Grant{}, err
	}
	row := tx.QueryRowContext(ctx, `
		update role_module_access set enabled_actions = $3, scope = $4, updated_at = now()
		where role_code = $1 and module_code = $2
		returning `+grantColumns+`
	`, roleCode, moduleCode, raw, string(scope))
	return scanGrant(row)
}

func (s *Store) EnableAction(ctx context.Context, roleCode, moduleCode string, a access.Action, actor access.Actor) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	available, err := moduleActions(ctx, tx, moduleCode)
	if err != nil {
		return false, err
	}
	if !available.Has(a) {
		return false, fmt.Errorf("%w: %s on module %s", access.ErrActionNotAvailable, a, moduleCode)
	}

	grant, err := lockGrant(ctx, tx, roleCode, moduleCode)
	if err != nil {
		return false, err
	}
	if grant.EnabledActions.Has(a) {
		return false, tx.Commit()
	}
	grant.EnabledActions.Add(a)
	if _, err := s.updateGrantActions(ctx, tx, roleCode, moduleCode, grant.EnabledActions, grant.Scope); err != nil {
		return false, err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindGrantAdded, "", map[string]string{
		"role":   roleCode,
		"module": moduleCode,
		"action": string(a),
	}, actor)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) DisableAction(ctx context.Context, roleCode, moduleCode string, a access.Action, actor access.Actor) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := moduleActions(ctx, tx, moduleCode); err != nil {
		return false, err
	}
	if err := roleExists(ctx, tx, roleCode); err != nil {
		return false, err
	}
	grant, ok, err := findGrant(ctx, tx, roleCode, moduleCode)
	if err != nil {
		return false, err
	}
	if !ok || !grant.EnabledActions.Has(a) {
		return false, tx.Commit()
	}
	grant.EnabledActions.Remove(a)
	if _, err := s.updateGrantActions(ctx, tx, roleCode, moduleCode, grant.EnabledActions, grant.Scope); err != nil {
		return false, err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindGrantRemoved, "", map[string]string{
		"role":   roleCode,
		"module": moduleCode,
		"action": string(a),
	}, actor)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) SetEnabledActions(ctx context.Context, roleCode, moduleCode string, actions access.ActionSet, scope access.GrantScope, actor access.Actor) (access.Grant, []access.Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return access.Grant{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	available, err := moduleActions(ctx, tx, moduleCode)
	if err != nil {
		return access.Grant{}, nil, err
	}
	if _, err := lockGrant(ctx, tx, roleCode, moduleCode); err != nil {
		return access.Grant{}, nil, err
	}

	kept := actions.Intersect(available)
	var dropped []access.Action
	for _, a := range actions.Slice() {
		if !available.Has(a) {
			dropped = append(dropped, a)
		}
	}

	grant, err := s.updateGrantActions(ctx, tx, roleCode, moduleCode, kept, scope)
	if err != nil {
		return access.Grant{}, nil, err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindGrantAdded, "", map[string]string{
		"role":    roleCode,
		"module":  moduleCode,
		"actions": joinActions(kept.Slice()),
		"op":      "set",
	}, actor)); err != nil {
		return access.Grant{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return access.Grant{}, nil, err
	}
	return grant, dropped, nil
}

func (s *Store) SyncGrant(ctx context.Context, roleCode, moduleCode string, actor access.Actor) ([]access.Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	available, err := moduleActions(ctx, tx, moduleCode)
	if err != nil {
		return nil, err
	}
	if err := roleExists(ctx, tx, roleCode); err != nil {
		return nil, err
	}
	grant, ok, err := findGrant(ctx, tx, roleCode, moduleCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tx.Commit()
	}

	kept := grant.EnabledActions.Intersect(available)
	var removed []access.Action
	for _, a := range grant.EnabledActions.Slice() {
		if !available.Has(a) {
			removed = append(removed, a)
		}
	}
	if len(removed) == 0 {
		return nil, tx.Commit()
	}

	if _, err := s.updateGrantActions(ctx, tx, roleCode, moduleCode, kept, grant.Scope); err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindGrantRemoved, "", map[string]string{
		"role":    roleCode,
		"module":  moduleCode,
		"actions": joinActions(removed),
		"op":      "sync",
	}, actor)); err != nil {
		return nil, err
	}
	return removed, tx.Commit()
}

func (s *Store) EnabledActions(ctx context.Context, roleCode, moduleCode string) (access.ActionSet, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select enabled_actions from role_module_access
		where role_code = $1 and module_code = $2
	`, roleCode, moduleCode).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return access.ActionSet{}, nil
	}
	if err != nil {
		return nil, err
	}
	return scanActionSet(raw)
}

func (s *Store) ListGrants(ctx context.Context, roleCode string) ([]access.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+` from role_module_access
		where role_code = $1 order by module_code
	`, roleCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Role assignments ---

// lockAssignment ensures the user's assignment row exists and locks it.
func lockAssignment(ctx context.Context, tx *sql.Tx, userID string) (access.RoleAssignment, error) {
	if _, err := tx.ExecContext(ctx, `
		insert into user_role_assignments (user_id, additional_roles)
		values ($1, '[]')
		on conflict (user_id) do nothing
	`, userID); err != nil {
		return access.RoleAssignment{}, err
	}
	var (
		a       access.RoleAssignment
		primary sql.NullString
		raw     []byte
	)
	err := tx.QueryRowContext(ctx, `
		select user_id, primary_role, additional_roles, updated_at
		from user_role_assignments where user_id = $1 for update
	`, userID).Scan(&a.UserID, &primary, &raw, &a.UpdatedAt)
	if err != nil {
		return access.RoleAssignment{}, err
	}
	if primary.Valid {
		a.PrimaryRole = primary.String
	}
	roles, err := scanStrings(raw)
	if err != nil {
		return access.RoleAssignment{}, err
	}
	a.AdditionalRoles = roles
	return a, nil
}

func roleExists(ctx context.Context, tx *sql.Tx, code string) error {
	var dummy int
	err := tx.QueryRowContext(ctx, `select 1 from roles where code = $1`, code).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: role %s", access.ErrNotFound, code)
	}
	return err
}

func (s *Store) AssignPrimaryRole(ctx context.Context, userID, roleCode string, actor access.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Empty role code clears the assignment; the column goes NULL to keep the
	// roles foreign key satisfied.
	if roleCode != "" {
		if err := roleExists(ctx, tx, roleCode); err != nil {
			return err
		}
	}
	a, err := lockAssignment(ctx, tx, userID)
	if err != nil {
		return err
	}
	if a.PrimaryRole == roleCode {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
		update user_role_assignments set primary_role = $2, updated_at = now()
		where user_id = $1
	`, userID, nullIfEmpty(roleCode)); err != nil {
		return err
	}
	kind := audit.KindRoleAssigned
	if roleCode == "" {
		kind = audit.KindRoleRemoved
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(kind, userID, map[string]string{
		"role":     roleCode,
		"primary":  "true",
		"previous": a.PrimaryRole,
	}, actor)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddAdditionalRole(ctx context.Context, userID, roleCode string, actor access.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := roleExists(ctx, tx, roleCode); err != nil {
		return err
	}
	a, err := lockAssignment(ctx, tx, userID)
	if err != nil {
		return err
	}
	for _, rc := range a.AdditionalRoles {
		if rc == roleCode {
			return tx.Commit()
		}
	}
	raw, err := marshalStrings(append(a.AdditionalRoles, roleCode))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update user_role_assignments set additional_roles = $2, updated_at = now()
		where user_id = $1
	`, userID, raw); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindRoleAssigned, userID, map[string]string{
		"role":    roleCode,
		"primary": "false",
	}, actor)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RemoveAdditionalRole(ctx context.Context, userID, roleCode string, actor access.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := lockAssignment(ctx, tx, userID)
	if err != nil {
		return err
	}
	kept := a.AdditionalRoles[:0]
	found := false
	for _, rc := range a.AdditionalRoles {
		if rc == roleCode {
			found = true
			continue
		}
		kept = append(kept, rc)
	}
	if !found {
		return tx.Commit()
	}
	raw, err := marshalStrings(kept)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update user_role_assignments set additional_roles = $2, updated_at = now()
		where user_id = $1
	`, userID, raw); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindRoleRemoved, userID, map[string]string{
		"role": roleCode,
	}, actor)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAssignment(ctx context.Context, userID string) (access.RoleAssignment, error) {
	var (
		a       access.RoleAssignment
		primary sql.NullString
		raw     []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select user_id, primary_role, additional_roles, updated_at
		from user_role_assignments where user_id = $1
	`, userID).Scan(&a.UserID, &primary, &raw, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.RoleAssignment{UserID: userID}, nil
	}
	if err != nil {
		return access.RoleAssignment{}, err
	}
	if primary.Valid {
		a.PrimaryRole = primary.String
	}
	roles, err := scanStrings(raw)
	if err != nil {
		return access.RoleAssignment{}, err
	}
	a.AdditionalRoles = roles
	return a, nil
}

// --- Regional scopes ---

const scopeColumns = `user_id, region_code, access_level, is_primary, active, expires_at, created_at, updated_at`

func scanScope(row interface{ Scan(...any) error }) (access.RegionalScope, error) {
	var (
		sc      access.RegionalScope
		expires sql.NullTime
	)
	if err := row.Scan(&sc.UserID, &sc.RegionCode, &sc.Level, &sc.Primary, &sc.Active, &expires, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return access.RegionalScope{}, err
	}
	if expires.Valid {
		t := expires.Time
		sc.ExpiresAt = &t
	}
	return sc, nil
}

func (s *Store) GrantRegion(ctx context.Context, scope access.RegionalScope, actor access.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the whole scope set of the user so the single-primary invariant
	// survives concurrent grants.
	if _, err := tx.ExecContext(ctx, `
		select 1 from user_regional_scopes where user_id = $1 for update
	`, scope.UserID); err != nil {
		return err
	}

	if scope.Primary {
		rows, err := tx.QueryContext(ctx, `
			select region_code from user_regional_scopes
			where user_id = $1 and is_primary and region_code <> $2
		`, scope.UserID, scope.RegionCode)
		if err != nil {
			return err
		}
		var demoted []string
		for rows.Next() {
			var rc string
			if err := rows.Scan(&rc); err != nil {
				rows.Close()
				return err
			}
			demoted = append(demoted, rc)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(demoted) > 0 {
			if _, err := tx.ExecContext(ctx, `
				update user_regional_scopes set is_primary = false, updated_at = now()
				where user_id = $1 and is_primary and region_code <> $2
			`, scope.UserID, scope.RegionCode); err != nil {
				return err
			}
			for _, rc := range demoted {
				if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindScopeChanged, scope.UserID, map[string]string{
					"region": rc,
					"change": "primary_demoted",
				}, actor)); err != nil {
					return err
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into user_regional_scopes (user_id, region_code, access_level, is_primary, active, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id, region_code) do update set
			access_level = excluded.access_level,
			is_primary = excluded.is_primary,
			active = excluded.active,
			expires_at = excluded.expires_at,
			updated_at = now()
	`, scope.UserID, scope.RegionCode, string(scope.Level), scope.Primary, scope.Active, nullTime(scope.ExpiresAt)); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: region %s", access.ErrNotFound, scope.RegionCode)
		}
		return err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindRegionGranted, scope.UserID, map[string]string{
		"region":  scope.RegionCode,
		"level":   string(scope.Level),
		"primary": fmt.Sprintf("%t", scope.Primary),
	}, actor)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RevokeRegion(ctx context.Context, userID, regionCode string, actor access.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		delete from user_regional_scopes where user_id = $1 and region_code = $2
	`, userID, regionCode)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		// Revoking an absent scope is a no-op, not an error.
		return tx.Commit()
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindRegionRevoked, userID, map[string]string{
		"region": regionCode,
	}, actor)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListScopes(ctx context.Context, userID string) ([]access.RegionalScope, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+scopeColumns+` from user_regional_scopes
		where user_id = $1 order by region_code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.RegionalScope
	for rows.Next() {
		sc, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) ValidScopes(ctx context.Context, userID string, at time.Time) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		select region_code from user_regional_scopes
		where user_id = $1 and active and (expires_at is null or expires_at > $2)
	`, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var rc string
		if err := rows.Scan(&rc); err != nil {
			return nil, err
		}
		out[rc] = struct{}{}
	}
	return out, rows.Err()
}

// --- Region vocabulary ---

// GetRegion resolves a region that can still receive scopes; a deactivated
// region is not found, matching the memory store.
func (s *Store) GetRegion(ctx context.Context, code string) (access.Region, error) {
	var r access.Region
	err := s.db.QueryRowContext(ctx, `
		select code, name, active from regions where code = $1 and active
	`, code).Scan(&r.Code, &r.Name, &r.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Region{}, fmt.Errorf("%w: region %s", access.ErrNotFound, code)
	}
	if err != nil {
		return access.Region{}, err
	}
	return r, nil
}

func (s *Store) ListRegions(ctx context.Context) ([]access.Region, error) {
	rows, err := s.db.QueryContext(ctx, `select code, name, active from regions order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Region
	for rows.Next() {
		var r access.Region
		if err := rows.Scan(&r.Code, &r.Name, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
