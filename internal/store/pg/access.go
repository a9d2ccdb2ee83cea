package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"pymemad.org/internal/access"
	"pymemad.org/internal/audit"
)

var _ access.Store = (*Store)(nil)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// appendAudit inserts the entry through the mutation's own transaction.
// Failing here fails the mutation: an un-audited privilege change is a
// security defect, not a best-effort log line.
func appendAudit(ctx context.Context, q execer, e audit.Entry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = raw
	}
	_, err := q.ExecContext(ctx, `
		insert into audit_entries (id, occurred_at, user_id, kind, details, actor_id, ip, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.OccurredAt, nullIfEmpty(e.UserID), string(e.Kind), details,
		e.ActorID, nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func scanActionSet(raw []byte) (access.ActionSet, error) {
	set := access.ActionSet{}
	if len(raw) == 0 {
		return set, nil
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode action set: %w", err)
	}
	return set, nil
}

func marshalActionSet(set access.ActionSet) ([]byte, error) {
	return json.Marshal(set)
}

func scanStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return out, nil
}

func marshalStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

// --- Module catalog ---

const moduleColumns = `code, name, parent_code, available_actions, active, sort_order, created_at, updated_at`

func scanModule(row interface{ Scan(...any) error }) (access.Module, error) {
	var (
		m      access.Module
		parent sql.NullString
		raw    []byte
	)
	if err := row.Scan(&m.Code, &m.Name, &parent, &raw, &m.Active, &m.SortOrder, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return access.Module{}, err
	}
	if parent.Valid {
		m.ParentCode = parent.String
	}
	actions, err := scanActionSet(raw)
	if err != nil {
		return access.Module{}, err
	}
	m.AvailableActions = actions
	return m, nil
}

func (s *Store) CreateModule(ctx context.Context, m access.Module, actor access.Actor) (access.Module, error) {
	raw, err := marshalActionSet(m.AvailableActions)
	if err != nil {
		return access.Module{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return access.Module{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into modules (code, name, parent_code, available_actions, active, sort_order)
		values ($1, $2, $3, $4, $5, $6)
		returning `+moduleColumns+`
	`, m.Code, m.Name, nullIfEmpty(m.ParentCode), raw, m.Active, m.SortOrder)
	created, err := scanModule(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return access.Module{}, fmt.Errorf("%w: module %s", access.ErrDuplicateCode, m.Code)
			case pgErrForeignKeyViolation:
				return access.Module{}, fmt.Errorf("%w: parent module %s", access.ErrNotFound, m.ParentCode)
			}
		}
		return access.Module{}, err
	}

	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindModuleChanged, "", map[string]string{
		"op":     "create",
		"module": created.Code,
	}, actor)); err != nil {
		return access.Module{}, err
	}
	if err := tx.Commit(); err != nil {
		return access.Module{}, err
	}
	return created, nil
}

func (s *Store) GetModule(ctx context.Context, code string) (access.Module, error) {
	row := s.db.QueryRowContext(ctx, `select `+moduleColumns+` from modules where code = $1`, code)
	m, err := scanModule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Module{}, fmt.Errorf("%w: module %s", access.ErrNotFound, code)
	}
	if err != nil {
		return access.Module{}, err
	}
	return m, nil
}

func (s *Store) ListModules(ctx context.Context) ([]access.Module, error) {
	rows, err := s.db.QueryContext(ctx, `select `+moduleColumns+` from modules order by sort_order, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetModuleParent(ctx context.Context, code, parentCode string, actor access.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from modules where code = $1 for update`, code).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: module %s", access.ErrNotFound, code)
		}
		return err
	}
	if parentCode != "" {
		if err := tx.QueryRowContext(ctx, `select 1 from modules where code = $1`, parentCode).Scan(&dummy); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: parent module %s", access.ErrNotFound, parentCode)
			}
			return err
		}
		// Walk upward from the proposed parent; finding the module there
		// means the assignment closes a cycle.
		var cycle bool
		err := tx.QueryRowContext(ctx, `
			with recursive chain as (
				select code, parent_code from modules where code = $1
				union all
				select m.code, m.parent_code from modules m
				join chain c on m.code = c.parent_code
			)
			select exists (select 1 from chain where code = $2)
		`, parentCode, code).Scan(&cycle)
		if err != nil {
			return err
		}
		if cycle {
			return fmt.Errorf("%w: %s is a descendant of %s", access.ErrCycleDetected, parentCode, code)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		update modules set parent_code = $2, updated_at = now() where code = $1
	`, code, nullIfEmpty(parentCode)); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindModuleChanged, "", map[string]string{
		"op":     "set_parent",
		"module": code,
		"parent": parentCode,
	}, actor)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetAvailableActions(ctx context.Context, code string, actions access.ActionSet, actor access.Actor) (access.Module, error) {
	raw, err := marshalActionSet(actions)
	if err != nil {
		return access.Module{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return access.Module{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from modules where code = $1 for update`, code).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return access.Module{}, fmt.Errorf("%w: module %s", access.ErrNotFound, code)
		}
		return access.Module{}, err
	}

	// Prune every grant on this module in the same transaction, so the
	// containment invariant holds at commit.
	grantRows, err := tx.QueryContext(ctx, `
		select role_code, enabled_actions from role_module_access
		where module_code = $1 for update
	`, code)
	if err != nil {
		return access.Module{}, err
	}
	type pruned struct {
		role    string
		kept    access.ActionSet
		removed []access.Action
	}
	var prunes []pruned
	for grantRows.Next() {
		var (
			role string
			blob []byte
		)
		if err := grantRows.Scan(&role, &blob); err != nil {
			grantRows.Close()
			return access.Module{}, err
		}
		enabled, err := scanActionSet(blob)
		if err != nil {
			grantRows.Close()
			return access.Module{}, err
		}
		kept := enabled.Intersect(actions)
		if kept.Equal(enabled) {
			continue
		}
		var removed []access.Action
		for _, a := range enabled.Slice() {
			if !actions.Has(a) {
				removed = append(removed, a)
			}
		}
		prunes = append(prunes, pruned{role: role, kept: kept, removed: removed})
	}
	if err := grantRows.Err(); err != nil {
		grantRows.Close()
		return access.Module{}, err
	}
	grantRows.Close()

	for _, p := range prunes {
		keptRaw, err := marshalActionSet(p.kept)
		if err != nil {
			return access.Module{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			update role_module_access set enabled_actions = $3, updated_at = now()
			where role_code = $1 and module_code = $2
		`, p.role, code, keptRaw); err != nil {
			return access.Module{}, err
		}
		if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindGrantRemoved, "", map[string]string{
			"role":    p.role,
			"module":  code,
			"actions": joinActions(p.removed),
			"op":      "sync",
		}, actor)); err != nil {
			return access.Module{}, err
		}
	}

	row := tx.QueryRowContext(ctx, `
		update modules set available_actions = $2, updated_at = now()
		where code = $1
		returning `+moduleColumns+`
	`, code, raw)
	m, err := scanModule(row)
	if err != nil {
		return access.Module{}, err
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindModuleChanged, "", map[string]string{
		"op":      "set_actions",
		"module":  code,
		"actions": joinActions(actions.Slice()),
	}, actor)); err != nil {
		return access.Module{}, err
	}
	if err := tx.Commit(); err != nil {
		return access.Module{}, err
	}
	return m, nil
}

func (s *Store) SetModuleActive(ctx context.Context, code string, active bool, actor access.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update modules set active = $2, updated_at = now() where code = $1
	`, code, active)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: module %s", access.ErrNotFound, code)
	}
	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindModuleChanged, "", map[string]string{
		"op":     "set_active",
		"module": code,
		"active": fmt.Sprintf("%t", active),
	}, actor)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Descendants(ctx context.Context, code string) ([]access.Module, error) {
	if _, err := s.GetModule(ctx, code); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		with recursive subtree as (
			select `+moduleColumns+` from modules where parent_code = $1
			union all
			select m.code, m.name, m.parent_code, m.available_actions, m.active, m.sort_order, m.created_at, m.updated_at
			from modules m
			join subtree t on m.parent_code = t.code
		)
		select `+moduleColumns+` from subtree order by sort_order, code
	`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Role registry ---

const roleColumns = `code, name, level, governance, allowed_regions, system, active, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (access.Role, error) {
	var (
		r   access.Role
		raw []byte
	)
	if err := row.Scan(&r.Code, &r.Name, &r.Level, &r.Governance, &raw, &r.System, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return access.Role{}, err
	}
	regions, err := scanStrings(raw)
	if err != nil {
		return access.Role{}, err
	}
	r.AllowedRegions = regions
	return r, nil
}

func (s *Store) CreateRole(ctx context.Context, r access.Role, actor access.Actor) (access.Role, error) {
	regions, err := marshalStrings(r.AllowedRegions)
	if err != nil {
		return access.Role{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return access.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into roles (code, name, level, governance, allowed_regions, system, active)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+roleColumns+`
	`, r.Code, r.Name, r.Level, string(r.Governance), regions, r.System, r.Active)
	created, err := scanRole(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return access.Role{}, fmt.Errorf("%w: role %s", access.ErrDuplicateCode, r.Code)
		}
		return access.Role{}, err
	}

	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindRoleChanged, "", map[string]string{
		"op":   "create",
		"role": created.Code,
	}, actor)); err != nil {
		return access.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return access.Role{}, err
	}
	return created, nil
}

func (s *Store) GetRole(ctx context.Context, code string) (access.Role, error) {
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where code = $1`, code)
	r, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Role{}, fmt.Errorf("%w: role %s", access.ErrNotFound, code)
	}
	if err != nil {
		return access.Role{}, err
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]access.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by level, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateGovernance(ctx context.Context, code string, g access.Governance, regions []string, allowSystem bool, actor access.Actor) (access.Role, error) {
	raw, err := marshalStrings(regions)
	if err != nil {
		return access.Role{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return access.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var system bool
	if err := tx.QueryRowContext(ctx, `select system from roles where code = $1 for update`, code).Scan(&system); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return access.Role{}, fmt.Errorf("%w: role %s", access.ErrNotFound, code)
		}
		return access.Role{}, err
	}
	if system && !allowSystem {
		return access.Role{}, fmt.Errorf("%w: %s", access.ErrSystemRoleImmutable, code)
	}

	row := tx.QueryRowContext(ctx, `
		update roles set governance = $2, allowed_regions = $3, updated_at = now()
		where code = $1
		returning `+roleColumns+`
	`, code, string(g), raw)
	updated, err := scanRole(row)
	if err != nil {
		return access.Role{}, err
	}

	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindRoleChanged, "", map[string]string{
		"op":         "update_governance",
		"role":       code,
		"governance": string(g),
	}, actor)); err != nil {
		return access.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return access.Role{}, err
	}
	return updated, nil
}

func (s *Store) DeleteRole(ctx context.Context, code string, actor access.Actor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var system bool
	if err := tx.QueryRowContext(ctx, `select system from roles where code = $1 for update`, code).Scan(&system); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: role %s", access.ErrNotFound, code)
		}
		return err
	}
	if system {
		return fmt.Errorf("%w: %s", access.ErrSystemRoleImmutable, code)
	}

	var primaryUser string
	err = tx.QueryRowContext(ctx, `
		select user_id from user_role_assignments where primary_role = $1 limit 1
	`, code).Scan(&primaryUser)
	if err == nil {
		return fmt.Errorf("%w: %s is primary for user %s", access.ErrRoleInUse, code, primaryUser)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindRoleChanged, "", map[string]string{
		"op":   "delete",
		"role": code,
	}, actor)); err != nil {
		return err
	}

	// Detach additional-role references, auditing each affected user.
	rows, err := tx.QueryContext(ctx, `
		select user_id, additional_roles from user_role_assignments
		where additional_roles @> to_jsonb(array[$1::text])
		for update
	`, code)
	if err != nil {
		return err
	}
	type detachment struct {
		userID string
		kept   []string
	}
	var detachments []detachment
	for rows.Next() {
		var (
			userID string
			blob   []byte
		)
		if err := rows.Scan(&userID, &blob); err != nil {
			rows.Close()
			return err
		}
		roles, err := scanStrings(blob)
		if err != nil {
			rows.Close()
			return err
		}
		kept := roles[:0]
		for _, rc := range roles {
			if rc != code {
				kept = append(kept, rc)
			}
		}
		detachments = append(detachments, detachment{userID: userID, kept: kept})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, d := range detachments {
		raw, err := marshalStrings(d.kept)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update user_role_assignments set additional_roles = $2, updated_at = now()
			where user_id = $1
		`, d.userID, raw); err != nil {
			return err
		}
		if err := appendAudit(ctx, tx, access.NewAuditEntry(audit.KindRoleRemoved, d.userID, map[string]string{
			"role":   code,
			"reason": "role_deleted",
		}, actor)); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `delete from role_module_access where role_code = $1`, code); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from roles where code = $1`, code); err != nil {
		return err
	}
	return tx.Commit()
}

func joinActions(actions []access.Action) string {
	out := ""
	for i, a := range actions {
		if i > 0 {
			out += ","
		}
		out += string(a)
	}
	return out
}
