package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pymemad.org/internal/audit"
)

// QueryAudit pages through audit entries with keyset pagination on the ULID
// id, which sorts by creation time.
func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) (audit.Page, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = "+arg(f.ActorID))
	}
	if f.Kind != "" {
		where = append(where, "kind = "+arg(string(f.Kind)))
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at < "+arg(f.To))
	}
	if f.AfterID != "" {
		where = append(where, "id > "+arg(f.AfterID))
	}

	query := `select id, occurred_at, user_id, kind, details, actor_id, ip, user_agent from audit_entries`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	// One extra row decides whether a next page exists.
	query += " order by id limit " + arg(f.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return audit.Page{}, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			userID  nullableString
			ip      nullableString
			agent   nullableString
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &userID, &e.Kind, &details, &e.ActorID, &ip, &agent); err != nil {
			return audit.Page{}, err
		}
		e.UserID = userID.value
		e.IP = ip.value
		e.UserAgent = agent.value
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return audit.Page{}, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return audit.Page{}, err
	}

	page := audit.Page{Entries: entries}
	if len(entries) > f.Limit {
		page.Entries = entries[:f.Limit]
		page.NextAfterID = entries[f.Limit-1].ID
	}
	return page, nil
}

// nullableString scans SQL nulls into the empty string without sql.NullString
// ceremony at every call site.
type nullableString struct {
	value string
}

func (n *nullableString) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.value = ""
	case string:
		n.value = v
	case []byte:
		n.value = string(v)
	default:
		return fmt.Errorf("cannot scan %T into string", src)
	}
	return nil
}
