// Package audit defines the append-only ledger of permission-affecting
// mutations. Entries are written in the same transaction as the mutation they
// describe and are never updated or deleted by normal operation.
package audit

import (
	"strings"
	"time"
)

// Kind classifies what a mutation did.
type Kind string

const (
	KindRoleAssigned    Kind = "role_assigned"
	KindRoleRemoved     Kind = "role_removed"
	KindGrantAdded      Kind = "grant_added"
	KindGrantRemoved    Kind = "grant_removed"
	KindRegionGranted   Kind = "region_granted"
	KindRegionRevoked   Kind = "region_revoked"
	KindScopeChanged    Kind = "scope_changed"
	KindUserActivated   Kind = "user_activated"
	KindUserDeactivated Kind = "user_deactivated"
	KindModuleChanged   Kind = "module_changed"
	KindRoleChanged     Kind = "role_changed"
)

var known = map[Kind]struct{}{
	KindRoleAssigned: {}, KindRoleRemoved: {},
	KindGrantAdded: {}, KindGrantRemoved: {},
	KindRegionGranted: {}, KindRegionRevoked: {},
	KindScopeChanged:  {},
	KindUserActivated: {}, KindUserDeactivated: {},
	KindModuleChanged: {}, KindRoleChanged: {},
}

func (k Kind) Valid() bool {
	_, ok := known[k]
	return ok
}

// Entry is one immutable audit record.
type Entry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	UserID     string            `json:"user_id,omitempty"`
	Kind       Kind              `json:"kind"`
	Details    map[string]string `json:"details,omitempty"`
	ActorID    string            `json:"actor_id"`
	IP         string            `json:"ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	UserID  string
	ActorID string
	Kind    Kind
	From    time.Time
	To      time.Time
	// AfterID is the keyset cursor: only entries with an id strictly greater
	// than it are returned. ULIDs sort by creation time.
	AfterID string
	Limit   int
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Normalize clamps the filter into query-safe shape.
func (f Filter) Normalize() Filter {
	f.UserID = strings.TrimSpace(f.UserID)
	f.ActorID = strings.TrimSpace(f.ActorID)
	f.AfterID = strings.TrimSpace(f.AfterID)
	if f.Limit <= 0 || f.Limit > maxPageSize {
		f.Limit = defaultPageSize
	}
	return f
}

// Page is one slice of query results. NextAfterID is empty when the page is
// the last one.
type Page struct {
	Entries     []Entry `json:"entries"`
	NextAfterID string  `json:"next_after_id,omitempty"`
}
