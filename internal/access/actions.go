package access

import (
	"encoding/json"
	"fmt"
)

// Action identifies a single operation a role may be allowed to perform on a
// module. The vocabulary is fixed; anything outside it is rejected at write
// time.
type Action string

const (
	ActionView           Action = "view"
	ActionAdd            Action = "add"
	ActionChange         Action = "change"
	ActionDelete         Action = "delete"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionAssign         Action = "assign"
	ActionTransfer       Action = "transfer"
	ActionExport         Action = "export"
	ActionImport         Action = "import"
	ActionBackup         Action = "backup"
	ActionGenerateReport Action = "generate_report"
	ActionManagePayments Action = "manage_payments"
	ActionViewSensitive  Action = "view_sensitive"
	ActionBulkUpdate     Action = "bulk_update"
	ActionAudit          Action = "audit"
	ActionOverride       Action = "override"
	ActionRestore        Action = "restore"
)

// actionOrder fixes the canonical ordering used for JSON and storage.
var actionOrder = []Action{
	ActionView, ActionAdd, ActionChange, ActionDelete,
	ActionApprove, ActionReject, ActionAssign, ActionTransfer,
	ActionExport, ActionImport, ActionBackup, ActionGenerateReport,
	ActionManagePayments, ActionViewSensitive, ActionBulkUpdate,
	ActionAudit, ActionOverride, ActionRestore,
}

var actionRank = func() map[Action]int {
	m := make(map[Action]int, len(actionOrder))
	for i, a := range actionOrder {
		m[a] = i
	}
	return m
}()

// Valid reports whether the action belongs to the vocabulary.
func (a Action) Valid() bool {
	_, ok := actionRank[a]
	return ok
}

// BaseActions returns the default CRUD set applied to modules created without
// an explicit action list.
func BaseActions() ActionSet {
	return NewActionSet(ActionView, ActionAdd, ActionChange, ActionDelete)
}

// ActionSet is an unordered set of actions with canonical-order encoding.
type ActionSet map[Action]struct{}

// NewActionSet builds a set from the given actions. Invalid actions are kept
// out of the vocabulary checks performed by callers; this constructor does not
// validate.
func NewActionSet(actions ...Action) ActionSet {
	s := make(ActionSet, len(actions))
	for _, a := range actions {
		s[a] = struct{}{}
	}
	return s
}

// ParseActions converts raw strings into an ActionSet, returning the actions
// that are not part of the vocabulary separately.
func ParseActions(raw []string) (ActionSet, []string) {
	set := make(ActionSet, len(raw))
	var unknown []string
	for _, r := range raw {
		a := Action(r)
		if !a.Valid() {
			unknown = append(unknown, r)
			continue
		}
		set[a] = struct{}{}
	}
	return set, unknown
}

func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// Add inserts the action and reports whether the set changed.
func (s ActionSet) Add(a Action) bool {
	if _, ok := s[a]; ok {
		return false
	}
	s[a] = struct{}{}
	return true
}

// Remove deletes the action and reports whether the set changed.
func (s ActionSet) Remove(a Action) bool {
	if _, ok := s[a]; !ok {
		return false
	}
	delete(s, a)
	return true
}

// Union returns a new set containing every action of s and other.
func (s ActionSet) Union(other ActionSet) ActionSet {
	out := make(ActionSet, len(s)+len(other))
	for a := range s {
		out[a] = struct{}{}
	}
	for a := range other {
		out[a] = struct{}{}
	}
	return out
}

// Intersect returns a new set containing the actions present in both sets.
func (s ActionSet) Intersect(other ActionSet) ActionSet {
	out := ActionSet{}
	for a := range s {
		if other.Has(a) {
			out[a] = struct{}{}
		}
	}
	return out
}

// SubsetOf reports whether every action in s is also in other.
func (s ActionSet) SubsetOf(other ActionSet) bool {
	for a := range s {
		if !other.Has(a) {
			return false
		}
	}
	return true
}

func (s ActionSet) Equal(other ActionSet) bool {
	return len(s) == len(other) && s.SubsetOf(other)
}

// Clone returns an independent copy.
func (s ActionSet) Clone() ActionSet {
	out := make(ActionSet, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	return out
}

// Slice returns the actions in canonical vocabulary order.
func (s ActionSet) Slice() []Action {
	out := make([]Action, 0, len(s))
	for _, a := range actionOrder {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// Strings returns the ordered actions as plain strings.
func (s ActionSet) Strings() []string {
	ordered := s.Slice()
	out := make([]string, len(ordered))
	for i, a := range ordered {
		out[i] = string(a)
	}
	return out
}

// MarshalJSON encodes the set as a canonical-order JSON array.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a JSON array of action names. Names outside the
// vocabulary fail decoding; stored sets are validated at write time so this
// only trips on hand-edited data.
func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set := make(ActionSet, len(raw))
	for _, r := range raw {
		a := Action(r)
		if !a.Valid() {
			return fmt.Errorf("unknown action %q", r)
		}
		set[a] = struct{}{}
	}
	*s = set
	return nil
}
