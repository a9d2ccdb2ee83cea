package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"pymemad.org/internal/access"
	"pymemad.org/internal/audit"
	"pymemad.org/internal/ids"
)

type createModuleRequest struct {
	Code       string   `json:"code"`
	Name       string   `json:"name"`
	ParentCode string   `json:"parent_code"`
	Actions    []string `json:"available_actions"`
	SortOrder  int      `json:"sort_order"`
}

type setParentRequest struct {
	ParentCode string `json:"parent_code"`
}

type setActionsRequest struct {
	Actions []string `json:"actions"`
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

type createRoleRequest struct {
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	Level          int      `json:"level"`
	Governance     string   `json:"governance"`
	AllowedRegions []string `json:"allowed_regions"`
}

type updateGovernanceRequest struct {
	Governance     string   `json:"governance"`
	AllowedRegions []string `json:"allowed_regions"`
}

type setGrantRequest struct {
	Actions []string `json:"actions"`
	Scope   string   `json:"scope"`
}

type grantActionRequest struct {
	Action string `json:"action"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

type grantScopeRequest struct {
	Region    string     `json:"region"`
	Level     string     `json:"level"`
	Primary   bool       `json:"primary"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type checkRequest struct {
	UserID string `json:"user_id"`
	Module string `json:"module"`
	Action string `json:"action"`
	Region string `json:"region"`
}

// --- Modules ---

func (a *API) handleModules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		modules, err := a.service.ListModules(r.Context())
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
	case http.MethodPost:
		if !a.ensureAdmin(w, r) {
			return
		}
		var req createModuleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		actions, unknown := access.ParseActions(req.Actions)
		if len(unknown) > 0 {
			writeError(w, r, http.StatusBadRequest, "unknown actions: "+strings.Join(unknown, ", "))
			return
		}
		m, err := a.service.CreateModule(r.Context(), access.Module{
			Code:             req.Code,
			Name:             req.Name,
			ParentCode:       req.ParentCode,
			AvailableActions: actions,
			Active:           true,
			SortOrder:        req.SortOrder,
		}, actorFromRequest(r))
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/modules/"+m.Code)
		writeJSON(w, http.StatusCreated, m)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleModuleResource(w http.ResponseWriter, r *http.Request) {
	parts := resourceParts(r.URL.Path, "/v1/modules/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	code := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		m, err := a.service.GetModule(r.Context(), code)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch parts[1] {
	case "parent":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		if !a.ensureAdmin(w, r) {
			return
		}
		var req setParentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.service.SetModuleParent(r.Context(), code, req.ParentCode, actorFromRequest(r)); err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "actions":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		if !a.ensureAdmin(w, r) {
			return
		}
		var req setActionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		actions, unknown := access.ParseActions(req.Actions)
		if len(unknown) > 0 {
			writeError(w, r, http.StatusBadRequest, "unknown actions: "+strings.Join(unknown, ", "))
			return
		}
		m, err := a.service.SetAvailableActions(r.Context(), code, actions, actorFromRequest(r))
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case "active":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		if !a.ensureAdmin(w, r) {
			return
		}
		var req setActiveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.service.SetModuleActive(r.Context(), code, req.Active, actorFromRequest(r)); err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "descendants":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		modules, err := a.service.Descendants(r.Context(), code)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- Roles ---

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		roles, err := a.service.ListRoles(r.Context())
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		if !a.ensureAdmin(w, r) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.service.CreateRole(r.Context(), access.Role{
			Code:           req.Code,
			Name:           req.Name,
			Level:          req.Level,
			Governance:     access.Governance(req.Governance),
			AllowedRegions: req.AllowedRegions,
			Active:         true,
		}, actorFromRequest(r))
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/roles/"+role.Code)
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	parts := resourceParts(r.URL.Path, "/v1/roles/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	code := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			role, err := a.service.GetRole(r.Context(), code)
			if err != nil {
				handleAccessError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		case http.MethodDelete:
			if !a.ensureAdmin(w, r) {
				return
			}
			if err := a.service.DeleteRole(r.Context(), code, actorFromRequest(r)); err != nil {
				handleAccessError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
		return
	}

	switch parts[1] {
	case "governance":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		if !a.ensureAdmin(w, r) {
			return
		}
		var req updateGovernanceRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.service.UpdateGovernance(r.Context(), code, access.Governance(req.Governance), req.AllowedRegions, false, actorFromRequest(r))
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case "grants":
		a.handleRoleGrants(w, r, code, parts[2:])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRoleGrants(w http.ResponseWriter, r *http.Request, roleCode string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		grants, err := a.service.ListGrants(r.Context(), roleCode)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
		return
	}

	moduleCode := rest[0]
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			set, err := a.service.EnabledActions(r.Context(), roleCode, moduleCode)
			if err != nil {
				handleAccessError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"actions": set})
		case http.MethodPut:
			if !a.ensureAdmin(w, r) {
				return
			}
			var req setGrantRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			actions, unknown := access.ParseActions(req.Actions)
			if len(unknown) > 0 {
				writeError(w, r, http.StatusBadRequest, "unknown actions: "+strings.Join(unknown, ", "))
				return
			}
			scope := access.GrantScope(req.Scope)
			if req.Scope == "" {
				scope = access.ScopeAll
			}
			grant, dropped, err := a.service.SetEnabledActions(r.Context(), roleCode, moduleCode, actions, scope, actorFromRequest(r))
			if err != nil {
				handleAccessError(w, r, err)
				return
			}
			resp := map[string]any{"grant": grant}
			if len(dropped) > 0 {
				resp["dropped"] = dropped
			}
			writeJSON(w, http.StatusOK, resp)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		}
		return
	}

	if len(rest) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureAdmin(w, r) {
		return
	}
	switch rest[1] {
	case "enable", "disable":
		var req grantActionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		action := access.Action(req.Action)
		var (
			changed bool
			err     error
		)
		if rest[1] == "enable" {
			changed, err = a.service.EnableAction(r.Context(), roleCode, moduleCode, action, actorFromRequest(r))
		} else {
			changed, err = a.service.DisableAction(r.Context(), roleCode, moduleCode, action, actorFromRequest(r))
		}
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
	case "sync":
		removed, err := a.service.SyncGrant(r.Context(), roleCode, moduleCode, actorFromRequest(r))
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		if removed == nil {
			removed = []access.Action{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- Users: assignments and scopes ---

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	parts := resourceParts(r.URL.Path, "/v1/users/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch parts[1] {
	case "assignment":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		assignment, err := a.service.GetAssignment(r.Context(), userID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, assignment)
	case "roles":
		a.handleUserRoles(w, r, userID, parts[2:])
	case "scopes":
		a.handleUserScopes(w, r, userID, parts[2:])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	if len(rest) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch rest[0] {
	case "primary":
		if len(rest) != 1 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		if !a.ensureAdmin(w, r) {
			return
		}
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.service.AssignPrimaryRole(r.Context(), userID, req.Role, actorFromRequest(r)); err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "additional":
		switch len(rest) {
		case 1:
			if r.Method != http.MethodPost {
				methodNotAllowed(w, r, http.MethodPost)
				return
			}
			if !a.ensureAdmin(w, r) {
				return
			}
			var req assignRoleRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			if err := a.service.AddAdditionalRole(r.Context(), userID, req.Role, actorFromRequest(r)); err != nil {
				handleAccessError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case 2:
			if r.Method != http.MethodDelete {
				methodNotAllowed(w, r, http.MethodDelete)
				return
			}
			if !a.ensureAdmin(w, r) {
				return
			}
			if err := a.service.RemoveAdditionalRole(r.Context(), userID, rest[1], actorFromRequest(r)); err != nil {
				handleAccessError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserScopes(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			scopes, err := a.service.ListScopes(r.Context(), userID)
			if err != nil {
				handleAccessError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"scopes": scopes})
		case http.MethodPost:
			if !a.ensureAdmin(w, r) {
				return
			}
			var req grantScopeRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			level := access.AccessLevel(req.Level)
			if req.Level == "" {
				level = access.AccessFull
			}
			if err := a.service.GrantRegion(r.Context(), userID, req.Region, level, req.Primary, req.ExpiresAt, actorFromRequest(r)); err != nil {
				handleAccessError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if !a.ensureAdmin(w, r) {
			return
		}
		if err := a.service.RevokeRegion(r.Context(), userID, rest[0], actorFromRequest(r)); err != nil {
			handleAccessError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- Regions ---

func (a *API) handleRegions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	regions, err := a.service.ListRegions(r.Context())
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": regions})
}

// --- Check ---

// handleCheck resolves a permission question. The subject defaults to the
// authenticated caller; naming another user requires superuser.
func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	caller, ok := access.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	subject := caller
	if req.UserID != "" && req.UserID != caller.UserID {
		if !caller.Superuser {
			writeError(w, r, http.StatusForbidden, "superuser required")
			return
		}
		resolved, err := a.service.UserContextFor(r.Context(), req.UserID, false)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		subject = resolved
	}

	decision := a.resolver.Check(r.Context(), subject, req.Module, access.Action(req.Action), req.Region)
	writeJSON(w, http.StatusOK, decision)
}

// --- Audit ---

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureAdmin(w, r) {
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		UserID:  q.Get("user_id"),
		ActorID: q.Get("actor_id"),
		Kind:    audit.Kind(q.Get("kind")),
		AfterID: q.Get("after_id"),
	}
	if f.AfterID != "" && !ids.IsValid(f.AfterID) {
		writeError(w, r, http.StatusBadRequest, "invalid after_id cursor")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		f.To = t
	}
	page, err := a.service.QueryAudit(r.Context(), f)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func resourceParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
