package access

import "context"

// UserContext carries the already-authenticated identity a permission check
// runs for. It is threaded explicitly; nothing in the engine keeps a
// "current role" in ambient state, because a user may hold several roles
// whose union must be considered.
type UserContext struct {
	UserID          string   `json:"user_id"`
	Superuser       bool     `json:"superuser"`
	PrimaryRole     string   `json:"primary_role,omitempty"`
	AdditionalRoles []string `json:"additional_roles,omitempty"`
}

// RoleCodes returns the deduplicated union of primary and additional roles.
func (u UserContext) RoleCodes() []string {
	return RoleAssignment{
		PrimaryRole:     u.PrimaryRole,
		AdditionalRoles: u.AdditionalRoles,
	}.EffectiveRoles()
}

type userContextKey struct{}

// ContextWithUser attaches the acting user to the request context.
func ContextWithUser(ctx context.Context, u UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext extracts the acting user, if one was attached.
func UserFromContext(ctx context.Context) (UserContext, bool) {
	if ctx == nil {
		return UserContext{}, false
	}
	u, ok := ctx.Value(userContextKey{}).(UserContext)
	return u, ok
}
