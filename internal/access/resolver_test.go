package access_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pymemad.org/internal/access"
	"pymemad.org/internal/store/memory"
)

var sysActor = access.Actor{UserID: "system"}

type fixture struct {
	t        *testing.T
	store    *memory.Store
	svc      *access.Service
	resolver *access.Resolver
}

func newFixture(t *testing.T, opts ...access.ResolverOption) *fixture {
	t.Helper()
	store := memory.New()
	svc, err := access.NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	resolver, err := access.NewResolver(store, opts...)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return &fixture{t: t, store: store, svc: svc, resolver: resolver}
}

func (f *fixture) module(code string, actions ...access.Action) {
	f.t.Helper()
	_, err := f.svc.CreateModule(context.Background(), access.Module{
		Code:             code,
		Name:             code,
		AvailableActions: access.NewActionSet(actions...),
	}, sysActor)
	if err != nil {
		f.t.Fatalf("CreateModule %s: %v", code, err)
	}
}

func (f *fixture) role(code string, g access.Governance, regions ...string) {
	f.t.Helper()
	_, err := f.svc.CreateRole(context.Background(), access.Role{
		Code:           code,
		Name:           code,
		Governance:     g,
		AllowedRegions: regions,
	}, sysActor)
	if err != nil {
		f.t.Fatalf("CreateRole %s: %v", code, err)
	}
}

func (f *fixture) grant(role, module string, actions ...access.Action) {
	f.t.Helper()
	_, _, err := f.svc.SetEnabledActions(context.Background(), role, module, access.NewActionSet(actions...), access.ScopeAll, sysActor)
	if err != nil {
		f.t.Fatalf("SetEnabledActions %s/%s: %v", role, module, err)
	}
}

func (f *fixture) assign(userID, role string) {
	f.t.Helper()
	if err := f.svc.AssignPrimaryRole(context.Background(), userID, role, sysActor); err != nil {
		f.t.Fatalf("AssignPrimaryRole %s: %v", userID, err)
	}
}

func (f *fixture) scope(userID, region string) {
	f.t.Helper()
	if err := f.svc.GrantRegion(context.Background(), userID, region, access.AccessFull, false, nil, sysActor); err != nil {
		f.t.Fatalf("GrantRegion %s/%s: %v", userID, region, err)
	}
}

func user(id string, primary string, additional ...string) access.UserContext {
	return access.UserContext{UserID: id, PrimaryRole: primary, AdditionalRoles: additional}
}

func TestCheckSuperuserBypass(t *testing.T) {
	f := newFixture(t)
	// No catalog at all: the bypass is terminal and touches nothing.
	d := f.resolver.Check(context.Background(), access.UserContext{UserID: "root", Superuser: true}, "no-such-module", access.ActionDelete, "maule")
	if !d.Allowed || d.Reason != access.ReasonSuperuserBypass {
		t.Fatalf("expected superuser bypass, got %+v", d)
	}
}

func TestCheckNoRoleAssigned(t *testing.T) {
	f := newFixture(t)
	f.module("finance", access.ActionView)

	d := f.resolver.Check(context.Background(), access.UserContext{UserID: "drifter"}, "finance", access.ActionView, "")
	if d.Allowed || d.Reason != access.ReasonNoRoleAssigned {
		t.Fatalf("expected no-role-assigned, got %+v", d)
	}
	if len(d.Roles) != 0 {
		t.Fatalf("contributing roles must be empty, got %v", d.Roles)
	}
}

func TestCheckUnionAcrossRoles(t *testing.T) {
	f := newFixture(t)
	f.module("finance", access.ActionView, access.ActionExport)
	f.role("member", access.GovernanceNational)
	f.role("treasurer", access.GovernanceNational)
	f.grant("member", "finance", access.ActionView)
	f.grant("treasurer", "finance", access.ActionView, access.ActionExport)

	d := f.resolver.Check(context.Background(), user("maria", "member", "treasurer"), "finance", access.ActionExport, "")
	if !d.Allowed {
		t.Fatalf("expected union allow, got %+v", d)
	}
	if len(d.Roles) != 1 || d.Roles[0] != "treasurer" {
		t.Fatalf("expected treasurer as sole contributor, got %v", d.Roles)
	}
}

func TestCheckActionNotGrantedNamesModuleHolders(t *testing.T) {
	f := newFixture(t)
	f.module("finance", access.ActionView, access.ActionApprove)
	f.role("treasurer", access.GovernanceNational)
	f.role("member", access.GovernanceNational)
	f.grant("treasurer", "finance", access.ActionView)
	f.assign("maria", "treasurer")
	if err := f.svc.AddAdditionalRole(context.Background(), "maria", "member", sysActor); err != nil {
		t.Fatalf("AddAdditionalRole: %v", err)
	}

	d := f.resolver.Check(context.Background(), user("maria", "treasurer", "member"), "finance", access.ActionApprove, "")
	if d.Allowed || d.Reason != access.ReasonActionNotGranted {
		t.Fatalf("expected action-not-granted, got %+v", d)
	}
	// Only roles holding some grant on the module are listed.
	if len(d.Roles) != 1 || d.Roles[0] != "treasurer" {
		t.Fatalf("expected [treasurer], got %v", d.Roles)
	}
}

func TestCheckRegionalGate(t *testing.T) {
	f := newFixture(t)
	f.module("members", access.ActionView)
	f.role("regional_president", access.GovernanceRegional, "maule", "biobio")
	f.grant("regional_president", "members", access.ActionView)
	f.assign("pedro", "regional_president")

	ctxUser := user("pedro", "regional_president")

	// Role allows the region but the user has no scope there.
	d := f.resolver.Check(context.Background(), ctxUser, "members", access.ActionView, "maule")
	if d.Allowed || d.Reason != access.ReasonRegionNotInScope {
		t.Fatalf("expected region-not-in-scope, got %+v", d)
	}
	if len(d.Roles) != 0 {
		t.Fatalf("region denial must carry no roles, got %v", d.Roles)
	}

	f.scope("pedro", "maule")

	d = f.resolver.Check(context.Background(), ctxUser, "members", access.ActionView, "maule")
	if !d.Allowed {
		t.Fatalf("expected allow with scope, got %+v", d)
	}

	// Scope exists but the region is not delegated to the role.
	f.scope("pedro", "araucania")
	d = f.resolver.Check(context.Background(), ctxUser, "members", access.ActionView, "araucania")
	if d.Allowed || d.Reason != access.ReasonRegionNotInScope {
		t.Fatalf("expected deny outside delegated regions, got %+v", d)
	}

	// No region asked: grant alone decides.
	d = f.resolver.Check(context.Background(), ctxUser, "members", access.ActionView, "")
	if !d.Allowed {
		t.Fatalf("expected allow without region, got %+v", d)
	}
}

func TestCheckNationalRoleIgnoresScopes(t *testing.T) {
	f := newFixture(t)
	f.module("finance", access.ActionView)
	f.role("president", access.GovernanceNational)
	f.grant("president", "finance", access.ActionView)
	f.assign("carla", "president")

	// No regional scope rows at all: national governance passes any region.
	d := f.resolver.Check(context.Background(), user("carla", "president"), "finance", access.ActionView, "magallanes")
	if !d.Allowed {
		t.Fatalf("expected national allow, got %+v", d)
	}
}

func TestCheckExpiredScopeDenies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, access.WithClock(func() time.Time { return now }))
	f.module("members", access.ActionView)
	f.role("regional_president", access.GovernanceRegional, "maule")
	f.grant("regional_president", "members", access.ActionView)
	f.assign("pedro", "regional_president")

	expires := now.Add(time.Hour)
	if err := f.svc.GrantRegion(context.Background(), "pedro", "maule", access.AccessFull, false, &expires, sysActor); err != nil {
		t.Fatalf("GrantRegion: %v", err)
	}

	ctxUser := user("pedro", "regional_president")
	d := f.resolver.Check(context.Background(), ctxUser, "members", access.ActionView, "maule")
	if !d.Allowed {
		t.Fatalf("expected allow before expiry, got %+v", d)
	}

	now = now.Add(2 * time.Hour)
	d = f.resolver.Check(context.Background(), ctxUser, "members", access.ActionView, "maule")
	if d.Allowed || d.Reason != access.ReasonRegionNotInScope {
		t.Fatalf("expected deny after expiry, got %+v", d)
	}
}

func TestCheckUnknownAndInactiveEntities(t *testing.T) {
	f := newFixture(t)
	f.module("finance", access.ActionView)
	f.role("treasurer", access.GovernanceNational)
	f.grant("treasurer", "finance", access.ActionView)

	ctxUser := user("maria", "treasurer")

	d := f.resolver.Check(context.Background(), ctxUser, "ghost", access.ActionView, "")
	if d.Allowed || d.Reason != access.ReasonUnknownEntity {
		t.Fatalf("unknown module: expected unknown-entity, got %+v", d)
	}

	d = f.resolver.Check(context.Background(), user("maria", "ghost-role"), "finance", access.ActionView, "")
	if d.Allowed || d.Reason != access.ReasonUnknownEntity {
		t.Fatalf("unknown role: expected unknown-entity, got %+v", d)
	}

	if err := f.svc.SetModuleActive(context.Background(), "finance", false, sysActor); err != nil {
		t.Fatalf("SetModuleActive: %v", err)
	}
	d = f.resolver.Check(context.Background(), ctxUser, "finance", access.ActionView, "")
	if d.Allowed || d.Reason != access.ReasonUnknownEntity {
		t.Fatalf("inactive module: expected unknown-entity, got %+v", d)
	}
}

// failingStore satisfies ResolverStore and fails every read.
type failingStore struct{}

func (failingStore) GetModule(context.Context, string) (access.Module, error) {
	return access.Module{}, errors.New("connection refused")
}
func (failingStore) GetRole(context.Context, string) (access.Role, error) {
	return access.Role{}, errors.New("connection refused")
}
func (failingStore) EnabledActions(context.Context, string, string) (access.ActionSet, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) ValidScopes(context.Context, string, time.Time) (map[string]struct{}, error) {
	return nil, errors.New("connection refused")
}

func TestCheckFailsClosedOnStoreFailure(t *testing.T) {
	resolver, err := access.NewResolver(failingStore{})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	d := resolver.Check(context.Background(), user("maria", "treasurer"), "finance", access.ActionView, "")
	if d.Allowed || d.Reason != access.ReasonResolutionFailed {
		t.Fatalf("expected resolution-failed, got %+v", d)
	}
}

func TestCheckDecisionCacheAndInvalidation(t *testing.T) {
	cache := access.NewDecisionCache(16, time.Minute)
	store := memory.New()
	svc, err := access.NewService(store, access.WithCacheInvalidation(cache))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	resolver, err := access.NewResolver(store, access.WithDecisionCache(cache))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	f := &fixture{t: t, store: store, svc: svc, resolver: resolver}
	f.module("finance", access.ActionView, access.ActionExport)
	f.role("treasurer", access.GovernanceNational)
	f.grant("treasurer", "finance", access.ActionView, access.ActionExport)
	f.assign("maria", "treasurer")

	ctxUser := user("maria", "treasurer")
	d := f.resolver.Check(context.Background(), ctxUser, "finance", access.ActionExport, "")
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	if cache.Len() == 0 {
		t.Fatalf("expected decision to be cached")
	}

	// Revoking through the service evicts the stale allow immediately.
	if _, err := f.svc.DisableAction(context.Background(), "treasurer", "finance", access.ActionExport, sysActor); err != nil {
		t.Fatalf("DisableAction: %v", err)
	}
	d = f.resolver.Check(context.Background(), ctxUser, "finance", access.ActionExport, "")
	if d.Allowed || d.Reason != access.ReasonActionNotGranted {
		t.Fatalf("expected revocation to apply, got %+v", d)
	}
}
