package access_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pymemad.org/internal/access"
	"pymemad.org/internal/audit"
	"pymemad.org/internal/store/memory"
)

func newService(t *testing.T) (*access.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := access.NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func TestCreateModuleDefaultsBaseActions(t *testing.T) {
	svc, _ := newService(t)
	m, err := svc.CreateModule(context.Background(), access.Module{Code: "news", Name: "News"}, sysActor)
	if err != nil {
		t.Fatalf("CreateModule: %v", err)
	}
	if !m.AvailableActions.Equal(access.BaseActions()) {
		t.Fatalf("expected base actions, got %v", m.AvailableActions.Strings())
	}
	if !m.Active {
		t.Fatalf("new modules start active")
	}
}

func TestCreateModuleValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateModule(ctx, access.Module{Code: "", Name: "X"}, sysActor); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("empty code: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.CreateModule(ctx, access.Module{Code: "x", Name: ""}, sysActor); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("empty name: expected ErrInvalidInput, got %v", err)
	}

	if _, err := svc.CreateModule(ctx, access.Module{Code: "news", Name: "News"}, sysActor); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}
	if _, err := svc.CreateModule(ctx, access.Module{Code: "news", Name: "Other"}, sysActor); !errors.Is(err, access.ErrDuplicateCode) {
		t.Fatalf("duplicate: expected ErrDuplicateCode, got %v", err)
	}
}

func TestSetModuleParentRejectsCycles(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, code := range []string{"a", "b", "c"} {
		if _, err := svc.CreateModule(ctx, access.Module{Code: code, Name: code}, sysActor); err != nil {
			t.Fatalf("CreateModule %s: %v", code, err)
		}
	}
	if err := svc.SetModuleParent(ctx, "b", "a", sysActor); err != nil {
		t.Fatalf("b under a: %v", err)
	}
	if err := svc.SetModuleParent(ctx, "c", "b", sysActor); err != nil {
		t.Fatalf("c under b: %v", err)
	}

	if err := svc.SetModuleParent(ctx, "a", "a", sysActor); !errors.Is(err, access.ErrCycleDetected) {
		t.Fatalf("self-parent: expected ErrCycleDetected, got %v", err)
	}
	if err := svc.SetModuleParent(ctx, "a", "c", sysActor); !errors.Is(err, access.ErrCycleDetected) {
		t.Fatalf("deep cycle: expected ErrCycleDetected, got %v", err)
	}

	// The failed assignment left the hierarchy untouched.
	m, err := svc.GetModule(ctx, "a")
	if err != nil {
		t.Fatalf("GetModule: %v", err)
	}
	if m.ParentCode != "" {
		t.Fatalf("expected a to stay a root, got parent %q", m.ParentCode)
	}

	subtree, err := svc.Descendants(ctx, "a")
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(subtree) != 2 {
		t.Fatalf("expected 2 descendants of a, got %d", len(subtree))
	}
}

func TestGovernanceValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, access.Role{Code: "r1", Name: "R1", Governance: access.GovernanceRegional}, sysActor)
	if !errors.Is(err, access.ErrInvalidGovernance) {
		t.Fatalf("regional without regions: expected ErrInvalidGovernance, got %v", err)
	}

	_, err = svc.CreateRole(ctx, access.Role{
		Code: "r2", Name: "R2", Governance: access.GovernanceNational, AllowedRegions: []string{"maule"},
	}, sysActor)
	if !errors.Is(err, access.ErrInvalidGovernance) {
		t.Fatalf("national with regions: expected ErrInvalidGovernance, got %v", err)
	}

	_, err = svc.CreateRole(ctx, access.Role{Code: "r3", Name: "R3", Governance: "hybrid"}, sysActor)
	if !errors.Is(err, access.ErrInvalidGovernance) {
		t.Fatalf("unknown governance: expected ErrInvalidGovernance, got %v", err)
	}

	role, err := svc.CreateRole(ctx, access.Role{
		Code: "r4", Name: "R4", Governance: access.GovernanceRegional,
		AllowedRegions: []string{"maule", "maule", " biobio "},
	}, sysActor)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if len(role.AllowedRegions) != 2 {
		t.Fatalf("expected deduped regions, got %v", role.AllowedRegions)
	}
}

func TestEnableDisableActionIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateModule(ctx, access.Module{Code: "finance", Name: "Finance", AvailableActions: access.NewActionSet(access.ActionView, access.ActionExport)}, sysActor); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}
	if _, err := svc.CreateRole(ctx, access.Role{Code: "treasurer", Name: "Treasurer", Governance: access.GovernanceNational}, sysActor); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	changed, err := svc.EnableAction(ctx, "treasurer", "finance", access.ActionExport, sysActor)
	if err != nil || !changed {
		t.Fatalf("first enable: changed=%v err=%v", changed, err)
	}
	changed, err = svc.EnableAction(ctx, "treasurer", "finance", access.ActionExport, sysActor)
	if err != nil || changed {
		t.Fatalf("second enable must be a no-op: changed=%v err=%v", changed, err)
	}

	// The no-op produced no second audit entry.
	page, err := svc.QueryAudit(ctx, audit.Filter{Kind: audit.KindGrantAdded})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("expected exactly one grant_added entry, got %d", len(page.Entries))
	}

	if _, err := svc.EnableAction(ctx, "treasurer", "finance", access.ActionDelete, sysActor); !errors.Is(err, access.ErrActionNotAvailable) {
		t.Fatalf("unavailable action: expected ErrActionNotAvailable, got %v", err)
	}

	changed, err = svc.DisableAction(ctx, "treasurer", "finance", access.ActionExport, sysActor)
	if err != nil || !changed {
		t.Fatalf("disable: changed=%v err=%v", changed, err)
	}
	changed, err = svc.DisableAction(ctx, "treasurer", "finance", access.ActionExport, sysActor)
	if err != nil || changed {
		t.Fatalf("second disable must be a no-op: changed=%v err=%v", changed, err)
	}
}

func TestSetEnabledActionsDropsUnavailable(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateModule(ctx, access.Module{Code: "finance", Name: "Finance", AvailableActions: access.NewActionSet(access.ActionView, access.ActionExport)}, sysActor); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}
	if _, err := svc.CreateRole(ctx, access.Role{Code: "treasurer", Name: "Treasurer", Governance: access.GovernanceNational}, sysActor); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	g, dropped, err := svc.SetEnabledActions(ctx, "treasurer", "finance",
		access.NewActionSet(access.ActionView, access.ActionExport, access.ActionDelete), access.ScopeAll, sysActor)
	if err != nil {
		t.Fatalf("SetEnabledActions: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != access.ActionDelete {
		t.Fatalf("expected delete to be dropped, got %v", dropped)
	}
	if !g.EnabledActions.Equal(access.NewActionSet(access.ActionView, access.ActionExport)) {
		t.Fatalf("unexpected enabled set: %v", g.EnabledActions.Strings())
	}
}

func TestSetAvailableActionsPrunesGrants(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateModule(ctx, access.Module{Code: "finance", Name: "Finance", AvailableActions: access.NewActionSet(access.ActionView, access.ActionExport, access.ActionApprove)}, sysActor); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}
	if _, err := svc.CreateRole(ctx, access.Role{Code: "treasurer", Name: "Treasurer", Governance: access.GovernanceNational}, sysActor); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, _, err := svc.SetEnabledActions(ctx, "treasurer", "finance",
		access.NewActionSet(access.ActionView, access.ActionExport, access.ActionApprove), access.ScopeAll, sysActor); err != nil {
		t.Fatalf("SetEnabledActions: %v", err)
	}

	if _, err := svc.SetAvailableActions(ctx, "finance", access.NewActionSet(access.ActionView), sysActor); err != nil {
		t.Fatalf("SetAvailableActions: %v", err)
	}

	enabled, err := svc.EnabledActions(ctx, "treasurer", "finance")
	if err != nil {
		t.Fatalf("EnabledActions: %v", err)
	}
	if !enabled.Equal(access.NewActionSet(access.ActionView)) {
		t.Fatalf("expected grant pruned to {view}, got %v", enabled.Strings())
	}
}

func TestDeleteRoleGuards(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, access.Role{Code: "president", Name: "President", Governance: access.GovernanceNational, System: true}, sysActor); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.DeleteRole(ctx, "president", sysActor); !errors.Is(err, access.ErrSystemRoleImmutable) {
		t.Fatalf("system role: expected ErrSystemRoleImmutable, got %v", err)
	}

	if _, err := svc.CreateRole(ctx, access.Role{Code: "editor", Name: "Editor", Governance: access.GovernanceNational}, sysActor); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.AssignPrimaryRole(ctx, "maria", "editor", sysActor); err != nil {
		t.Fatalf("AssignPrimaryRole: %v", err)
	}
	if err := svc.DeleteRole(ctx, "editor", sysActor); !errors.Is(err, access.ErrRoleInUse) {
		t.Fatalf("primary in use: expected ErrRoleInUse, got %v", err)
	}

	// Held only as an additional role: deletion detaches it.
	if _, err := svc.CreateRole(ctx, access.Role{Code: "reviewer", Name: "Reviewer", Governance: access.GovernanceNational}, sysActor); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.AddAdditionalRole(ctx, "maria", "reviewer", sysActor); err != nil {
		t.Fatalf("AddAdditionalRole: %v", err)
	}
	if err := svc.DeleteRole(ctx, "reviewer", sysActor); err != nil {
		t.Fatalf("DeleteRole reviewer: %v", err)
	}
	a, err := svc.GetAssignment(ctx, "maria")
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if len(a.AdditionalRoles) != 0 {
		t.Fatalf("expected reviewer detached, got %v", a.AdditionalRoles)
	}
}

func TestUpdateGovernanceSystemRole(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, access.Role{Code: "president", Name: "President", Governance: access.GovernanceNational, System: true}, sysActor); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	_, err := svc.UpdateGovernance(ctx, "president", access.GovernanceRegional, []string{"maule"}, false, sysActor)
	if !errors.Is(err, access.ErrSystemRoleImmutable) {
		t.Fatalf("expected ErrSystemRoleImmutable, got %v", err)
	}

	// allowSystem is the migration escape hatch.
	role, err := svc.UpdateGovernance(ctx, "president", access.GovernanceRegional, []string{"maule"}, true, sysActor)
	if err != nil {
		t.Fatalf("UpdateGovernance with allowSystem: %v", err)
	}
	if role.Governance != access.GovernanceRegional {
		t.Fatalf("governance not updated: %+v", role)
	}
}

func TestGrantRegionSinglePrimary(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if err := svc.GrantRegion(ctx, "pedro", "maule", access.AccessFull, true, nil, sysActor); err != nil {
		t.Fatalf("GrantRegion maule: %v", err)
	}
	if err := svc.GrantRegion(ctx, "pedro", "biobio", access.AccessRead, true, nil, sysActor); err != nil {
		t.Fatalf("GrantRegion biobio: %v", err)
	}

	scopes, err := svc.ListScopes(ctx, "pedro")
	if err != nil {
		t.Fatalf("ListScopes: %v", err)
	}
	var primaries int
	for _, sc := range scopes {
		if sc.Primary {
			primaries++
			if sc.RegionCode != "biobio" {
				t.Fatalf("expected biobio to be primary, got %s", sc.RegionCode)
			}
		}
	}
	if primaries != 1 {
		t.Fatalf("expected exactly one primary scope, got %d", primaries)
	}
}

func TestGrantRegionUnknownRegion(t *testing.T) {
	svc, _ := newService(t)
	err := svc.GrantRegion(context.Background(), "pedro", "atlantis", access.AccessFull, false, nil, sysActor)
	if !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeRegionIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if err := svc.RevokeRegion(ctx, "pedro", "maule", sysActor); err != nil {
		t.Fatalf("revoking absent scope must be a no-op, got %v", err)
	}
	page, err := svc.QueryAudit(ctx, audit.Filter{Kind: audit.KindRegionRevoked})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(page.Entries) != 0 {
		t.Fatalf("no-op revoke must not be audited, got %d entries", len(page.Entries))
	}
}

func TestMutationAbortsWhenAuditFails(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateModule(ctx, access.Module{Code: "finance", Name: "Finance"}, sysActor); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	store.FailAudit(errors.New("disk full"))
	if _, err := svc.CreateModule(ctx, access.Module{Code: "news", Name: "News"}, sysActor); err == nil {
		t.Fatalf("expected mutation to fail with audit")
	}
	store.FailAudit(nil)

	// The aborted mutation left no trace.
	if _, err := svc.GetModule(ctx, "news"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected news to not exist, got %v", err)
	}
}

func TestQueryAuditFiltersAndPagination(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, code := range []string{"m1", "m2", "m3"} {
		if _, err := svc.CreateModule(ctx, access.Module{Code: code, Name: code}, sysActor); err != nil {
			t.Fatalf("CreateModule %s: %v", code, err)
		}
	}

	if _, err := svc.QueryAudit(ctx, audit.Filter{Kind: "banana"}); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("unknown kind: expected ErrInvalidInput, got %v", err)
	}

	page, err := svc.QueryAudit(ctx, audit.Filter{Kind: audit.KindModuleChanged, Limit: 2})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(page.Entries) != 2 || page.NextAfterID == "" {
		t.Fatalf("expected a full first page with cursor, got %d entries cursor=%q", len(page.Entries), page.NextAfterID)
	}

	rest, err := svc.QueryAudit(ctx, audit.Filter{Kind: audit.KindModuleChanged, AfterID: page.NextAfterID})
	if err != nil {
		t.Fatalf("QueryAudit page 2: %v", err)
	}
	if len(rest.Entries) != 1 || rest.NextAfterID != "" {
		t.Fatalf("expected final page of 1, got %d cursor=%q", len(rest.Entries), rest.NextAfterID)
	}
	if rest.Entries[0].OccurredAt.Before(page.Entries[1].OccurredAt) {
		t.Fatalf("pages must be in chronological order")
	}
}

func TestAuditEntriesAreImmutableCopies(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateModule(ctx, access.Module{Code: "m1", Name: "M1"}, sysActor); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}
	page, err := svc.QueryAudit(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(page.Entries))
	}
	page.Entries[0].Details["module"] = "tampered"

	fresh, err := svc.QueryAudit(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if fresh.Entries[0].Details["module"] != "m1" {
		t.Fatalf("stored entry was mutated through a query result")
	}
}

func TestGrantRegionExpiresAtRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	if err := svc.GrantRegion(ctx, "pedro", "maule", access.AccessLimited, false, &expires, sysActor); err != nil {
		t.Fatalf("GrantRegion: %v", err)
	}
	scopes, err := svc.ListScopes(ctx, "pedro")
	if err != nil {
		t.Fatalf("ListScopes: %v", err)
	}
	if len(scopes) != 1 || scopes[0].ExpiresAt == nil || !scopes[0].ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected scopes: %+v", scopes)
	}
}
