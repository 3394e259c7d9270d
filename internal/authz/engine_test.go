package authz

import (
	"context"
	"errors"
	"testing"

	"webtasks.org/internal/auth"
)

var (
	alice = auth.Principal{ID: "u-alice", Role: auth.RoleUser}
	bob   = auth.Principal{ID: "u-bob", Role: auth.RoleUser}
	root  = auth.Principal{ID: "u-root", Role: auth.RoleAdmin}
)

func ownerMap(owners map[string]string) OwnerLookup {
	return OwnerLookupFunc(func(_ context.Context, id string) (string, error) {
		owner, ok := owners[id]
		if !ok {
			return "", auth.ErrNotFound
		}
		return owner, nil
	})
}

func newTestEngine(opts ...Option) *Engine {
	base := []Option{
		WithOwnerLookup(ResourceTask, ownerMap(map[string]string{
			"t-alice": alice.ID,
			"t-bob":   bob.ID,
			"t-root":  root.ID,
		})),
		WithOwnerLookup(ResourceUserAccount, ownerMap(map[string]string{
			alice.ID: alice.ID,
			bob.ID:   bob.ID,
			root.ID:  root.ID,
		})),
	}
	return NewEngine(append(base, opts...)...)
}

// mustGrant fails the test unless the engine grants req.
func mustGrant(t *testing.T, e *Engine, p auth.Principal, req Request) Decision {
	t.Helper()
	d, err := e.Decide(context.Background(), p, req)
	if err != nil {
		t.Fatalf("%s %s %s: unexpected error: %v", p.Role, req.Action, req.Resource, err)
	}
	if !d.Granted {
		t.Fatalf("%s %s %s: expected a granted decision, got %+v", p.Role, req.Action, req.Resource, d)
	}
	return d
}

// mustFail fails the test unless Decide returns an error matching target.
func mustFail(t *testing.T, e *Engine, p auth.Principal, req Request, target error) (Decision, error) {
	t.Helper()
	d, err := e.Decide(context.Background(), p, req)
	if !errors.Is(err, target) {
		t.Fatalf("%+v %s %s: expected %v, got %v", p, req.Action, req.Resource, target, err)
	}
	if d.Granted {
		t.Fatalf("%+v %s %s: failed decision must not be granted", p, req.Action, req.Resource)
	}
	return d, err
}

func TestUserEditsOwnTaskOnly(t *testing.T) {
	e := newTestEngine()

	d := mustGrant(t, e, alice, Request{Resource: ResourceTask, Action: ActionEdit, ResourceID: "t-alice"})
	if d.Scope != ScopeOwn || d.Permission != PermEditOwnTask {
		t.Fatalf("scope/permission = %s/%s", d.Scope, d.Permission)
	}
	if d.Capability != "canEditOwn" {
		t.Fatalf("capability = %q", d.Capability)
	}
	if d.OwnerID != alice.ID {
		t.Fatalf("owner = %q, want %q", d.OwnerID, alice.ID)
	}

	d, _ = mustFail(t, e, alice, Request{Resource: ResourceTask, Action: ActionEdit, ResourceID: "t-bob"}, auth.ErrForbidden)
	if d.Scope != ScopeNone || d.Reason == "" {
		t.Fatalf("expected an unscoped denial with a reason, got %+v", d)
	}
}

func TestAdminActsOnAnyTask(t *testing.T) {
	e := newTestEngine()
	for _, action := range []Action{ActionRead, ActionEdit, ActionDelete} {
		d := mustGrant(t, e, root, Request{Resource: ResourceTask, Action: action, ResourceID: "t-bob"})
		if d.Scope != ScopeAny || d.OwnerID != bob.ID {
			t.Fatalf("%s: scope %s owner %q", action, d.Scope, d.OwnerID)
		}
	}
}

func TestReadManyScopes(t *testing.T) {
	e := newTestEngine()

	d := mustGrant(t, e, root, Request{Resource: ResourceTask, Action: ActionReadMany})
	if d.Scope != ScopeAll || d.Permission != PermReadAllTasks {
		t.Fatalf("scope/permission = %s/%s", d.Scope, d.Permission)
	}
	if d.OwnerID != "" || d.Filtered() {
		t.Fatalf("unfiltered read expected, got owner %q", d.OwnerID)
	}

	d = mustGrant(t, e, root, Request{Resource: ResourceTask, Action: ActionReadMany, OwnerFilter: bob.ID})
	if d.Scope != ScopeAll || d.OwnerID != bob.ID {
		t.Fatalf("filtered admin read: scope %s owner %q", d.Scope, d.OwnerID)
	}

	// A narrow reader's filter is replaced by its own id.
	d = mustGrant(t, e, alice, Request{Resource: ResourceTask, Action: ActionReadMany, OwnerFilter: bob.ID})
	if d.Scope != ScopeOwn || d.OwnerID != alice.ID || !d.Filtered() {
		t.Fatalf("narrow read: %+v", d)
	}
	if d.Capability != "canReadOwn" {
		t.Fatalf("capability = %q", d.Capability)
	}

	d = mustGrant(t, e, alice, Request{Resource: ResourceUserAccount, Action: ActionReadMany})
	if d.Scope != ScopeOwn || d.OwnerID != alice.ID {
		t.Fatalf("account read: scope %s owner %q", d.Scope, d.OwnerID)
	}
}

func TestCreateScopes(t *testing.T) {
	e := newTestEngine()

	d := mustGrant(t, e, alice, Request{Resource: ResourceTask, Action: ActionCreate})
	if d.Scope != ScopeOwn || d.OwnerID != alice.ID {
		t.Fatalf("own create: scope %s owner %q", d.Scope, d.OwnerID)
	}

	d = mustGrant(t, e, alice, Request{Resource: ResourceTask, Action: ActionCreate, TargetOwner: alice.ID})
	if d.Scope != ScopeOwn {
		t.Fatalf("self-targeted create: scope %s", d.Scope)
	}

	mustFail(t, e, alice, Request{Resource: ResourceTask, Action: ActionCreate, TargetOwner: bob.ID}, auth.ErrForbidden)

	d = mustGrant(t, e, root, Request{Resource: ResourceTask, Action: ActionCreate, TargetOwner: bob.ID})
	if d.Scope != ScopeAny || d.OwnerID != bob.ID || d.Capability != "canCreateAny" {
		t.Fatalf("admin create for other: %+v", d)
	}
}

func TestCreateAnyUserAccountDeniedForEveryRole(t *testing.T) {
	e := newTestEngine()
	for _, p := range []auth.Principal{alice, root} {
		mustFail(t, e, p, Request{
			Resource:    ResourceUserAccount,
			Action:      ActionCreate,
			TargetOwner: "u-new",
		}, auth.ErrForbidden)
	}
}

func TestFailClosed(t *testing.T) {
	e := newTestEngine()
	resources := []Resource{ResourceTask, ResourceUserAccount, Resource("invoice")}
	actions := []Action{ActionCreate, ActionReadMany, ActionRead, ActionEdit, ActionDelete, Action("archive")}

	for _, p := range []auth.Principal{
		{ID: "u-x", Role: auth.Role("GUEST")},
		{ID: "", Role: auth.RoleAdmin},
		{},
	} {
		for _, res := range resources {
			for _, act := range actions {
				mustFail(t, e, p, Request{Resource: res, Action: act, ResourceID: "t-alice"}, auth.ErrForbidden)
			}
		}
	}

	// Known roles still get nothing for unknown resources or actions.
	for _, req := range []Request{
		{Resource: Resource("invoice"), Action: ActionRead, ResourceID: "x"},
		{Resource: ResourceTask, Action: Action("archive"), ResourceID: "t-root"},
	} {
		mustFail(t, e, root, req, auth.ErrForbidden)
	}
}

func TestEmptyRoleListDenies(t *testing.T) {
	table := DefaultPermissionTable()
	table[ResourceTask][PermCreateOwnTask] = nil
	e := newTestEngine(WithPermissionTable(table))

	mustFail(t, e, root, Request{Resource: ResourceTask, Action: ActionCreate}, auth.ErrForbidden)
}

func TestPermissionTableIsCopied(t *testing.T) {
	table := DefaultPermissionTable()
	e := newTestEngine(WithPermissionTable(table))
	table[ResourceTask][PermEditOwnTask] = nil

	mustGrant(t, e, alice, Request{Resource: ResourceTask, Action: ActionEdit, ResourceID: "t-alice"})
}

func TestNotFoundReportedBeforeOwnership(t *testing.T) {
	missing := Request{Resource: ResourceTask, Action: ActionRead, ResourceID: "t-missing"}

	_, err := mustFail(t, newTestEngine(), alice, missing, auth.ErrNotFound)
	if errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("missing task reported as forbidden: %v", err)
	}

	masked := newTestEngine(WithMaskNotFound(true))
	_, err = mustFail(t, masked, alice, missing, auth.ErrForbidden)
	if errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("masked engine leaked not found: %v", err)
	}

	// Callers holding the wide permission still see the real answer.
	mustFail(t, masked, root, missing, auth.ErrNotFound)
}

func TestMissingResourceIDAndLookup(t *testing.T) {
	mustFail(t, newTestEngine(), root, Request{Resource: ResourceTask, Action: ActionDelete}, auth.ErrValidation)
	mustFail(t, NewEngine(), root, Request{Resource: ResourceTask, Action: ActionDelete, ResourceID: "t-1"}, auth.ErrForbidden)
}

func TestLookupFailurePropagates(t *testing.T) {
	boom := errors.New("db down")
	e := NewEngine(WithOwnerLookup(ResourceTask, OwnerLookupFunc(func(context.Context, string) (string, error) {
		return "", boom
	})))
	_, err := mustFail(t, e, root, Request{Resource: ResourceTask, Action: ActionRead, ResourceID: "t-1"}, boom)
	if errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("lookup failure reported as forbidden: %v", err)
	}
}

func TestUserAccountOwnership(t *testing.T) {
	e := newTestEngine()

	d := mustGrant(t, e, alice, Request{Resource: ResourceUserAccount, Action: ActionDelete, ResourceID: alice.ID})
	if d.Permission != PermDeleteOwnUserAccount {
		t.Fatalf("permission = %s", d.Permission)
	}

	mustFail(t, e, alice, Request{Resource: ResourceUserAccount, Action: ActionRead, ResourceID: bob.ID}, auth.ErrForbidden)

	d = mustGrant(t, e, root, Request{Resource: ResourceUserAccount, Action: ActionEdit, ResourceID: bob.ID})
	if d.Scope != ScopeAny || d.Permission != PermEditAnyUserAccount {
		t.Fatalf("scope/permission = %s/%s", d.Scope, d.Permission)
	}
}

func TestDecisionContext(t *testing.T) {
	if _, ok := DecisionFromContext(context.Background()); ok {
		t.Fatal("expected no decision in a bare context")
	}

	want := Decision{Granted: true, Scope: ScopeOwn, OwnerID: alice.ID}
	got, ok := DecisionFromContext(ContextWithDecision(context.Background(), want))
	if !ok || got != want {
		t.Fatalf("got %+v (%v), want %+v", got, ok, want)
	}
}
