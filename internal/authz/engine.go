package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"webtasks.org/internal/auth"
	"webtasks.org/internal/obs"
)

// Request describes the operation being authorized.
type Request struct {
	Resource Resource
	Action   Action

	// ResourceID names the target of read, edit and delete.
	ResourceID string

	// OwnerFilter is the client-requested owner narrowing for readMany.
	OwnerFilter string

	// TargetOwner is the owner a created resource would belong to. Empty
	// means the actor.
	TargetOwner string
}

// OwnerLookup resolves the owning actor of a single resource. It returns
// auth.ErrNotFound when the resource does not exist.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, id string) (string, error)
}

// OwnerLookupFunc adapts a function to OwnerLookup.
type OwnerLookupFunc func(ctx context.Context, id string) (string, error)

func (f OwnerLookupFunc) OwnerOf(ctx context.Context, id string) (string, error) {
	return f(ctx, id)
}

type policyKey struct {
	resource Resource
	action   Action
}

// rule pairs the narrow and wide permission names with the function that
// chooses between them.
type rule struct {
	own    string
	wide   string
	decide func(ctx context.Context, e *Engine, p auth.Principal, req Request, r rule) (Decision, error)
}

// Engine decides whether a principal may perform an action. Unknown
// resource and action pairs are always denied.
type Engine struct {
	table        PermissionTable
	rules        map[policyKey]rule
	owners       map[Resource]OwnerLookup
	maskNotFound bool
}

// Option configures the Engine.
type Option func(*Engine)

// WithPermissionTable replaces the built-in table. The table is copied.
func WithPermissionTable(t PermissionTable) Option {
	return func(e *Engine) {
		if t != nil {
			e.table = t.clone()
		}
	}
}

// WithOwnerLookup registers the owner resolver for a resource type.
func WithOwnerLookup(resource Resource, lookup OwnerLookup) Option {
	return func(e *Engine) {
		if lookup != nil {
			e.owners[resource] = lookup
		}
	}
}

// WithMaskNotFound reports missing resources as forbidden to callers that
// lack the wide permission, so they cannot learn which identifiers exist.
func WithMaskNotFound(mask bool) Option {
	return func(e *Engine) {
		e.maskNotFound = mask
	}
}

// NewEngine builds an engine with the built-in policy registry.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		table:  DefaultPermissionTable(),
		rules:  defaultRules(),
		owners: make(map[Resource]OwnerLookup),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultRules() map[policyKey]rule {
	return map[policyKey]rule{
		{ResourceTask, ActionCreate}:   {own: PermCreateOwnTask, wide: PermCreateAnyTask, decide: decideCreate},
		{ResourceTask, ActionReadMany}: {own: PermReadOwnTasks, wide: PermReadAllTasks, decide: decideReadMany},
		{ResourceTask, ActionRead}:     {own: PermReadOwnTask, wide: PermReadAnyTask, decide: decideSingle},
		{ResourceTask, ActionEdit}:     {own: PermEditOwnTask, wide: PermEditAnyTask, decide: decideSingle},
		{ResourceTask, ActionDelete}:   {own: PermDeleteOwnTask, wide: PermDeleteAnyTask, decide: decideSingle},

		{ResourceUserAccount, ActionCreate}:   {own: PermCreateOwnUserAccount, wide: PermCreateAnyUserAccount, decide: decideCreate},
		{ResourceUserAccount, ActionReadMany}: {own: PermReadOwnUserAccounts, wide: PermReadAllUserAccounts, decide: decideReadMany},
		{ResourceUserAccount, ActionRead}:     {own: PermReadOwnUserAccount, wide: PermReadAnyUserAccount, decide: decideSingle},
		{ResourceUserAccount, ActionEdit}:     {own: PermEditOwnUserAccount, wide: PermEditAnyUserAccount, decide: decideSingle},
		{ResourceUserAccount, ActionDelete}:   {own: PermDeleteOwnUserAccount, wide: PermDeleteAnyUserAccount, decide: decideSingle},
	}
}

// Decide evaluates req for principal p. A denial returns the denied
// Decision together with an error wrapping auth.ErrForbidden. A missing
// resource yields auth.ErrNotFound unless masking is enabled.
func (e *Engine) Decide(ctx context.Context, p auth.Principal, req Request) (Decision, error) {
	d, err := e.decide(ctx, p, req)
	outcome := "granted"
	switch {
	case errors.Is(err, auth.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, auth.ErrForbidden):
		outcome = "denied"
	case err != nil:
		outcome = "error"
	}
	obs.ObserveDecision(string(req.Resource), string(req.Action), outcome)
	return d, err
}

func (e *Engine) decide(ctx context.Context, p auth.Principal, req Request) (Decision, error) {
	if !p.Authenticated() {
		return deny(req, "unauthenticated principal")
	}
	r, ok := e.rules[policyKey{req.Resource, req.Action}]
	if !ok {
		return deny(req, fmt.Sprintf("no policy for %s %s", req.Action, req.Resource))
	}
	return r.decide(ctx, e, p, req, r)
}

func (e *Engine) allows(req Request, permission string, role auth.Role) bool {
	return e.table.Allows(req.Resource, permission, role)
}

func deny(req Request, reason string) (Decision, error) {
	return denied(req, reason), fmt.Errorf("%w: %s", auth.ErrForbidden, reason)
}

// decideReadMany grants the wide permission as an unrestricted (optionally
// client-filtered) read. The narrow permission always pins the owner to the
// actor, whatever filter the client asked for.
func decideReadMany(_ context.Context, e *Engine, p auth.Principal, req Request, r rule) (Decision, error) {
	if e.allows(req, r.wide, p.Role) {
		return granted(req, ScopeAll, r.wide, strings.TrimSpace(req.OwnerFilter)), nil
	}
	if e.allows(req, r.own, p.Role) {
		return granted(req, ScopeOwn, r.own, p.ID), nil
	}
	return deny(req, fmt.Sprintf("role %s may not list %s", p.Role, req.Resource))
}

func decideCreate(_ context.Context, e *Engine, p auth.Principal, req Request, r rule) (Decision, error) {
	target := strings.TrimSpace(req.TargetOwner)
	if target != "" && target != p.ID {
		if e.allows(req, r.wide, p.Role) {
			return granted(req, ScopeAny, r.wide, target), nil
		}
		return deny(req, fmt.Sprintf("role %s may not create %s for another owner", p.Role, req.Resource))
	}
	if e.allows(req, r.own, p.Role) {
		return granted(req, ScopeOwn, r.own, p.ID), nil
	}
	return deny(req, fmt.Sprintf("role %s may not create %s", p.Role, req.Resource))
}

func decideSingle(ctx context.Context, e *Engine, p auth.Principal, req Request, r rule) (Decision, error) {
	id := strings.TrimSpace(req.ResourceID)
	if id == "" {
		return denied(req, "resource id is required"), fmt.Errorf("%w: resource id is required", auth.ErrValidation)
	}
	lookup, ok := e.owners[req.Resource]
	if !ok {
		return deny(req, fmt.Sprintf("no owner lookup for %s", req.Resource))
	}
	owner, err := lookup.OwnerOf(ctx, id)
	if errors.Is(err, auth.ErrNotFound) {
		if e.maskNotFound && !e.allows(req, r.wide, p.Role) {
			return deny(req, fmt.Sprintf("%s %s is not accessible", req.Resource, id))
		}
		return denied(req, "not found"), fmt.Errorf("%w: %s %s", auth.ErrNotFound, req.Resource, id)
	}
	if err != nil {
		return denied(req, "owner lookup failed"), fmt.Errorf("authz: resolve owner of %s %s: %w", req.Resource, id, err)
	}
	if owner == p.ID {
		if e.allows(req, r.own, p.Role) {
			return granted(req, ScopeOwn, r.own, owner), nil
		}
		return deny(req, fmt.Sprintf("role %s may not %s own %s", p.Role, req.Action, req.Resource))
	}
	if e.allows(req, r.wide, p.Role) {
		return granted(req, ScopeAny, r.wide, owner), nil
	}
	return deny(req, fmt.Sprintf("role %s may not %s %s owned by another actor", p.Role, req.Action, req.Resource))
}
