package authz

import (
	"context"
	"strings"
)

// Scope tells a handler how far a granted operation reaches.
type Scope string

const (
	ScopeNone Scope = ""
	ScopeOwn  Scope = "own"
	ScopeAny  Scope = "any"
	ScopeAll  Scope = "all"
)

// Decision is the immutable outcome of an authorization check. Handlers
// must narrow their queries with OwnerID: for ScopeOwn and ScopeAny it is
// the owner the operation applies to, for ScopeAll an optional filter.
type Decision struct {
	Resource   Resource
	Action     Action
	Granted    bool
	Scope      Scope
	Permission string
	Capability string
	OwnerID    string
	Reason     string
}

// Filtered reports whether a collection read must be restricted to OwnerID.
func (d Decision) Filtered() bool {
	return d.Granted && d.OwnerID != ""
}

func granted(req Request, scope Scope, permission, ownerID string) Decision {
	return Decision{
		Resource:   req.Resource,
		Action:     req.Action,
		Granted:    true,
		Scope:      scope,
		Permission: permission,
		Capability: capability(req.Action, scope),
		OwnerID:    ownerID,
	}
}

func denied(req Request, reason string) Decision {
	return Decision{
		Resource: req.Resource,
		Action:   req.Action,
		Reason:   reason,
	}
}

// capability renders names such as canReadOwn or canDeleteAny.
func capability(action Action, scope Scope) string {
	verb := string(action)
	if action == ActionReadMany {
		verb = "read"
	}
	return "can" + title(verb) + title(string(scope))
}

func title(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

type decisionContextKey struct{}

// ContextWithDecision attaches a granted decision to the request context.
func ContextWithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionContextKey{}, d)
}

// DecisionFromContext returns the decision stored by ContextWithDecision.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	if ctx == nil {
		return Decision{}, false
	}
	d, ok := ctx.Value(decisionContextKey{}).(Decision)
	return d, ok
}
