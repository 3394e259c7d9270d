package httpapi

import (
	"fmt"
	"net/http"

	"webtasks.org/internal/account"
	"webtasks.org/internal/audit"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/authz"
	"webtasks.org/internal/ids"
)

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listUsers(w, r)
	case http.MethodPost:
		a.createUser(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r.URL.Path, "/v1/users/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getUser(w, r, id)
	case http.MethodPut:
		a.updateUser(w, r, id)
	case http.MethodDelete:
		a.deleteUser(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	ctx, d, ok := a.authorize(w, r, authz.Request{
		Resource:    authz.ResourceUserAccount,
		Action:      authz.ActionReadMany,
		OwnerFilter: r.URL.Query().Get("user_id"),
	})
	if !ok {
		return
	}
	list, err := a.accounts.List(ctx, d)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": list,
		"scope": d.Scope,
	})
}

// createUser is anonymous sign-up. An authenticated caller is asking to
// create somebody else's account, which the default table grants to no role.
func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var in account.SignUpInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, authenticated := auth.PrincipalFromContext(r.Context()); authenticated {
		if _, _, ok := a.authorize(w, r, authz.Request{
			Resource:    authz.ResourceUserAccount,
			Action:      authz.ActionCreate,
			TargetOwner: ids.New(),
		}); !ok {
			return
		}
	}

	acc, err := a.accounts.SignUp(r.Context(), in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.signup", map[string]any{
		"account_id": acc.ID,
		"role":       string(acc.Role),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", acc.ID))
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	ctx, d, ok := a.authorize(w, r, authz.Request{Resource: authz.ResourceUserAccount, Action: authz.ActionRead, ResourceID: id})
	if !ok {
		return
	}
	acc, err := a.accounts.Get(ctx, d, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, id string) {
	ctx, d, ok := a.authorize(w, r, authz.Request{Resource: authz.ResourceUserAccount, Action: authz.ActionEdit, ResourceID: id})
	if !ok {
		return
	}
	var in account.UpdateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.accounts.Update(ctx, d, id, in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	fields := map[string]any{
		"target_id": id,
		"scope":     string(d.Scope),
	}
	if in.Role != nil {
		fields["role"] = string(acc.Role)
	}
	_ = audit.LogEvent(ctx, "user.update", fields)
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request, id string) {
	ctx, d, ok := a.authorize(w, r, authz.Request{Resource: authz.ResourceUserAccount, Action: authz.ActionDelete, ResourceID: id})
	if !ok {
		return
	}
	if err := a.accounts.Delete(ctx, d, id); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "user.delete", map[string]any{
		"target_id": id,
		"scope":     string(d.Scope),
	})
	if d.Scope == authz.ScopeOwn {
		a.clearSessionCookies(w)
	}
	w.WriteHeader(http.StatusNoContent)
}
