package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"webtasks.org/internal/audit"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/authz"
	"webtasks.org/internal/tasks"
)

func (a *API) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTasks(w, r)
	case http.MethodPost:
		a.createTask(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTaskResource(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r.URL.Path, "/v1/tasks/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getTask(w, r, id)
	case http.MethodPut:
		a.updateTask(w, r, id)
	case http.MethodDelete:
		a.deleteTask(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx, d, ok := a.authorize(w, r, authz.Request{
		Resource:    authz.ResourceTask,
		Action:      authz.ActionReadMany,
		OwnerFilter: r.URL.Query().Get("user_id"),
	})
	if !ok {
		return
	}
	list, err := a.tasks.List(ctx, d)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": list,
		"scope": d.Scope,
	})
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var in tasks.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx, d, ok := a.authorize(w, r, authz.Request{
		Resource:    authz.ResourceTask,
		Action:      authz.ActionCreate,
		TargetOwner: in.OwnerID,
	})
	if !ok {
		return
	}
	task, err := a.tasks.Create(ctx, d, in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "task.create", map[string]any{
		"task_id":  task.ID,
		"owner_id": task.OwnerID,
		"scope":    string(d.Scope),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/tasks/%s", task.ID))
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request, id string) {
	ctx, d, ok := a.authorize(w, r, authz.Request{Resource: authz.ResourceTask, Action: authz.ActionRead, ResourceID: id})
	if !ok {
		return
	}
	task, err := a.tasks.Get(ctx, d, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) updateTask(w http.ResponseWriter, r *http.Request, id string) {
	ctx, d, ok := a.authorize(w, r, authz.Request{Resource: authz.ResourceTask, Action: authz.ActionEdit, ResourceID: id})
	if !ok {
		return
	}
	var in tasks.UpdateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	task, err := a.tasks.Update(ctx, d, id, in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "task.update", map[string]any{
		"task_id": id,
		"scope":   string(d.Scope),
	})
	writeJSON(w, http.StatusOK, task)
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request, id string) {
	ctx, d, ok := a.authorize(w, r, authz.Request{Resource: authz.ResourceTask, Action: authz.ActionDelete, ResourceID: id})
	if !ok {
		return
	}
	if err := a.tasks.Delete(ctx, d, id); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "task.delete", map[string]any{
		"task_id": id,
		"scope":   string(d.Scope),
	})
	w.WriteHeader(http.StatusNoContent)
}

// authorize runs the engine for the request principal and writes the error
// response on denial. A granted decision is attached to the returned context.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, req authz.Request) (context.Context, authz.Decision, bool) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	d, err := a.authz.Decide(r.Context(), principal, req)
	if err != nil {
		if d.Reason != "" {
			_ = audit.LogEvent(r.Context(), "authz.denied", map[string]any{
				"resource": string(req.Resource),
				"action":   string(req.Action),
				"reason":   d.Reason,
			})
		}
		if errors.Is(err, auth.ErrForbidden) && d.Reason != "" {
			writeErrorKind(w, r, http.StatusForbidden, d.Reason, auth.Kind(err))
			return r.Context(), d, false
		}
		handleError(w, r, err)
		return r.Context(), d, false
	}
	return authz.ContextWithDecision(r.Context(), d), d, true
}

func resourceID(path, prefix string) (string, bool) {
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
