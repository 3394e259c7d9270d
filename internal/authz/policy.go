package authz

import (
	"slices"

	"webtasks.org/internal/auth"
)

// Resource identifies a protected resource type.
type Resource string

const (
	ResourceTask        Resource = "task"
	ResourceUserAccount Resource = "user_account"
)

// Action identifies what the actor wants to do with a resource.
type Action string

const (
	ActionCreate   Action = "create"
	ActionReadMany Action = "readMany"
	ActionRead     Action = "read"
	ActionEdit     Action = "edit"
	ActionDelete   Action = "delete"
)

// Task permissions.
const (
	PermCreateOwnTask = "createOwnTask"
	PermCreateAnyTask = "createAnyTask"
	PermReadOwnTasks  = "readOwnTasks"
	PermReadAllTasks  = "readAllTasks"
	PermReadOwnTask   = "readOwnTask"
	PermReadAnyTask   = "readAnyTask"
	PermEditOwnTask   = "editOwnTask"
	PermEditAnyTask   = "editAnyTask"
	PermDeleteOwnTask = "deleteOwnTask"
	PermDeleteAnyTask = "deleteAnyTask"
)

// User account permissions.
const (
	PermCreateOwnUserAccount = "createOwnUserAccount"
	PermCreateAnyUserAccount = "createAnyUserAccount"
	PermReadOwnUserAccounts  = "readOwnUserAccounts"
	PermReadAllUserAccounts  = "readAllUserAccounts"
	PermReadOwnUserAccount   = "readOwnUserAccount"
	PermReadAnyUserAccount   = "readAnyUserAccount"
	PermEditOwnUserAccount   = "editOwnUserAccount"
	PermEditAnyUserAccount   = "editAnyUserAccount"
	PermDeleteOwnUserAccount = "deleteOwnUserAccount"
	PermDeleteAnyUserAccount = "deleteAnyUserAccount"
)

// PermissionTable maps resource type and permission name to the roles that
// hold it. A permission that is absent or has no roles is never granted.
type PermissionTable map[Resource]map[string][]auth.Role

// DefaultPermissionTable returns a fresh copy of the built-in table.
func DefaultPermissionTable() PermissionTable {
	both := []auth.Role{auth.RoleUser, auth.RoleAdmin}
	admin := []auth.Role{auth.RoleAdmin}
	return PermissionTable{
		ResourceTask: {
			PermCreateOwnTask: both,
			PermCreateAnyTask: admin,
			PermReadOwnTasks:  both,
			PermReadAllTasks:  admin,
			PermReadOwnTask:   both,
			PermReadAnyTask:   admin,
			PermEditOwnTask:   both,
			PermEditAnyTask:   admin,
			PermDeleteOwnTask: both,
			PermDeleteAnyTask: admin,
		},
		ResourceUserAccount: {
			PermCreateOwnUserAccount: both,
			// Accounts are created through self-service sign-up only.
			PermCreateAnyUserAccount: {},
			PermReadOwnUserAccounts:  both,
			PermReadAllUserAccounts:  admin,
			PermReadOwnUserAccount:   both,
			PermReadAnyUserAccount:   admin,
			PermEditOwnUserAccount:   both,
			PermEditAnyUserAccount:   admin,
			PermDeleteOwnUserAccount: both,
			PermDeleteAnyUserAccount: admin,
		},
	}
}

// Allows reports whether role holds permission on resource.
func (t PermissionTable) Allows(resource Resource, permission string, role auth.Role) bool {
	if permission == "" || !role.Valid() {
		return false
	}
	perms, ok := t[resource]
	if !ok {
		return false
	}
	return slices.Contains(perms[permission], role)
}

func (t PermissionTable) clone() PermissionTable {
	out := make(PermissionTable, len(t))
	for resource, perms := range t {
		cp := make(map[string][]auth.Role, len(perms))
		for name, roles := range perms {
			cp[name] = slices.Clone(roles)
		}
		out[resource] = cp
	}
	return out
}
