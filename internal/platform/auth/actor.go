package auth

import (
	"context"
	"sort"
)

// Roles known to the lab.
const (
	RoleAdmin      = "admin"
	RoleReception  = "reception"
	RoleLabTech    = "lab_tech"
	RoleBioanalyst = "bioanalyst"
	RoleDispatcher = "dispatcher"
)

// Permissions checked by the order engine.
const (
	PermReadOrders     = "orders:read"
	PermRegisterOrders = "orders:register"
	PermWriteResults   = "results:write"
	PermApproveResults = "results:approve"
	PermPrintReports   = "reports:print"
)

var rolePermissions = map[string][]string{
	RoleReception:  {PermReadOrders, PermRegisterOrders, PermPrintReports},
	RoleLabTech:    {PermReadOrders, PermWriteResults},
	RoleBioanalyst: {PermReadOrders, PermWriteResults, PermApproveResults},
	RoleDispatcher: {PermReadOrders, PermPrintReports},
}

// Actor is the acting context passed explicitly into every engine call.
type Actor struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions"`
}

// NewActor resolves the effective permission set for userID from its roles
// plus any directly granted permissions.
func NewActor(userID string, roles, granted []string) Actor {
	set := make(map[string]struct{})
	for _, r := range roles {
		if r == RoleAdmin {
			for _, perms := range rolePermissions {
				for _, p := range perms {
					set[p] = struct{}{}
				}
			}
			continue
		}
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	for _, p := range granted {
		set[p] = struct{}{}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return Actor{UserID: userID, Roles: roles, Permissions: perms}
}

// Can reports whether the actor holds perm.
func (a Actor) Can(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// ActorFromContext builds the Actor from identity placed on ctx by the auth middleware.
func ActorFromContext(ctx context.Context) Actor {
	return NewActor(UserIDFromContext(ctx), RolesFromContext(ctx), PermissionsFromContext(ctx))
}
