package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

// helper creates an echo context with the given roles set on the request context.
func newContextWithRoles(method, path string, roles []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

// routeGroups mirrors the role sets the order routes are mounted with.
var routeGroups = map[string][]string{
	"read":     {RoleReception, RoleLabTech, RoleBioanalyst, RoleDispatcher},
	"register": {RoleReception},
	"bench":    {RoleLabTech, RoleBioanalyst},
	"approve":  {RoleBioanalyst},
	"release":  {RoleReception, RoleDispatcher},
}

func TestRequireRole_LabMatrix(t *testing.T) {
	allowed := map[string]map[string]bool{
		RoleReception:  {"read": true, "register": true, "release": true},
		RoleLabTech:    {"read": true, "bench": true},
		RoleBioanalyst: {"read": true, "bench": true, "approve": true},
		RoleDispatcher: {"read": true, "release": true},
		RoleAdmin:      {"read": true, "register": true, "bench": true, "approve": true, "release": true},
	}
	for role, groups := range allowed {
		for group, roles := range routeGroups {
			c, _ := newContextWithRoles(http.MethodPost, "/api/v1/orders", []string{role})
			err := RequireRole(roles...)(okHandler)(c)
			if groups[group] && err != nil {
				t.Errorf("%s should reach %s routes, got %v", role, group, err)
			}
			if !groups[group] {
				he, ok := err.(*echo.HTTPError)
				if !ok || he.Code != http.StatusForbidden {
					t.Errorf("%s should be denied %s routes, got %v", role, group, err)
				}
			}
		}
	}
}

func TestRequireRole_NoRoleDenied(t *testing.T) {
	c, _ := newContextWithRoles(http.MethodGet, "/api/v1/orders", nil)
	err := RequireRole(routeGroups["read"]...)(okHandler)(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403 without roles, got %v", err)
	}
}

func TestRequireRole_UnknownRoleDenied(t *testing.T) {
	c, _ := newContextWithRoles(http.MethodGet, "/api/v1/orders", []string{"physician"})
	if err := RequireRole(routeGroups["read"]...)(okHandler)(c); err == nil {
		t.Error("roles outside the lab must be denied")
	}
}

// Route roles and resolved permissions must agree: anyone let through a
// route group holds the permission the engine checks behind it.
func TestRouteGroupsMatchPermissions(t *testing.T) {
	needs := map[string]string{
		"read":     PermReadOrders,
		"register": PermRegisterOrders,
		"bench":    PermWriteResults,
		"approve":  PermApproveResults,
		"release":  PermPrintReports,
	}
	for group, roles := range routeGroups {
		for _, role := range roles {
			if a := NewActor("u", []string{role}, nil); !a.Can(needs[group]) {
				t.Errorf("%s is routed to %s but lacks %s", role, group, needs[group])
			}
		}
	}
}
