package httpapi

import (
	"net/http"
	"strings"

	"evodash.io/internal/auth"
)

// Route is one API endpoint together with the requirement it enforces.
// Public routes carry a nil Requirement.
type Route struct {
	Method      string
	Path        string
	Requirement *auth.Requirement
	// Limited names the rate-limit bucket; empty means unlimited.
	Limited string
	Handler http.HandlerFunc
}

func need(r auth.Requirement) *auth.Requirement { return &r }

// Routes lists every API endpoint.
func (a *API) Routes() []Route {
	return []Route{
		{Method: http.MethodPost, Path: "/api/auth/login", Limited: "login", Handler: a.handleLogin},
		{Method: http.MethodPost, Path: "/api/auth/register", Limited: "register", Handler: a.handleRegister},
		{Method: http.MethodPost, Path: "/api/auth/logout", Handler: a.handleLogout},
		{Method: http.MethodGet, Path: "/api/auth/session", Requirement: need(auth.Authenticated()), Handler: a.handleSession},
		{Method: http.MethodPost, Path: "/api/auth/sessions/revoke", Requirement: need(auth.Authenticated()), Handler: a.handleRevokeSessions},

		{Method: http.MethodGet, Path: "/api/permissions", Requirement: need(auth.Authenticated()), Handler: a.handleListPermissions},
		{Method: http.MethodGet, Path: "/api/roles", Requirement: need(auth.Can("roles", "read")), Handler: a.handleListRoles},
		{Method: http.MethodPost, Path: "/api/roles", Requirement: need(auth.Can("roles", "create")), Handler: a.handleCreateRole},

		{Method: http.MethodGet, Path: "/api/users", Requirement: need(auth.Can("users", "read")), Handler: a.handleListUsers},
		{Method: http.MethodGet, Path: "/api/users/{id}", Requirement: need(auth.Admin()), Handler: a.handleGetUser},
		{Method: http.MethodPut, Path: "/api/users/{id}", Requirement: need(auth.Admin()), Handler: a.handleUpdateUser},
		{Method: http.MethodDelete, Path: "/api/users/{id}", Requirement: need(auth.Admin()), Handler: a.handleDeleteUser},
		{Method: http.MethodPost, Path: "/api/users/{id}/roles", Requirement: need(auth.Can("users", "manage")), Handler: a.handleAssignRole},
		{Method: http.MethodDelete, Path: "/api/users/{id}/roles/{roleId}", Requirement: need(auth.Can("users", "manage")), Handler: a.handleUnassignRole},

		{Method: http.MethodGet, Path: "/api/audit", Requirement: need(auth.Admin()), Handler: a.handleListAudit},
	}
}

var publicPaths = map[string]bool{
	"/login":             true,
	"/register":          true,
	"/api/auth/login":    true,
	"/api/auth/register": true,
	"/api/auth/logout":   true,
	"/healthz":           true,
	"/readyz":            true,
	"/metrics":           true,
}

var publicPrefixes = []string{
	"/api/webhooks/",
}

func isPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func isAuthPage(path string) bool {
	return path == "/login" || path == "/register"
}

func isAPIPath(path string) bool {
	return path == "/api" || strings.HasPrefix(path, "/api/")
}
