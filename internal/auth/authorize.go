package auth

import (
	"slices"
	"time"
)

// Principal represents an authenticated user with resolved roles and permissions.
type Principal struct {
	User        PublicUser
	SessionID   string
	ExpiresAt   time.Time
	Roles       []string
	Permissions PermissionSet
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Can reports whether the principal may perform action on resource.
func (p Principal) Can(resource, action string) bool {
	return p.Permissions.Has(resource, action)
}

// RequirementKind enumerates what a route demands of its caller.
type RequirementKind int

const (
	RequireAuthenticated RequirementKind = iota
	RequireAdmin
	RequirePermission
)

// Requirement is the declarative access rule attached to a route.
type Requirement struct {
	Kind     RequirementKind
	Resource string
	Action   string
}

// Authenticated is satisfied by any principal.
func Authenticated() Requirement {
	return Requirement{Kind: RequireAuthenticated}
}

// Admin requires the admin role.
func Admin() Requirement {
	return Requirement{Kind: RequireAdmin}
}

// Can requires action on resource.
func Can(resource, action string) Requirement {
	return Requirement{Kind: RequirePermission, Resource: resource, Action: action}
}

// Satisfied reports whether p meets r.
func (r Requirement) Satisfied(p Principal) bool {
	if p.User.ID == "" {
		return false
	}
	switch r.Kind {
	case RequireAuthenticated:
		return true
	case RequireAdmin:
		return p.HasRole(AdminRole)
	case RequirePermission:
		return p.Can(r.Resource, r.Action)
	default:
		return false
	}
}

func (r Requirement) String() string {
	switch r.Kind {
	case RequireAuthenticated:
		return "authenticated"
	case RequireAdmin:
		return "role:" + AdminRole
	case RequirePermission:
		return "permission:" + PermissionName(r.Resource, r.Action)
	default:
		return "unknown"
	}
}
