package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Resources and actions of the permission catalog.
var (
	Resources = []string{"instances", "messages", "contacts", "webhooks", "users", "settings", "roles"}
	Actions   = []string{"create", "read", "update", "delete", "manage"}
)

// Wildcard grants every action on a resource.
const Wildcard = "*"

// AdminRole is the role name that satisfies administrative requirements.
const AdminRole = "admin"

// PermissionName formats resource and action as "resource:action".
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// CatalogPermissions returns every resource x action permission.
func CatalogPermissions() []Permission {
	out := make([]Permission, 0, len(Resources)*len(Actions))
	for _, r := range Resources {
		for _, a := range Actions {
			out = append(out, Permission{
				Name:        PermissionName(r, a),
				Resource:    r,
				Action:      a,
				Description: fmt.Sprintf("Can %s %s", a, r),
			})
		}
	}
	return out
}

// RoleTemplate is a predefined role and the permission names it carries.
type RoleTemplate struct {
	Name        string
	Description string
	Permissions []string
}

// RoleTemplates returns the admin, operator and viewer roles.
func RoleTemplates() []RoleTemplate {
	return []RoleTemplate{
		{Name: AdminRole, Description: "Administrator with full access", Permissions: catalogNames()},
		{
			Name:        "operator",
			Description: "Operator with limited access",
			Permissions: crossNames([]string{"instances", "messages", "contacts"}, []string{"create", "read", "update"}),
		},
		{
			Name:        "viewer",
			Description: "Read-only access",
			Permissions: crossNames([]string{"instances", "messages", "contacts", "webhooks"}, []string{"read"}),
		},
	}
}

// AdminGrant is applied to the first registered user.
func AdminGrant() FirstUserGrant {
	return FirstUserGrant{
		Role:        Role{Name: AdminRole, Description: "Administrator with full access"},
		Permissions: CatalogPermissions(),
	}
}

func catalogNames() []string {
	return crossNames(Resources, Actions)
}

func crossNames(resources, actions []string) []string {
	out := make([]string, 0, len(resources)*len(actions))
	for _, r := range resources {
		for _, a := range actions {
			out = append(out, PermissionName(r, a))
		}
	}
	return out
}

// PermissionSet is a flattened, deduplicated set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from permission names.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set grants action on resource, either exactly
// or through the resource wildcard.
func (s PermissionSet) Has(resource, action string) bool {
	if _, ok := s[PermissionName(resource, action)]; ok {
		return true
	}
	_, ok := s[PermissionName(resource, Wildcard)]
	return ok
}

// Names returns the sorted permission names.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolution is the effective authority of a user at one instant.
type Resolution struct {
	Roles       []string
	Permissions PermissionSet
}

// Resolver computes effective permissions from role assignments.
type Resolver struct {
	store Store
}

// NewResolver builds a resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads userID's roles and flattens their permissions.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Resolution, error) {
	roles, err := r.store.Roles(ctx).ForUser(ctx, userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load roles: %w", err)
	}
	perms := r.store.Permissions(ctx)
	res := Resolution{Roles: make([]string, 0, len(roles)), Permissions: PermissionSet{}}
	for _, role := range roles {
		res.Roles = append(res.Roles, role.Name)
		list, err := perms.ForRole(ctx, role.ID)
		if err != nil {
			return Resolution{}, fmt.Errorf("load permissions for role %s: %w", role.Name, err)
		}
		for _, p := range list {
			res.Permissions[p.Name] = struct{}{}
		}
	}
	sort.Strings(res.Roles)
	return res, nil
}
