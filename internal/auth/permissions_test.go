package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionSetHas(t *testing.T) {
	set := NewPermissionSet("instances:read", "messages:*", " ")

	assert.True(t, set.Has("instances", "read"))
	assert.False(t, set.Has("instances", "delete"))
	assert.True(t, set.Has("messages", "delete"), "wildcard covers every action")
	assert.True(t, set.Has("messages", "manage"))
	assert.False(t, set.Has("contacts", "read"))
	assert.Len(t, set, 2)
	assert.Equal(t, []string{"instances:read", "messages:*"}, set.Names())
}

func TestCatalogAndTemplates(t *testing.T) {
	catalog := CatalogPermissions()
	require.Len(t, catalog, 35)
	assert.Equal(t, "instances:create", catalog[0].Name)
	assert.Equal(t, "Can create instances", catalog[0].Description)

	byName := map[string]RoleTemplate{}
	for _, tpl := range RoleTemplates() {
		byName[tpl.Name] = tpl
	}
	assert.Len(t, byName[AdminRole].Permissions, 35)
	assert.Len(t, byName["operator"].Permissions, 9)
	assert.Contains(t, byName["operator"].Permissions, "contacts:update")
	assert.NotContains(t, byName["operator"].Permissions, "contacts:delete")
	assert.Equal(t, []string{"instances:read", "messages:read", "contacts:read", "webhooks:read"}, byName["viewer"].Permissions)
}

func TestRequirementSatisfied(t *testing.T) {
	anon := Principal{}
	viewer := Principal{User: PublicUser{ID: "u1"}, Roles: []string{"viewer"}, Permissions: NewPermissionSet("instances:read")}
	admin := Principal{User: PublicUser{ID: "u2"}, Roles: []string{"admin"}, Permissions: NewPermissionSet()}

	assert.False(t, Authenticated().Satisfied(anon))
	assert.True(t, Authenticated().Satisfied(viewer))

	assert.True(t, Can("instances", "read").Satisfied(viewer))
	assert.False(t, Can("instances", "create").Satisfied(viewer))
	assert.False(t, Can("instances", "read").Satisfied(anon))

	assert.True(t, Admin().Satisfied(admin))
	assert.False(t, Admin().Satisfied(viewer))
	// Admin is a role check, not a permission check.
	assert.False(t, Can("users", "read").Satisfied(admin))

	assert.Equal(t, "permission:users:manage", Can("users", "manage").String())
	assert.Equal(t, "authenticated", Authenticated().String())
}

func TestResolverFlattensAndDedupes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Permissions(ctx).Ensure(ctx, CatalogPermissions()))

	_, err := store.Users(ctx).Create(ctx, &User{ID: "u1", Email: "a@example.com", Username: "a", Active: true}, FirstUserGrant{})
	require.NoError(t, err)
	for _, r := range []Role{{ID: "r1", Name: "one"}, {ID: "r2", Name: "two"}} {
		role := r
		require.NoError(t, store.Roles(ctx).Create(ctx, &role))
	}
	require.NoError(t, store.Permissions(ctx).Grant(ctx, "r1", []string{"instances:read", "messages:read"}))
	require.NoError(t, store.Permissions(ctx).Grant(ctx, "r2", []string{"messages:read", "contacts:create"}))
	require.NoError(t, store.Roles(ctx).Assign(ctx, Assignment{UserID: "u1", RoleID: "r2"}))
	require.NoError(t, store.Roles(ctx).Assign(ctx, Assignment{UserID: "u1", RoleID: "r1"}))

	res, err := NewResolver(store).Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, res.Roles)
	assert.Equal(t, []string{"contacts:create", "instances:read", "messages:read"}, res.Permissions.Names())

	empty, err := NewResolver(store).Resolve(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty.Roles)
	assert.Empty(t, empty.Permissions)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify(nil))
	assert.Equal(t, OutcomeAccountLocked, Classify(ErrAccountLocked))
	assert.Equal(t, OutcomeConflict, Classify(ErrConflict))
	assert.Equal(t, OutcomeInternal, Classify(assert.AnError))
	assert.True(t, Classify(ErrSessionExpired).Unauthenticated())
	assert.True(t, Classify(ErrTokenInvalid).Unauthenticated())
	assert.False(t, Classify(ErrPermissionDenied).Unauthenticated())
}
