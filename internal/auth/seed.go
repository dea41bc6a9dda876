package auth

import (
	"context"
	"errors"
	"fmt"

	"evodash.io/internal/ids"
)

// AdminSeed describes an optional default administrator.
type AdminSeed struct {
	Email    string
	Username string
	Password string
}

// SeedReport summarises what Seed changed.
type SeedReport struct {
	RolesCreated  []string
	AdminCreated  bool
	AdminUserID   string
	SessionsSwept int64
}

// Seed ensures the permission catalog and role templates exist, and
// creates admin when it is set and no such user exists yet. It is safe to
// run repeatedly.
func (s *Service) Seed(ctx context.Context, admin *AdminSeed) (SeedReport, error) {
	var report SeedReport
	perms := s.store.Permissions(ctx)
	if err := perms.Ensure(ctx, CatalogPermissions()); err != nil {
		return report, fmt.Errorf("ensure permissions: %w", err)
	}

	roles := s.store.Roles(ctx)
	var adminRoleID string
	for _, tpl := range RoleTemplates() {
		role, err := roles.FindByName(ctx, tpl.Name)
		if errors.Is(err, ErrNotFound) {
			role = &Role{ID: ids.New(), Name: tpl.Name, Description: tpl.Description, CreatedAt: s.now().UTC()}
			if err := roles.Create(ctx, role); err != nil {
				return report, fmt.Errorf("create role %s: %w", tpl.Name, err)
			}
			report.RolesCreated = append(report.RolesCreated, tpl.Name)
		} else if err != nil {
			return report, fmt.Errorf("find role %s: %w", tpl.Name, err)
		}
		if err := perms.Grant(ctx, role.ID, tpl.Permissions); err != nil {
			return report, fmt.Errorf("grant role %s: %w", tpl.Name, err)
		}
		if tpl.Name == AdminRole {
			adminRoleID = role.ID
		}
	}

	if admin != nil && admin.Email != "" {
		id, created, err := s.seedAdmin(ctx, *admin, adminRoleID)
		if err != nil {
			return report, err
		}
		report.AdminUserID = id
		report.AdminCreated = created
	}

	n, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		return report, fmt.Errorf("sweep sessions: %w", err)
	}
	report.SessionsSwept = n
	return report, nil
}

func (s *Service) seedAdmin(ctx context.Context, in AdminSeed, roleID string) (string, bool, error) {
	email := normalizeIdentifier(in.Email)
	username := normalizeIdentifier(in.Username)
	if username == "" {
		username = AdminRole
	}
	users := s.store.Users(ctx)
	if existing, err := users.FindByEmail(ctx, email); err == nil {
		return existing.ID, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", false, fmt.Errorf("find admin: %w", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return "", false, fmt.Errorf("hash admin password: %w", err)
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.NewAt(now),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		FirstName:    "Admin",
		LastName:     "User",
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := users.Create(ctx, user, AdminGrant()); err != nil {
		return "", false, fmt.Errorf("create admin: %w", err)
	}
	err = s.store.Roles(ctx).Assign(ctx, Assignment{UserID: user.ID, RoleID: roleID, AssignedAt: now})
	if err != nil && !errors.Is(err, ErrConflict) {
		return "", false, fmt.Errorf("assign admin role: %w", err)
	}
	return user.ID, true, nil
}
