package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"evodash.io/internal/ids"
)

// UserDetail is a user with its roles and effective permissions.
type UserDetail struct {
	PublicUser
	Active      bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Roles       []Role    `json:"roles"`
	Permissions []string  `json:"permissions"`
}

// UserPatch is an administrative change request. Nil fields are left alone.
type UserPatch struct {
	FirstName *string  `json:"firstName"`
	LastName  *string  `json:"lastName"`
	Active    *bool    `json:"isActive"`
	Password  *string  `json:"password" validate:"omitempty,min=8,max=72"`
	RoleIDs   []string `json:"roleIds"`
}

// RoleInput creates a role with an initial set of permission names.
type RoleInput struct {
	Name        string   `json:"name" validate:"required,min=2,max=50"`
	Description string   `json:"description" validate:"max=255"`
	Permissions []string `json:"permissions"`
}

// ListUsers returns every user.
func (s *Service) ListUsers(ctx context.Context) ([]PublicUser, error) {
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	users, err := s.store.Users(sctx).List(sctx)
	if err != nil {
		return nil, err
	}
	out := make([]PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out, nil
}

// GetUser returns id with roles and resolved permissions.
func (s *Service) GetUser(ctx context.Context, id string) (UserDetail, error) {
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	return s.userDetail(sctx, id)
}

func (s *Service) userDetail(ctx context.Context, id string) (UserDetail, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return UserDetail{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).Find(ctx, id)
	if err != nil {
		return UserDetail{}, err
	}
	roles, err := s.store.Roles(ctx).ForUser(ctx, id)
	if err != nil {
		return UserDetail{}, err
	}
	res, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return UserDetail{}, err
	}
	return UserDetail{
		PublicUser:  user.Public(),
		Active:      user.Active,
		CreatedAt:   user.CreatedAt.UTC(),
		UpdatedAt:   user.UpdatedAt.UTC(),
		Roles:       roles,
		Permissions: res.Permissions.Names(),
	}, nil
}

// UpdateUser applies patch to id on behalf of actor. Deactivation or a
// password change ends all of the user's sessions. Role IDs are checked
// before anything is written.
func (s *Service) UpdateUser(ctx context.Context, actor Principal, id string, patch UserPatch) (UserDetail, error) {
	if err := s.validate.Struct(patch); err != nil {
		return UserDetail{}, invalidInput(err)
	}
	sctx, cancel := s.scoped(ctx)
	defer cancel()

	if _, err := s.store.Users(sctx).Find(sctx, id); err != nil {
		return UserDetail{}, err
	}
	var plan rolePlan
	if patch.RoleIDs != nil {
		var err error
		if plan, err = s.planRoles(sctx, actor, id, patch.RoleIDs); err != nil {
			return UserDetail{}, err
		}
	}

	upd := UserUpdate{FirstName: trimPtr(patch.FirstName), LastName: trimPtr(patch.LastName), Active: patch.Active}
	if patch.Password != nil {
		hash, err := s.hasher.Hash(*patch.Password)
		if err != nil {
			return UserDetail{}, err
		}
		upd.PasswordHash = &hash
	}
	if _, err := s.store.Users(sctx).Update(sctx, id, upd, s.now().UTC()); err != nil {
		return UserDetail{}, err
	}

	revoked := int64(0)
	var revokeErr error
	if (patch.Active != nil && !*patch.Active) || patch.Password != nil {
		revoked, revokeErr = s.sessions.RevokeAll(sctx, id)
	}
	var roleErr error
	if patch.RoleIDs != nil {
		roleErr = s.applyRoles(sctx, actor, id, plan)
	}
	detail := patch.auditDetail(revoked)
	if revokeErr != nil {
		detail["revokeError"] = revokeErr.Error()
	}
	s.audit(ctx, AuditEvent{
		UserID:     actor.User.ID,
		Action:     ActionUserUpdate,
		Resource:   "user",
		ResourceID: id,
		Detail:     detail,
	})
	if revokeErr != nil {
		return UserDetail{}, fmt.Errorf("revoke sessions: %w", revokeErr)
	}
	if roleErr != nil {
		return UserDetail{}, roleErr
	}
	return s.userDetail(sctx, id)
}

func (p UserPatch) auditDetail(revoked int64) map[string]any {
	fields := make([]string, 0, 5)
	if p.FirstName != nil {
		fields = append(fields, "firstName")
	}
	if p.LastName != nil {
		fields = append(fields, "lastName")
	}
	if p.Active != nil {
		fields = append(fields, "isActive")
	}
	if p.Password != nil {
		fields = append(fields, "password")
	}
	if p.RoleIDs != nil {
		fields = append(fields, "roles")
	}
	return map[string]any{"fields": fields, "sessionsRevoked": revoked}
}

type rolePlan struct {
	add    []string
	remove []string
}

// planRoles resolves the role changes that make userID hold exactly roleIDs.
// Unknown roles and privileged changes by non-admins fail here.
func (s *Service) planRoles(ctx context.Context, actor Principal, userID string, roleIDs []string) (rolePlan, error) {
	roles := s.store.Roles(ctx)
	current, err := roles.ForUser(ctx, userID)
	if err != nil {
		return rolePlan{}, err
	}
	held := make(map[string]struct{}, len(current))
	for _, r := range current {
		held[r.ID] = struct{}{}
	}
	var plan rolePlan
	want := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		if _, dup := want[id]; dup {
			continue
		}
		want[id] = struct{}{}
		role, err := roles.Find(ctx, id)
		if err != nil {
			return rolePlan{}, err
		}
		if _, ok := held[id]; ok {
			continue
		}
		if err := s.guardRole(ctx, actor, role); err != nil {
			return rolePlan{}, err
		}
		plan.add = append(plan.add, id)
	}
	for i := range current {
		if _, keep := want[current[i].ID]; keep {
			continue
		}
		if err := s.guardRole(ctx, actor, &current[i]); err != nil {
			return rolePlan{}, err
		}
		plan.remove = append(plan.remove, current[i].ID)
	}
	return plan, nil
}

func (s *Service) applyRoles(ctx context.Context, actor Principal, userID string, plan rolePlan) error {
	roles := s.store.Roles(ctx)
	for _, id := range plan.remove {
		if err := roles.Unassign(ctx, userID, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	for _, id := range plan.add {
		err := roles.Assign(ctx, Assignment{UserID: userID, RoleID: id, AssignedBy: actor.User.ID, AssignedAt: s.now().UTC()})
		if err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return nil
}

// privilegedPermissions reports whether names include a manage or wildcard grant.
func privilegedPermissions(names []string) bool {
	for _, n := range names {
		if strings.HasSuffix(n, ":manage") || strings.HasSuffix(n, ":"+Wildcard) {
			return true
		}
	}
	return false
}

// guardRole stops non-admins from handing out or taking away the admin role
// or any role carrying manage rights.
func (s *Service) guardRole(ctx context.Context, actor Principal, role *Role) error {
	if actor.HasRole(AdminRole) {
		return nil
	}
	privileged := role.Name == AdminRole
	if !privileged {
		perms, err := s.store.Permissions(ctx).ForRole(ctx, role.ID)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(perms))
		for _, p := range perms {
			names = append(names, p.Name)
		}
		privileged = privilegedPermissions(names)
	}
	if !privileged {
		return nil
	}
	s.audit(ctx, AuditEvent{
		UserID:     actor.User.ID,
		Action:     ActionPermissionDenied,
		Resource:   "role",
		ResourceID: role.ID,
		Detail:     map[string]any{"requirement": Admin().String(), "role": role.Name},
	})
	return ErrPermissionDenied
}

// DeleteUser removes id. Sessions and role assignments go with it.
func (s *Service) DeleteUser(ctx context.Context, actor Principal, id string) error {
	if id == actor.User.ID {
		return fmt.Errorf("%w: cannot delete your own account", ErrInvalidInput)
	}
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	if err := s.store.Users(sctx).Delete(sctx, id); err != nil {
		return err
	}
	s.audit(ctx, AuditEvent{UserID: actor.User.ID, Action: ActionUserDelete, Resource: "user", ResourceID: id})
	return nil
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	return s.store.Roles(sctx).List(sctx)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	return s.store.Permissions(sctx).List(sctx)
}

// CreateRole adds a role and grants it the named permissions.
func (s *Service) CreateRole(ctx context.Context, actor Principal, in RoleInput) (Role, error) {
	in.Name = normalizeIdentifier(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if err := s.validate.Struct(in); err != nil {
		return Role{}, invalidInput(err)
	}
	known := NewPermissionSet(catalogNames()...)
	for _, name := range in.Permissions {
		if _, ok := known[name]; !ok {
			return Role{}, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, name)
		}
	}
	if !actor.HasRole(AdminRole) && privilegedPermissions(in.Permissions) {
		s.audit(ctx, AuditEvent{
			UserID:   actor.User.ID,
			Action:   ActionPermissionDenied,
			Resource: "role",
			Detail:   map[string]any{"requirement": Admin().String(), "permissions": in.Permissions},
		})
		return Role{}, ErrPermissionDenied
	}
	sctx, cancel := s.scoped(ctx)
	defer cancel()

	role := Role{ID: ids.New(), Name: in.Name, Description: in.Description, CreatedAt: s.now().UTC()}
	if err := s.store.Roles(sctx).Create(sctx, &role); err != nil {
		return Role{}, err
	}
	if len(in.Permissions) > 0 {
		if err := s.store.Permissions(sctx).Grant(sctx, role.ID, in.Permissions); err != nil {
			return Role{}, err
		}
	}
	s.audit(ctx, AuditEvent{
		UserID:     actor.User.ID,
		Action:     ActionRoleCreate,
		Resource:   "role",
		ResourceID: role.ID,
		Detail:     map[string]any{"name": role.Name, "permissions": in.Permissions},
	})
	return role, nil
}

// AssignRole gives userID the role roleID.
func (s *Service) AssignRole(ctx context.Context, actor Principal, userID, roleID string) error {
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	if _, err := s.store.Users(sctx).Find(sctx, userID); err != nil {
		return err
	}
	role, err := s.store.Roles(sctx).Find(sctx, roleID)
	if err != nil {
		return err
	}
	if err := s.guardRole(sctx, actor, role); err != nil {
		return err
	}
	err = s.store.Roles(sctx).Assign(sctx, Assignment{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: actor.User.ID,
		AssignedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	s.audit(ctx, AuditEvent{
		UserID:     actor.User.ID,
		Action:     ActionRoleAssign,
		Resource:   "user",
		ResourceID: userID,
		Detail:     map[string]any{"roleId": roleID},
	})
	return nil
}

// UnassignRole removes roleID from userID.
func (s *Service) UnassignRole(ctx context.Context, actor Principal, userID, roleID string) error {
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	role, err := s.store.Roles(sctx).Find(sctx, roleID)
	if err != nil {
		return err
	}
	if err := s.guardRole(sctx, actor, role); err != nil {
		return err
	}
	if err := s.store.Roles(sctx).Unassign(sctx, userID, roleID); err != nil {
		return err
	}
	s.audit(ctx, AuditEvent{
		UserID:     actor.User.ID,
		Action:     ActionRoleUnassign,
		Resource:   "user",
		ResourceID: userID,
		Detail:     map[string]any{"roleId": roleID},
	})
	return nil
}

// ListAudit returns audit entries, newest first.
func (s *Service) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > MaxAuditPage {
		filter.Limit = MaxAuditPage
	}
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	return s.store.Audit(sctx).List(sctx, filter)
}

// MaxAuditPage caps one audit listing.
const MaxAuditPage = 500

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}
