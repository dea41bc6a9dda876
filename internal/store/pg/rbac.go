package pg

import (
	"context"
	"database/sql"
	"fmt"

	"evodash.io/internal/auth"
	"evodash.io/internal/ids"
)

type roleStore struct{ db *sql.DB }

func scanRole(row rowScanner) (*auth.Role, error) {
	var (
		role auth.Role
		desc sql.NullString
	)
	if err := row.Scan(&role.ID, &role.Name, &desc, &role.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	role.Description = desc.String
	return &role, nil
}

func (s *roleStore) Create(ctx context.Context, role *auth.Role) error {
	if s.db == nil {
		return errNoDB
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning created_at
	`, role.ID, role.Name, nullIfEmpty(role.Description)).Scan(&role.CreatedAt)
	return mapError(err)
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanRole(s.db.QueryRowContext(ctx, `select id, name, description, created_at from roles where id = $1`, id))
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanRole(s.db.QueryRowContext(ctx, `select id, name, description, created_at from roles where name = $1`, name))
}

func (s *roleStore) List(ctx context.Context) ([]auth.Role, error) {
	return s.queryRoles(ctx, `select id, name, description, created_at from roles order by name`)
}

func (s *roleStore) ForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	return s.queryRoles(ctx, `
		select r.id, r.name, r.description, r.created_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
}

func (s *roleStore) queryRoles(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *role)
	}
	return result, rows.Err()
}

func (s *roleStore) Assign(ctx context.Context, a auth.Assignment) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, assigned_by, assigned_at)
		values ($1, $2, $3, $4)
	`, a.UserID, a.RoleID, nullIfEmpty(a.AssignedBy), a.AssignedAt)
	return mapError(err)
}

func (s *roleStore) Unassign(ctx context.Context, userID, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

type permissionStore struct{ db *sql.DB }

func ensurePermissions(ctx context.Context, db execer, perms []auth.Permission) error {
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := db.ExecContext(ctx, `
			insert into permissions (id, name, resource, action, description)
			values ($1, $2, $3, $4, $5)
			on conflict (name) do nothing
		`, id, p.Name, p.Resource, p.Action, nullIfEmpty(p.Description)); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Name, err)
		}
	}
	return nil
}

func grantPermissions(ctx context.Context, db execer, roleID string, names []string) error {
	for _, name := range names {
		if _, err := db.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where name = $2
			on conflict do nothing
		`, roleID, name); err != nil {
			return fmt.Errorf("grant %s: %w", name, mapError(err))
		}
	}
	return nil
}

func (s *permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := ensurePermissions(ctx, tx, perms); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *permissionStore) Grant(ctx context.Context, roleID string, names []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := grantPermissions(ctx, tx, roleID, names); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	return s.queryPermissions(ctx, `
		select id, name, resource, action, description, created_at
		from permissions
		order by resource, action
	`)
}

func (s *permissionStore) ForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	return s.queryPermissions(ctx, `
		select p.id, p.name, p.resource, p.action, p.description, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.name
	`, roleID)
}

func (s *permissionStore) queryPermissions(ctx context.Context, query string, args ...any) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var (
			p    auth.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		result = append(result, p)
	}
	return result, rows.Err()
}
