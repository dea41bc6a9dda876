package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"evodash.io/internal/auth"
	"evodash.io/internal/ids"
)

// bootstrapLockKey serialises first-user registration.
const bootstrapLockKey int64 = 0x65766f6461736801

const userColumns = `id, email, username, password_hash, coalesce(first_name, ''), coalesce(last_name, ''),
	is_active, failed_login_attempts, locked_until, last_login_at, created_at, updated_at`

type userStore struct{ db *sql.DB }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u           auth.User
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.Active, &u.FailedLoginAttempts, &lockedUntil, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *auth.User, grant auth.FirstUserGrant) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, bootstrapLockKey); err != nil {
		return false, fmt.Errorf("bootstrap lock: %w", err)
	}
	var existing int
	if err := tx.QueryRowContext(ctx, `select count(*) from users`).Scan(&existing); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into users (id, email, username, password_hash, first_name, last_name, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, u.ID, u.Email, u.Username, u.PasswordHash, nullIfEmpty(u.FirstName), nullIfEmpty(u.LastName), u.Active, u.CreatedAt); err != nil {
		return false, mapError(err)
	}

	granted := existing == 0 && grant.Role.Name != ""
	if granted {
		var roleID string
		err := tx.QueryRowContext(ctx, `
			insert into roles (id, name, description)
			values ($1, $2, $3)
			on conflict (name) do update set name = excluded.name
			returning id
		`, ids.New(), grant.Role.Name, nullIfEmpty(grant.Role.Description)).Scan(&roleID)
		if err != nil {
			return false, fmt.Errorf("ensure role %s: %w", grant.Role.Name, err)
		}
		if err := ensurePermissions(ctx, tx, grant.Permissions); err != nil {
			return false, err
		}
		names := make([]string, 0, len(grant.Permissions))
		for _, p := range grant.Permissions {
			names = append(names, p.Name)
		}
		if err := grantPermissions(ctx, tx, roleID, names); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, assigned_at)
			values ($1, $2, $3)
			on conflict do nothing
		`, u.ID, roleID, u.CreatedAt); err != nil {
			return false, fmt.Errorf("assign %s: %w", grant.Role.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return granted, nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where username = $1`, username))
}

func (s *userStore) List(ctx context.Context) ([]*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *userStore) Update(ctx context.Context, id string, upd auth.UserUpdate, at time.Time) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.FirstName != nil {
		sets = append(sets, fmt.Sprintf("first_name = $%d", idx))
		args = append(args, nullIfEmpty(*upd.FirstName))
		idx++
	}
	if upd.LastName != nil {
		sets = append(sets, fmt.Sprintf("last_name = $%d", idx))
		args = append(args, nullIfEmpty(*upd.LastName))
		idx++
	}
	if upd.Active != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	if upd.PasswordHash != nil {
		sets = append(sets, fmt.Sprintf("password_hash = $%d", idx))
		args = append(args, *upd.PasswordHash)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, fmt.Sprintf("updated_at = $%d", idx))
		args = append(args, at)
		idx++
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, mapError(err)
		}
		if err := expectOne(res); err != nil {
			return nil, err
		}
	}
	return s.Find(ctx, id)
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *userStore) RecordFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (auth.LockState, error) {
	if s.db == nil {
		return auth.LockState{}, errNoDB
	}
	var (
		state  auth.LockState
		locked sql.NullTime
	)
	// Right-hand side columns refer to the row before the update.
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1,
		    locked_until = case when failed_login_attempts + 1 >= $2 then $3 else locked_until end,
		    updated_at = now()
		where id = $1
		returning failed_login_attempts, locked_until
	`, id, threshold, lockUntil).Scan(&state.FailedAttempts, &locked)
	if err != nil {
		return auth.LockState{}, mapError(err)
	}
	state.LockedUntil = timePtr(locked)
	return state, nil
}

func (s *userStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked_until = null, last_login_at = $2, updated_at = $2
		where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return expectOne(res)
}
