package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Sessions(ctx context.Context) SessionStore
	Audit(ctx context.Context) AuditStore
}

// UserStore manages users and their lockout counters.
type UserStore interface {
	// Create inserts u. When no user existed before, the same transaction
	// ensures grant's role and permissions and assigns the role to u.
	// It reports whether the grant was applied.
	Create(ctx context.Context, u *User, grant FirstUserGrant) (bool, error)
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, id string, upd UserUpdate, at time.Time) (*User, error)
	Delete(ctx context.Context, id string) error

	// RecordFailure increments the failure counter in one statement and sets
	// locked_until to lockUntil once the counter reaches threshold.
	RecordFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (LockState, error)
	// RecordSuccess clears the counter and lock and stamps last login.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
}

// RoleStore manages roles and assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	Assign(ctx context.Context, assignment Assignment) error
	Unassign(ctx context.Context, userID, roleID string) error
	ForUser(ctx context.Context, userID string) ([]Role, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	Grant(ctx context.Context, roleID string, names []string) error
	ForRole(ctx context.Context, roleID string) ([]Permission, error)
}

// SessionStore persists sessions keyed by token hash.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindByHash(ctx context.Context, hash string) (*Session, error)
	DeleteByHash(ctx context.Context, hash string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore appends immutable entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
