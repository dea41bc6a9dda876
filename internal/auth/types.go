package auth

import "time"

// User is an account able to sign in to the dashboard.
type User struct {
	ID                  string
	Email               string
	Username            string
	PasswordHash        string
	FirstName           string
	LastName            string
	Active              bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PublicUser is the projection of User that may leave the service.
type PublicUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Public strips credentials and counters from u.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// Role groups permissions.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Permission is an immutable resource:action capability.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Assignment gives a user a role.
type Assignment struct {
	UserID     string    `json:"userId"`
	RoleID     string    `json:"roleId"`
	AssignedBy string    `json:"assignedBy,omitempty"`
	AssignedAt time.Time `json:"assignedAt"`
}

// Session binds an issued token to its owner. Only the token hash is stored.
type Session struct {
	ID        string
	TokenHash string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurredAt"`
	UserID     string         `json:"userId,omitempty"`
	Action     AuditAction    `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	ResourceID string         `json:"resourceId,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	IPAddress  string         `json:"ipAddress"`
	UserAgent  string         `json:"userAgent,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	UserID string
	Action AuditAction
	Since  time.Time
	Limit  int
}

// ClientInfo describes the caller of the current request.
type ClientInfo struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// LockState is the lockout view of a user row after a counter update.
type LockState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// FirstUserGrant describes the role handed to the very first registrant.
type FirstUserGrant struct {
	Role        Role
	Permissions []Permission
}

// UserUpdate carries optional administrative changes to a user.
type UserUpdate struct {
	FirstName    *string
	LastName     *string
	Active       *bool
	PasswordHash *string
}
