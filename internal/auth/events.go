package auth

import "context"

// AuditAction names a security-relevant event.
type AuditAction string

const (
	ActionLogin            AuditAction = "login"
	ActionLoginFailed      AuditAction = "login_failed"
	ActionAccountLocked    AuditAction = "account_locked"
	ActionLogout           AuditAction = "logout"
	ActionRegister         AuditAction = "register"
	ActionSessionsRevoked  AuditAction = "sessions_revoked"
	ActionPermissionDenied AuditAction = "permission_denied"
	ActionUserUpdate       AuditAction = "user_update"
	ActionUserDelete       AuditAction = "user_delete"
	ActionRoleCreate       AuditAction = "role_create"
	ActionRoleAssign       AuditAction = "role_assign"
	ActionRoleUnassign     AuditAction = "role_unassign"
)

// Reasons attached to login_failed events.
const (
	ReasonInvalidPassword = "invalid_password"
	ReasonAccountLocked   = "account_locked"
	ReasonAccountDisabled = "account_disabled"
	ReasonUnknownUser     = "unknown_user"
)

// AuditEvent is what the service asks to have recorded. Client details are
// taken from the context by the Auditor.
type AuditEvent struct {
	UserID     string
	Action     AuditAction
	Resource   string
	ResourceID string
	Detail     map[string]any
}

// Auditor records audit events. Implementations must not fail the caller.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) {}
