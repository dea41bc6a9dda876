package auth

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"evodash.io/internal/ids"
)

// MemoryStore is an in-process Store for tests and local development.
// A single mutex serialises every operation, which gives the counter and
// bootstrap updates the same atomicity the SQL store gets from the database.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]*User
	roles       map[string]*Role
	permissions map[string]*Permission // by name
	rolePerms   map[string]map[string]struct{}
	assignments map[string]map[string]Assignment // user -> role -> assignment
	sessions    map[string]*Session              // by token hash
	audit       []AuditEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		permissions: make(map[string]*Permission),
		rolePerms:   make(map[string]map[string]struct{}),
		assignments: make(map[string]map[string]Assignment),
		sessions:    make(map[string]*Session),
	}
}

func (m *MemoryStore) Users(context.Context) UserStore             { return memUsers{m} }
func (m *MemoryStore) Roles(context.Context) RoleStore             { return memRoles{m} }
func (m *MemoryStore) Permissions(context.Context) PermissionStore { return memPermissions{m} }
func (m *MemoryStore) Sessions(context.Context) SessionStore       { return memSessions{m} }
func (m *MemoryStore) Audit(context.Context) AuditStore            { return memAudit{m} }

func copyUser(u *User) *User {
	c := *u
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		c.LockedUntil = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

type memUsers struct{ m *MemoryStore }

func (s memUsers) Create(_ context.Context, u *User, grant FirstUserGrant) (bool, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.ID == u.ID || existing.Email == u.Email || existing.Username == u.Username {
			return false, fmt.Errorf("%w: user with this email or username already exists", ErrConflict)
		}
	}
	first := len(m.users) == 0
	m.users[u.ID] = copyUser(u)
	if !first || grant.Role.Name == "" {
		return false, nil
	}

	role := m.roleByNameLocked(grant.Role.Name)
	if role == nil {
		role = &Role{ID: ids.New(), Name: grant.Role.Name, Description: grant.Role.Description, CreatedAt: u.CreatedAt}
		m.roles[role.ID] = role
	}
	m.ensurePermissionsLocked(grant.Permissions)
	names := make([]string, 0, len(grant.Permissions))
	for _, p := range grant.Permissions {
		names = append(names, p.Name)
	}
	if err := m.grantLocked(role.ID, names); err != nil {
		return false, err
	}
	m.assignLocked(Assignment{UserID: u.ID, RoleID: role.ID, AssignedAt: u.CreatedAt})
	return true, nil
}

func (s memUsers) Find(_ context.Context, id string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, u := range s.m.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s memUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, u := range s.m.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s memUsers) List(context.Context) ([]*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*User, 0, len(s.m.users))
	for _, u := range s.m.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memUsers) Update(_ context.Context, id string, upd UserUpdate, at time.Time) (*User, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	u.UpdatedAt = at
	return copyUser(u), nil
}

func (s memUsers) Delete(_ context.Context, id string) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.assignments, id)
	for hash, sess := range m.sessions {
		if sess.UserID == id {
			delete(m.sessions, hash)
		}
	}
	return nil
}

func (s memUsers) RecordFailure(_ context.Context, id string, threshold int, lockUntil time.Time) (LockState, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return LockState{}, ErrNotFound
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		t := lockUntil
		u.LockedUntil = &t
	}
	state := LockState{FailedAttempts: u.FailedLoginAttempts}
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		state.LockedUntil = &t
	}
	return state, nil
}

func (s memUsers) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	t := at
	u.LastLoginAt = &t
	return nil
}

type memRoles struct{ m *MemoryStore }

func (m *MemoryStore) roleByNameLocked(name string) *Role {
	for _, r := range m.roles {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) assignLocked(a Assignment) bool {
	byRole, ok := m.assignments[a.UserID]
	if !ok {
		byRole = make(map[string]Assignment)
		m.assignments[a.UserID] = byRole
	}
	if _, exists := byRole[a.RoleID]; exists {
		return false
	}
	byRole[a.RoleID] = a
	return true
}

func (s memRoles) Create(_ context.Context, role *Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roles[role.ID]; ok || s.m.roleByNameLocked(role.Name) != nil {
		return fmt.Errorf("%w: role %q already exists", ErrConflict, role.Name)
	}
	c := *role
	s.m.roles[role.ID] = &c
	return nil
}

func (s memRoles) Find(_ context.Context, id string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s memRoles) FindByName(_ context.Context, name string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r := s.m.roleByNameLocked(name)
	if r == nil {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s memRoles) List(context.Context) ([]Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]Role, 0, len(s.m.roles))
	for _, r := range s.m.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s memRoles) Assign(_ context.Context, a Assignment) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[a.UserID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.m.roles[a.RoleID]; !ok {
		return ErrNotFound
	}
	if !s.m.assignLocked(a) {
		return fmt.Errorf("%w: role already assigned", ErrConflict)
	}
	return nil
}

func (s memRoles) Unassign(_ context.Context, userID, roleID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	byRole := s.m.assignments[userID]
	if _, ok := byRole[roleID]; !ok {
		return ErrNotFound
	}
	delete(byRole, roleID)
	return nil
}

func (s memRoles) ForUser(_ context.Context, userID string) ([]Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []Role
	for roleID := range s.m.assignments[userID] {
		if r, ok := s.m.roles[roleID]; ok {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memPermissions struct{ m *MemoryStore }

func (m *MemoryStore) ensurePermissionsLocked(perms []Permission) {
	for _, p := range perms {
		if _, ok := m.permissions[p.Name]; ok {
			continue
		}
		c := p
		if c.ID == "" {
			c.ID = ids.New()
		}
		m.permissions[c.Name] = &c
	}
}

func (m *MemoryStore) grantLocked(roleID string, names []string) error {
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	set, ok := m.rolePerms[roleID]
	if !ok {
		set = make(map[string]struct{})
		m.rolePerms[roleID] = set
	}
	for _, n := range names {
		if _, ok := m.permissions[n]; !ok {
			return fmt.Errorf("%w: permission %q", ErrNotFound, n)
		}
		set[n] = struct{}{}
	}
	return nil
}

func (s memPermissions) Ensure(_ context.Context, perms []Permission) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.ensurePermissionsLocked(perms)
	return nil
}

func (s memPermissions) List(context.Context) ([]Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]Permission, 0, len(s.m.permissions))
	for _, p := range s.m.permissions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s memPermissions) Grant(_ context.Context, roleID string, names []string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.grantLocked(roleID, names)
}

func (s memPermissions) ForRole(_ context.Context, roleID string) ([]Permission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]Permission, 0, len(s.m.rolePerms[roleID]))
	for name := range s.m.rolePerms[roleID] {
		if p, ok := s.m.permissions[name]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memSessions struct{ m *MemoryStore }

func (s memSessions) Create(_ context.Context, sess *Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.users[sess.UserID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.m.sessions[sess.TokenHash]; ok {
		return fmt.Errorf("%w: session token", ErrConflict)
	}
	c := *sess
	s.m.sessions[sess.TokenHash] = &c
	return nil
}

func (s memSessions) FindByHash(_ context.Context, hash string) (*Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[hash]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sess
	return &c, nil
}

func (s memSessions) DeleteByHash(_ context.Context, hash string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.sessions, hash)
	return nil
}

func (s memSessions) DeleteByUser(_ context.Context, userID string) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for hash, sess := range s.m.sessions {
		if sess.UserID == userID {
			delete(s.m.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (s memSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for hash, sess := range s.m.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.m.sessions, hash)
			n++
		}
	}
	return n, nil
}

type memAudit struct{ m *MemoryStore }

func (s memAudit) Append(_ context.Context, entry *AuditEntry) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.OccurredAt)
	}
	c := *entry
	c.Detail = maps.Clone(entry.Detail)
	s.m.audit = append(s.m.audit, c)
	return nil
}

func (s memAudit) List(_ context.Context, f AuditFilter) ([]AuditEntry, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []AuditEntry
	for i := len(s.m.audit) - 1; i >= 0; i-- {
		e := s.m.audit[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
