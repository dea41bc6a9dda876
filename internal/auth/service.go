package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"evodash.io/internal/ids"
)

const defaultStoreTimeout = 5 * time.Second

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

// Service authenticates users, manages their sessions and answers
// authorization questions.
type Service struct {
	store        Store
	tokens       *TokenService
	hasher       *PasswordHasher
	auditor      Auditor
	now          func() time.Time
	policy       LockoutPolicy
	storeTimeout time.Duration
	bcryptCost   int

	sessions *SessionRegistry
	lockout  *LockoutTracker
	resolver *Resolver
	validate *validator.Validate
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAuditor sets the audit sink. Without it events are dropped.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.auditor = a
		}
		return nil
	}
}

// WithLockoutPolicy configures failed-login locking.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		s.policy = p.normalized()
		return nil
	}
}

// WithStoreTimeout bounds every store round trip of one operation.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("auth: store timeout must be positive")
		}
		s.storeTimeout = d
		return nil
	}
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		s.bcryptCost = cost
		return nil
	}
}

// WithHasher installs a prepared hasher, overriding WithBcryptCost.
func WithHasher(h *PasswordHasher) ServiceOption {
	return func(s *Service) error {
		s.hasher = h
		return nil
	}
}

// NewService wires the auth components over store.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	svc := &Service{
		store:        store,
		tokens:       tokens,
		auditor:      nopAuditor{},
		now:          time.Now,
		policy:       DefaultLockoutPolicy(),
		storeTimeout: defaultStoreTimeout,
		bcryptCost:   DefaultBcryptCost,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		svc.hasher = NewPasswordHasher(svc.bcryptCost)
	}
	svc.sessions = NewSessionRegistry(store, svc.now)
	svc.lockout = NewLockoutTracker(store, svc.policy, svc.now)
	svc.resolver = NewResolver(store)

	svc.validate = validator.New()
	if err := svc.validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("auth: register validation: %w", err)
	}
	return svc, nil
}

// Sessions exposes the session registry for maintenance jobs.
func (s *Service) Sessions() *SessionRegistry { return s.sessions }

func (s *Service) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) audit(ctx context.Context, ev AuditEvent) {
	s.auditor.Record(ctx, ev)
}

// LoginInput carries the credentials of a login request.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterInput carries a self-registration request.
type RegisterInput struct {
	Email     string `json:"email" validate:"required,email,max=255"`
	Username  string `json:"username" validate:"required,username"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

// LoginResult is returned by Login and Register.
type LoginResult struct {
	Token        string
	ExpiresAt    time.Time
	SessionID    string
	User         PublicUser
	AdminGranted bool
}

func normalizeIdentifier(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Login verifies credentials and opens a session.
//
// Order matters: the lock is checked before the password so a locked
// account cannot be probed, and unknown users still pay one bcrypt compare.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	in.Email = normalizeIdentifier(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return LoginResult{}, invalidInput(err)
	}
	sctx, cancel := s.scoped(ctx)
	defer cancel()

	user, err := s.store.Users(sctx).FindByEmail(sctx, in.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.hasher.Equalize(in.Password)
			s.audit(ctx, AuditEvent{
				Action:   ActionLoginFailed,
				Resource: "user",
				Detail:   map[string]any{"reason": ReasonUnknownUser, "email": in.Email},
			})
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("find user: %w", err)
	}

	if s.lockout.Locked(user) {
		s.audit(ctx, loginFailed(user.ID, ReasonAccountLocked, nil))
		return LoginResult{}, ErrAccountLocked
	}
	if !user.Active {
		s.audit(ctx, loginFailed(user.ID, ReasonAccountDisabled, nil))
		return LoginResult{}, ErrAccountDisabled
	}

	if !s.hasher.Verify(in.Password, user.PasswordHash) {
		state, justLocked, err := s.lockout.RecordFailure(sctx, user.ID)
		if err != nil {
			return LoginResult{}, fmt.Errorf("record failed login: %w", err)
		}
		s.audit(ctx, loginFailed(user.ID, ReasonInvalidPassword, map[string]any{"attempts": state.FailedAttempts}))
		if justLocked {
			s.audit(ctx, AuditEvent{
				UserID:     user.ID,
				Action:     ActionAccountLocked,
				Resource:   "user",
				ResourceID: user.ID,
				Detail: map[string]any{
					"attempts":    state.FailedAttempts,
					"lockedUntil": state.LockedUntil.UTC().Format(time.RFC3339),
				},
			})
		}
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := s.lockout.Reset(sctx, user.ID); err != nil {
		return LoginResult{}, fmt.Errorf("reset lockout: %w", err)
	}
	res, err := s.openSession(sctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	s.audit(ctx, AuditEvent{UserID: user.ID, Action: ActionLogin, Resource: "user", ResourceID: user.ID})
	return res, nil
}

func loginFailed(userID, reason string, extra map[string]any) AuditEvent {
	detail := map[string]any{"reason": reason}
	for k, v := range extra {
		detail[k] = v
	}
	return AuditEvent{UserID: userID, Action: ActionLoginFailed, Resource: "user", ResourceID: userID, Detail: detail}
}

func (s *Service) openSession(ctx context.Context, user *User) (LoginResult, error) {
	token, expiresAt, err := s.tokens.Issue(Identity{UserID: user.ID, Email: user.Email, Username: user.Username})
	if err != nil {
		return LoginResult{}, err
	}
	sess, err := s.sessions.Create(ctx, user.ID, token, expiresAt, ClientFromContext(ctx))
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		SessionID: sess.ID,
		User:      user.Public(),
	}, nil
}

// Register creates an account and signs it in. The very first account
// becomes an administrator.
func (s *Service) Register(ctx context.Context, in RegisterInput) (LoginResult, error) {
	in.Email = normalizeIdentifier(in.Email)
	in.Username = normalizeIdentifier(in.Username)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := s.validate.Struct(in); err != nil {
		return LoginResult{}, invalidInput(err)
	}
	sctx, cancel := s.scoped(ctx)
	defer cancel()

	users := s.store.Users(sctx)
	if _, err := users.FindByEmail(sctx, in.Email); err == nil {
		return LoginResult{}, fmt.Errorf("%w: user with this email already exists", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return LoginResult{}, fmt.Errorf("find user: %w", err)
	}
	if _, err := users.FindByUsername(sctx, in.Username); err == nil {
		return LoginResult{}, fmt.Errorf("%w: user with this username already exists", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return LoginResult{}, fmt.Errorf("find user: %w", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return LoginResult{}, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.NewAt(now),
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	granted, err := users.Create(sctx, user, AdminGrant())
	if err != nil {
		return LoginResult{}, err
	}

	res, err := s.openSession(sctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	res.AdminGranted = granted
	s.audit(ctx, AuditEvent{
		UserID:     user.ID,
		Action:     ActionRegister,
		Resource:   "user",
		ResourceID: user.ID,
		Detail:     map[string]any{"firstUser": granted},
	})
	return res, nil
}

// Logout revokes the session bound to token. It never fails for unknown
// or expired tokens.
func (s *Service) Logout(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	sctx, cancel := s.scoped(ctx)
	defer cancel()

	var userID string
	if sess, err := s.store.Sessions(sctx).FindByHash(sctx, HashToken(token)); err == nil {
		userID = sess.UserID
	}
	if err := s.sessions.Revoke(sctx, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if userID != "" {
		s.audit(ctx, AuditEvent{UserID: userID, Action: ActionLogout, Resource: "session"})
	}
	return nil
}

// RevokeSessions ends every session of the principal, including the
// current one.
func (s *Service) RevokeSessions(ctx context.Context, p Principal) (int64, error) {
	if p.User.ID == "" {
		return 0, ErrUnauthenticated
	}
	sctx, cancel := s.scoped(ctx)
	defer cancel()
	n, err := s.sessions.RevokeAll(sctx, p.User.ID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	s.audit(ctx, AuditEvent{
		UserID:   p.User.ID,
		Action:   ActionSessionsRevoked,
		Resource: "session",
		Detail:   map[string]any{"count": n},
	})
	return n, nil
}

// Authenticate walks token, session, account and lock checks and resolves
// the caller's permissions. Each failed step has its own error.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	id, err := s.tokens.Verify(token)
	if err != nil {
		return Principal{}, ErrTokenInvalid
	}

	sctx, cancel := s.scoped(ctx)
	defer cancel()

	sess, err := s.sessions.FindValid(sctx, token)
	if err != nil {
		return Principal{}, err
	}
	if sess.UserID != id.UserID {
		return Principal{}, ErrSessionExpired
	}

	user, err := s.store.Users(sctx).Find(sctx, id.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrSessionExpired
		}
		return Principal{}, fmt.Errorf("find user: %w", err)
	}
	if !user.Active {
		return Principal{}, ErrAccountDisabled
	}
	if s.lockout.Locked(user) {
		return Principal{}, ErrAccountLocked
	}

	res, err := s.resolver.Resolve(sctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		User:        user.Public(),
		SessionID:   sess.ID,
		ExpiresAt:   sess.ExpiresAt,
		Roles:       res.Roles,
		Permissions: res.Permissions,
	}, nil
}

// Authorize checks req against p. Denials are audited.
func (s *Service) Authorize(ctx context.Context, p Principal, req Requirement) error {
	if p.User.ID == "" {
		return ErrUnauthenticated
	}
	if req.Satisfied(p) {
		return nil
	}
	s.audit(ctx, AuditEvent{
		UserID:   p.User.ID,
		Action:   ActionPermissionDenied,
		Resource: req.Resource,
		Detail:   map[string]any{"requirement": req.String()},
	})
	return ErrPermissionDenied
}

func invalidInput(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = field + " is required"
	case "email":
		msg = "invalid email address"
	case "username":
		msg = "username must be 3-32 characters of letters, digits, '.', '_' or '-'"
	case "min":
		msg = fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		msg = field + " is invalid"
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}
