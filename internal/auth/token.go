package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenTTL = 7 * 24 * time.Hour
	DefaultIssuer   = "evodash"

	// Allowed clock skew when checking issued-at.
	issuedAtLeeway = 5 * time.Second
)

// Identity is what a token asserts about its bearer.
type Identity struct {
	UserID   string
	Email    string
	Username string
}

// Claims represents JWT claims issued by TokenService.
type Claims struct {
	UserID   string `json:"uid"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 bearer tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService)

// WithTokenIssuer overrides the iss claim.
func WithTokenIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithTokenTTL configures token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithTokenClock overrides time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService refuses to run without a signing key.
func NewTokenService(secret []byte, opts ...TokenOption) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: token secret is not configured")
	}
	s := &TokenService{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for id. The returned expiry equals the exp claim.
func (s *TokenService) Issue(id Identity) (string, time.Time, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	exp := jwt.NewNumericDate(now.Add(s.ttl))
	claims := Claims{
		UserID:   id.UserID,
		Email:    id.Email,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp.Time, nil
}

// Verify checks signature, algorithm, issuer, expiry and required claims.
// Every failure is reported as ErrTokenInvalid.
func (s *TokenService) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Identity{}, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrTokenInvalid
	}
	if err := s.validateClaims(claims); err != nil {
		return Identity{}, ErrTokenInvalid
	}
	return Identity{UserID: claims.UserID, Email: claims.Email, Username: claims.Username}, nil
}

func (s *TokenService) validateClaims(claims *Claims) error {
	if strings.TrimSpace(claims.UserID) == "" || claims.Subject != claims.UserID {
		return errors.New("subject missing or mismatched")
	}
	if claims.Email == "" || claims.Username == "" {
		return errors.New("identity claims missing")
	}
	if claims.IssuedAt == nil || claims.ID == "" {
		return errors.New("iat or jti missing")
	}
	if claims.IssuedAt.Time.After(s.now().Add(issuedAtLeeway)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
