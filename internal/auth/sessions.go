package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"evodash.io/internal/ids"
)

// HashToken returns the lookup key stored for a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionRegistry tracks which issued tokens are still honoured.
type SessionRegistry struct {
	store Store
	now   func() time.Time
}

// NewSessionRegistry builds a registry over store.
func NewSessionRegistry(store Store, now func() time.Time) *SessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{store: store, now: now}
}

// Create records a session for token that expires at expiresAt.
func (r *SessionRegistry) Create(ctx context.Context, userID, token string, expiresAt time.Time, client ClientInfo) (*Session, error) {
	if userID == "" || token == "" {
		return nil, fmt.Errorf("%w: session requires user and token", ErrInvalidInput)
	}
	sess := &Session{
		ID:        ids.New(),
		TokenHash: HashToken(token),
		UserID:    userID,
		IssuedAt:  r.now().UTC(),
		ExpiresAt: expiresAt.UTC(),
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	}
	if err := r.store.Sessions(ctx).Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// FindValid returns the session for token if it exists and has not expired.
func (r *SessionRegistry) FindValid(ctx context.Context, token string) (*Session, error) {
	sess, err := r.store.Sessions(ctx).FindByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	if !sess.ExpiresAt.After(r.now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Revoke deletes the session for token. Unknown tokens are not an error.
func (r *SessionRegistry) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return r.store.Sessions(ctx).DeleteByHash(ctx, HashToken(token))
}

// RevokeAll deletes every session owned by userID.
func (r *SessionRegistry) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return r.store.Sessions(ctx).DeleteByUser(ctx, userID)
}

// SweepExpired removes sessions whose expiry has passed.
func (r *SessionRegistry) SweepExpired(ctx context.Context) (int64, error) {
	return r.store.Sessions(ctx).DeleteExpired(ctx, r.now().UTC())
}
