package auth

import "errors"

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account temporarily locked")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrRateLimited        = errors.New("auth: rate limited")
	ErrUnauthenticated    = errors.New("auth: not authenticated")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrSessionExpired     = errors.New("auth: session expired")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrConflict           = errors.New("auth: already exists")
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
)

// Outcome is the enumerable result of an authentication or authorization step.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomeInvalidCredentials Outcome = "invalid_credentials"
	OutcomeAccountLocked      Outcome = "account_locked"
	OutcomeAccountDisabled    Outcome = "account_disabled"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomeUnauthenticated    Outcome = "unauthenticated"
	OutcomeTokenInvalid       Outcome = "token_invalid"
	OutcomeSessionExpired     Outcome = "session_expired"
	OutcomePermissionDenied   Outcome = "permission_denied"
	OutcomeConflict           Outcome = "conflict"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeInvalidInput       Outcome = "invalid_input"
	OutcomeInternal           Outcome = "internal"
)

// Classify maps an error returned by this package onto its Outcome.
// Unknown errors are internal.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidCredentials):
		return OutcomeInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return OutcomeAccountLocked
	case errors.Is(err, ErrAccountDisabled):
		return OutcomeAccountDisabled
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrTokenInvalid):
		return OutcomeTokenInvalid
	case errors.Is(err, ErrSessionExpired):
		return OutcomeSessionExpired
	case errors.Is(err, ErrUnauthenticated):
		return OutcomeUnauthenticated
	case errors.Is(err, ErrPermissionDenied):
		return OutcomePermissionDenied
	case errors.Is(err, ErrConflict):
		return OutcomeConflict
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInvalidInput):
		return OutcomeInvalidInput
	default:
		return OutcomeInternal
	}
}

// Unauthenticated reports whether o must be presented to callers as a plain
// "not authenticated" result. Token and session failures are not
// distinguished outside the service.
func (o Outcome) Unauthenticated() bool {
	switch o {
	case OutcomeUnauthenticated, OutcomeTokenInvalid, OutcomeSessionExpired:
		return true
	}
	return false
}
