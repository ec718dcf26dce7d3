package session

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidCredentials is user-facing; the user may retry with
	// different credentials.
	KindInvalidCredentials
	// KindInvalidRefreshToken forces a logout.
	KindInvalidRefreshToken
	// KindNetworkFailure is transient and never changes session state.
	KindNetworkFailure
	// KindUnauthorized means the access token was rejected. It triggers one
	// refresh attempt.
	KindUnauthorized
	// KindDecodeFailure is produced by the token inspector and always
	// treated as "expired".
	KindDecodeFailure
	// KindValidation is a rejected input (profile update, password change).
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInvalidRefreshToken:
		return "invalid_refresh_token"
	case KindNetworkFailure:
		return "network_failure"
	case KindUnauthorized:
		return "unauthorized"
	case KindDecodeFailure:
		return "decode_failure"
	case KindValidation:
		return "validation"
	}

	return "unknown"
}

// Kind sentinels. An *AuthError matches the sentinel of its kind under
// errors.Is.
var (
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrNetworkFailure      = errors.New("network failure")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrDecodeFailure       = errors.New("token could not be decoded")
	ErrValidation          = errors.New("validation failed")
)

// State machine errors.
var (
	ErrBusy                 = errors.New("another authentication operation is in progress")
	ErrInvalidTransition    = errors.New("invalid session state transition")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrSuperseded           = errors.New("session changed while the operation was in flight")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidCredentials:
		return ErrInvalidCredentials
	case KindInvalidRefreshToken:
		return ErrInvalidRefreshToken
	case KindNetworkFailure:
		return ErrNetworkFailure
	case KindUnauthorized:
		return ErrUnauthorized
	case KindDecodeFailure:
		return ErrDecodeFailure
	case KindValidation:
		return ErrValidation
	}

	return nil
}

// AuthError is the typed failure returned by AuthService implementations
// and surfaced by the Manager.
type AuthError struct {
	Kind Kind
	// Op names the operation that failed, e.g. "login".
	Op string
	// Message is a human-readable reason, safe to show to users.
	Message string
	Err     error
}

// NewAuthError builds an AuthError of the given kind.
func NewAuthError(kind Kind, op, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" {
		if s := e.Kind.sentinel(); s != nil {
			msg = s.Error()
		} else if e.Err != nil {
			msg = e.Err.Error()
		} else {
			msg = e.Kind.String()
		}
	}

	if e.Op == "" {
		return msg
	}

	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches the kind sentinel, so errors.Is(err, ErrUnauthorized) works
// on any wrapped *AuthError of that kind.
func (e *AuthError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// KindOf returns the kind of the first *AuthError in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}

	return KindUnknown
}

// IsTransient reports whether err is a network failure that is safe to
// retry without any session change.
func IsTransient(err error) bool {
	return KindOf(err) == KindNetworkFailure
}

// classify makes sure err is an *AuthError, giving unknown failures the
// fallback kind.
func classify(err error, op string, fallback Kind) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}

	return &AuthError{Kind: fallback, Op: op, Err: err}
}
