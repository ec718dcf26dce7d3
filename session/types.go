// Package session keeps a client-side deep-search login alive. It stores
// the issued tokens, decodes their expiry, renews them before they lapse
// and drives the authenticated/unauthenticated state machine that
// protected consumers gate on.
//
// A Manager is constructed with an AuthService (the transport that talks to
// the identity provider) and a TokenStore (durable key-value storage). The
// lifecycle is explicit: NewManager, Initialize, then Login/Refresh/Logout
// as needed, and Close on teardown.
package session

import (
	"maps"
	"slices"
	"time"
)

// Status is the state of the session state machine.
type Status int

const (
	StatusUninitialized Status = iota
	StatusUnauthenticated
	StatusAuthenticating
	StatusAuthenticated
	StatusRefreshing
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusRefreshing:
		return "refreshing"
	case StatusExpired:
		return "expired"
	}

	return "unknown"
}

// inFlight reports whether the status marks a network operation that owns
// the session until it completes.
func (s Status) inFlight() bool {
	return s == StatusAuthenticating || s == StatusRefreshing
}

// User is the identity record of the signed-in account.
type User struct {
	ID          string         `json:"id"`
	Username    string         `json:"username"`
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Avatar      string         `json:"avatar,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Department  string         `json:"department,omitempty"`
	Position    string         `json:"position,omitempty"`
	Status      string         `json:"status,omitempty"`
	LastLoginAt time.Time      `json:"lastLoginAt,omitzero"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// Clone returns a copy that shares no maps with u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	c := *u
	c.Preferences = maps.Clone(u.Preferences)

	return &c
}

// Credentials is the username/password pair submitted to Login. It is
// never persisted and never logged.
type Credentials struct {
	Username   string `json:"username" validate:"required"`
	Password   string `json:"password" validate:"required"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

// TokenPair is a freshly issued access token with its optional refresh
// token. ExpiresIn is in seconds.
type TokenPair struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"`
}

// LoginResponse is what the identity provider returns for a successful
// login.
type LoginResponse struct {
	TokenPair
	User        User     `json:"user"`
	Permissions []string `json:"permissions"`
	Roles       []string `json:"roles"`
}

// Profile is the identity of the current token holder.
type Profile struct {
	User        User     `json:"user"`
	Permissions []string `json:"permissions"`
	Roles       []string `json:"roles"`
}

// RefreshResponse carries renewed tokens. Profile is set only when the
// provider sends an updated identity along with the tokens.
type RefreshResponse struct {
	TokenPair
	Profile *Profile `json:"profile,omitempty"`
}

// ProfileUpdate holds the user fields a caller may change. Empty fields
// are left alone by the provider.
type ProfileUpdate struct {
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty" validate:"omitempty,email"`
	Phone       string         `json:"phone,omitempty"`
	Avatar      string         `json:"avatar,omitempty"`
	Department  string         `json:"department,omitempty"`
	Position    string         `json:"position,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// PasswordChange is the payload of ChangePassword.
type PasswordChange struct {
	Old string `json:"oldPassword" validate:"required"`
	New string `json:"newPassword" validate:"required,nefield=Old"`
}

// Snapshot is a read-only copy of the session handed to observers and
// callers. It deliberately carries no token values.
type Snapshot struct {
	Status          Status
	User            *User
	Permissions     []string
	Roles           []string
	HasAccessToken  bool
	HasRefreshToken bool
	Initialized     bool
	LastError       string
}

// Authenticated reports whether the snapshot describes a usable session.
func (s Snapshot) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.User != nil && s.HasAccessToken
}

// Event describes a state change delivered to subscribers.
type Event struct {
	From    Status
	To      Status
	Session Snapshot
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}

	return slices.Clone(in)
}
