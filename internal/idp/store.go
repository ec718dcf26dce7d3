// Package idp is a small in-process identity provider that speaks the
// deep-search user API. It backs the devserver command and the end-to-end
// tests. All state is in-memory; tokens are invalidated on restart.
package idp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	apierrors "github.com/zhailiang23/deep-search/internal/errors"
	"github.com/zhailiang23/deep-search/internal/models"
	"github.com/zhailiang23/deep-search/session"
	"golang.org/x/crypto/bcrypt"
)

// Account is a user known to the provider.
type Account struct {
	User         session.User
	PasswordHash []byte
	Roles        []string
	Permissions  []string
}

func (a *Account) clone() *Account {
	c := *a
	c.User = *a.User.Clone()
	c.PasswordHash = slices.Clone(a.PasswordHash)
	c.Roles = slices.Clone(a.Roles)
	c.Permissions = slices.Clone(a.Permissions)

	return &c
}

// Profile returns the wire identity of the account.
func (a *Account) Profile() session.Profile {
	return session.Profile{
		User:        *a.User.Clone(),
		Permissions: slices.Clone(a.Permissions),
		Roles:       slices.Clone(a.Roles),
	}
}

const (
	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute

	// refreshTokenBytes is the number of random bytes in a refresh token
	// (hex-encoded to twice this length).
	refreshTokenBytes = 32
)

// dummyHash is compared against when the username is unknown so a miss
// costs the same bcrypt work as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("\x00invalid"), bcrypt.MinCost)

// Store holds accounts, refresh grants and revoked access token IDs.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Account             // user ID -> Account
	byName   map[string]string               // username -> user ID
	grants   map[string]*models.RefreshGrant // refresh token -> grant
	revoked  map[string]time.Time            // jti -> access token expiry
	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store seeded with accounts and starts a background
// goroutine that periodically removes expired grants and revocations.
// Accounts without an ID get a random UUID. Call Stop() to clean up the
// goroutine.
func NewStore(accounts []Account) (*Store, error) {
	s := &Store{
		accounts: make(map[string]*Account),
		byName:   make(map[string]string),
		grants:   make(map[string]*models.RefreshGrant),
		revoked:  make(map[string]time.Time),
		stopGC:   make(chan struct{}),
	}

	for i := range accounts {
		acc := accounts[i].clone()
		if acc.User.Username == "" {
			return nil, fmt.Errorf("account %d has no username", i+1)
		}

		if _, dup := s.byName[acc.User.Username]; dup {
			return nil, fmt.Errorf("duplicate username %q", acc.User.Username)
		}

		if acc.User.ID == "" {
			acc.User.ID = uuid.NewString()
		}

		if acc.User.Status == "" {
			acc.User.Status = "active"
		}

		s.accounts[acc.User.ID] = acc
		s.byName[acc.User.Username] = acc.User.ID
	}

	go s.gcLoop()

	return s, nil
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

// gcLoop periodically removes expired grants and revocations.
func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all entries that expired before now.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, g := range s.grants {
		if now.After(g.ExpiresAt) {
			delete(s.grants, k)
		}
	}

	// A revoked token past its own expiry is rejected by the parser anyway.
	for k, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, k)
		}
	}
}

// Authenticate checks username and password. Unknown users and wrong
// passwords both return ErrInvalidCredentials.
func (s *Store) Authenticate(username, password string) (*Account, error) {
	s.mu.RLock()
	acc, ok := s.accounts[s.byName[username]]
	if ok {
		acc = acc.clone()
	}
	s.mu.RUnlock()

	hash := dummyHash
	if ok {
		hash = acc.PasswordHash
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return nil, apierrors.ErrInvalidCredentials
	}

	if acc.User.Status != "active" {
		return nil, apierrors.ErrInvalidCredentials
	}

	return acc, nil
}

// Account returns a copy of the account with the given user ID, or nil.
func (s *Store) Account(userID string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return nil
	}

	return acc.clone()
}

// RecordLogin stamps the account's last login time.
func (s *Store) RecordLogin(userID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[userID]; ok {
		acc.User.LastLoginAt = at.UTC()
	}
}

// IssueRefresh creates a refresh grant for userID valid for ttl.
func (s *Store) IssueRefresh(userID string, ttl time.Duration) string {
	token := RandomHex(refreshTokenBytes)

	s.mu.Lock()
	s.grants[token] = &models.RefreshGrant{
		Token:     token,
		UserID:    userID,
		ExpiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()

	return token
}

// RedeemRefresh consumes a refresh grant and returns its user ID. A grant
// can be redeemed once.
func (s *Store) RedeemRefresh(token string) (string, error) {
	if token == "" {
		return "", apierrors.ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[token]
	if !ok {
		return "", apierrors.ErrInvalidToken
	}

	delete(s.grants, token)

	if time.Now().After(g.ExpiresAt) {
		return "", apierrors.ErrInvalidToken
	}

	if _, ok := s.accounts[g.UserID]; !ok {
		return "", apierrors.ErrInvalidToken
	}

	return g.UserID, nil
}

// RevokeUser drops every refresh grant held by userID.
func (s *Store) RevokeUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, g := range s.grants {
		if g.UserID == userID {
			delete(s.grants, k)
		}
	}
}

// RevokeAccess marks an access token ID as revoked until it expires.
func (s *Store) RevokeAccess(jti string, expiresAt time.Time) {
	s.mu.Lock()
	s.revoked[jti] = expiresAt
	s.mu.Unlock()
}

// IsRevoked reports whether the access token ID has been revoked.
func (s *Store) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.revoked[jti]

	return ok
}

// UpdateProfile applies the non-empty fields of update to the account and
// returns the stored user. Preference keys are merged.
func (s *Store) UpdateProfile(userID string, update session.ProfileUpdate) (*session.User, error) {
	patch := session.User{
		Name:        update.Name,
		Email:       update.Email,
		Phone:       update.Phone,
		Avatar:      update.Avatar,
		Department:  update.Department,
		Position:    update.Position,
		Preferences: update.Preferences,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return nil, apierrors.ErrInvalidToken
	}

	// time.Time is a struct, so mergo would copy a zero value over it.
	patch.LastLoginAt = acc.User.LastLoginAt

	merged := acc.User.Clone()
	if err := mergo.Merge(merged, patch, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging profile: %w", err)
	}

	acc.User = *merged

	return acc.User.Clone(), nil
}

// ChangePassword replaces the password after checking the old one.
func (s *Store) ChangePassword(userID, oldPassword, newPassword string) error {
	s.mu.RLock()
	acc, ok := s.accounts[userID]
	var hash []byte
	if ok {
		hash = slices.Clone(acc.PasswordHash)
	}
	s.mu.RUnlock()

	if !ok {
		return apierrors.ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(oldPassword)); err != nil {
		return apierrors.ErrInvalidCredentials
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	s.mu.Lock()
	if acc, ok := s.accounts[userID]; ok {
		acc.PasswordHash = newHash
	}
	s.mu.Unlock()

	return nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
