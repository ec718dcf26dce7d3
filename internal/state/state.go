// Package state persists the session tokens in a bbolt database so a
// deep-search login survives process restarts.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zhailiang23/deep-search/session"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.deep-search/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket   = []byte("session")
	accessTokenKey  = []byte(session.AccessTokenKey)
	refreshTokenKey = []byte(session.RefreshTokenKey)
	updatedAtKey    = []byte("updated-at")
)

var _ session.TokenStore = (*State)(nil)

// State wraps a bbolt database holding the session tokens.
type State struct {
	db *bolt.DB
}

// DefaultPath returns ~/.deep-search/session.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".deep-search", "session.db"), nil
}

// Load opens the state database at the default path.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it and its
// directory if they do not exist. The session bucket is created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Save stores the access token and, when non-empty, the refresh token.
// An empty refresh token leaves the stored one in place.
func (s *State) Save(accessToken, refreshToken string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		if err := b.Put(accessTokenKey, []byte(accessToken)); err != nil {
			return err
		}

		if refreshToken != "" {
			if err := b.Put(refreshTokenKey, []byte(refreshToken)); err != nil {
				return err
			}
		}

		return b.Put(updatedAtKey, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return fmt.Errorf("saving tokens: %w", err)
	}

	return nil
}

// Load returns the stored tokens. Missing keys are empty strings.
func (s *State) Load() (session.StoredTokens, error) {
	var tokens session.StoredTokens

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		// Values are only valid inside the transaction; string() copies.
		tokens.AccessToken = string(b.Get(accessTokenKey))
		tokens.RefreshToken = string(b.Get(refreshTokenKey))

		return nil
	})
	if err != nil {
		return session.StoredTokens{}, fmt.Errorf("loading tokens: %w", err)
	}

	return tokens, nil
}

// Clear removes both tokens.
func (s *State) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		for _, k := range [][]byte{accessTokenKey, refreshTokenKey, updatedAtKey} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing tokens: %w", err)
	}

	return nil
}

// UpdatedAt returns when the tokens were last saved, or the zero time
// when nothing is stored.
func (s *State) UpdatedAt() time.Time {
	var at time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(updatedAtKey)
		if v == nil {
			return nil
		}

		parsed, err := time.Parse(time.RFC3339, string(v))
		if err == nil {
			at = parsed
		}

		return nil
	})

	return at
}
