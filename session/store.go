package session

import "sync"

// Storage keys for the durable token copy. They match the keys the web
// client keeps in localStorage so a shared store stays readable by both.
const (
	AccessTokenKey  = "auth-token"
	RefreshTokenKey = "refresh-token"
)

// StoredTokens is the durable copy of the session tokens. Absent values
// are empty strings.
type StoredTokens struct {
	AccessToken  string
	RefreshToken string
}

// TokenStore is durable key-value storage for the two session tokens.
// A missing key loads as an empty string, never as an error. Save with an
// empty refresh token keeps any stored refresh token.
type TokenStore interface {
	Save(accessToken, refreshToken string) error
	Load() (StoredTokens, error)
	Clear() error
}

// MemoryStore is a TokenStore that lives only as long as the process.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Save stores the access token and, when non-empty, the refresh token.
func (m *MemoryStore) Save(accessToken, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[AccessTokenKey] = accessToken
	if refreshToken != "" {
		m.values[RefreshTokenKey] = refreshToken
	}

	return nil
}

// Load returns whatever tokens are stored.
func (m *MemoryStore) Load() (StoredTokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return StoredTokens{
		AccessToken:  m.values[AccessTokenKey],
		RefreshToken: m.values[RefreshTokenKey],
	}, nil
}

// Clear removes both tokens.
func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, AccessTokenKey)
	delete(m.values, RefreshTokenKey)

	return nil
}
