package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mintToken returns an HS256 token expiring at exp.
func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "u1",
		"username": "alice",
		"exp":      exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func testUser() User {
	return User{ID: "u1", Username: "alice", Name: "Alice", Email: "alice@example.com"}
}

func loginResponse(t *testing.T, exp time.Time) *LoginResponse {
	t.Helper()
	return &LoginResponse{
		TokenPair: TokenPair{
			AccessToken:  mintToken(t, exp),
			RefreshToken: "refresh-1",
			ExpiresIn:    int(exp.Sub(fixedNow).Seconds()),
		},
		User:        testUser(),
		Permissions: []string{"search:read", "search:export"},
		Roles:       []string{"user"},
	}
}

func testProfile() *Profile {
	return &Profile{
		User:        testUser(),
		Permissions: []string{"search:read"},
		Roles:       []string{"user"},
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *MockAuthService, *MemoryStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	svc := NewMockAuthService(ctrl)
	store := NewMemoryStore()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	m := NewManager(svc, store, cfg)
	t.Cleanup(m.Close)
	return m, svc, store
}

// loginAs drives a successful login with resp.
func loginAs(t *testing.T, m *Manager, svc *MockAuthService, resp *LoginResponse) {
	t.Helper()
	svc.EXPECT().Login(gomock.Any(), gomock.Any()).Return(resp, nil)
	require.NoError(t, m.Login(t.Context(), Credentials{Username: "alice", Password: "pw"}))
	require.Equal(t, StatusAuthenticated, m.Status())
}

// seedSession puts m straight into an authenticated state without
// starting renewal.
func seedSession(t *testing.T, m *Manager, user *User, perms, roles []string) {
	t.Helper()
	gen, err := m.state.begin(StatusAuthenticating)
	require.NoError(t, err)
	require.NoError(t, m.state.commit(gen, StatusAuthenticated, func(d *sessionData) {
		*d = sessionData{user: user, accessToken: "tok", permissions: perms, roles: roles}
	}))
}
