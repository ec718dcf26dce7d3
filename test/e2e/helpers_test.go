package e2e_test

import (
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zhailiang23/deep-search/authapi"
	"github.com/zhailiang23/deep-search/internal/idp"
	"github.com/zhailiang23/deep-search/internal/server"
	"github.com/zhailiang23/deep-search/internal/state"
	"github.com/zhailiang23/deep-search/session"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUsername = "testuser"
	testPassword = "testpass"
	testSecret   = "e2e-test-signing-secret-0123456789"
)

// harness holds the full e2e test stack: a real HTTP server backed by the
// development identity provider, and a bbolt state file that survives
// manager restarts.
type harness struct {
	URL       string
	Provider  *idp.Provider
	Client    *authapi.Client
	StatePath string
	logger    *slog.Logger
}

// newHarness starts an identity provider with one account and returns a
// harness pointing at it. accessTTL controls the lifetime of issued
// access tokens.
func newHarness(t *testing.T, accessTTL time.Duration) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	provider, err := idp.New([]idp.Account{{
		User: session.User{
			Username:    testUsername,
			Name:        "Test User",
			Email:       "test@example.com",
			Preferences: map[string]any{"theme": "dark"},
		},
		PasswordHash: hash,
		Roles:        []string{"user"},
		Permissions:  []string{"search:read", "search:export"},
	}}, idp.Config{
		Secret:    []byte(testSecret),
		AccessTTL: accessTTL,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(provider.Stop)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{Provider: provider}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:       ts.URL,
		Provider:  provider,
		Client:    authapi.NewClient(ts.URL, ts.Client()),
		StatePath: filepath.Join(t.TempDir(), "session.db"),
		logger:    logger,
	}
}

// open starts a manager over the harness state file, like a fresh process
// would. The returned stop function closes the manager and releases the
// file so another manager can open it.
func (h *harness) open(t *testing.T, cfg session.Config) (*session.Manager, *state.State, func()) {
	t.Helper()

	store, err := state.LoadAt(h.StatePath)
	require.NoError(t, err)

	cfg.Logger = h.logger
	mgr := session.NewManager(h.Client, store, cfg)

	stop := func() {
		mgr.Close()
		store.Close()
	}
	t.Cleanup(stop)

	return mgr, store, stop
}

func credentials() session.Credentials {
	return session.Credentials{Username: testUsername, Password: testPassword, RememberMe: true}
}

// login opens a manager, initializes it and signs in.
func (h *harness) login(t *testing.T, cfg session.Config) (*session.Manager, *state.State, func()) {
	t.Helper()

	mgr, store, stop := h.open(t, cfg)
	require.NoError(t, mgr.Initialize(t.Context()))
	require.NoError(t, mgr.Login(t.Context(), credentials()))
	require.True(t, mgr.IsAuthenticated())

	return mgr, store, stop
}

// authapiClientFor returns a client for baseURL with a short timeout.
func authapiClientFor(t *testing.T, baseURL string) *authapi.Client {
	t.Helper()
	return authapi.NewClient(baseURL, authapi.DefaultHTTPClient(2*time.Second))
}
