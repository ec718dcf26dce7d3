package session

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultSuperAdminRole is the role IsSuperAdmin checks for.
	DefaultSuperAdminRole = "super_admin"

	// DefaultAvatar is returned by Avatar when the user has none.
	DefaultAvatar = "/avatars/default.jpg"

	unknownDisplayName = "unknown user"
	expiredMessage     = "session expired, please log in again"
)

// DefaultAdminRoles are the roles that bypass explicit permission checks.
var DefaultAdminRoles = []string{"admin", "super_admin"}

// Config tunes a Manager. Zero values take the defaults.
type Config struct {
	RenewalInterval time.Duration
	RenewalWindow   time.Duration
	AdminRoles      []string
	SuperAdminRole  string
	DefaultAvatar   string
	Logger          *slog.Logger
	// Now is the clock used for login timestamps and expiry checks.
	Now func() time.Time
}

// Manager owns one client session. It is safe for concurrent use.
//
// Login, Refresh and Initialize are coalesced: concurrent callers of the
// same operation share one network call. The shared call runs detached
// from the caller's context, so a caller that gives up waiting does not
// abort it. Every state change is written through to the TokenStore
// under the commit lock before it becomes visible.
type Manager struct {
	service  AuthService
	store    TokenStore
	state    *state
	renewal  *Scheduler
	logger   *slog.Logger
	now      func() time.Time
	validate *validator.Validate

	adminRoles     []string
	superAdminRole string
	defaultAvatar  string

	flights  singleflight.Group
	commitMu sync.Mutex
}

// NewManager creates a manager in StatusUninitialized. Call Initialize to
// restore a stored session.
func NewManager(service AuthService, store TokenStore, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		service:        service,
		store:          store,
		state:          newState(),
		logger:         logger,
		now:            now,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		adminRoles:     cloneStrings(cfg.AdminRoles),
		superAdminRole: cmp.Or(cfg.SuperAdminRole, DefaultSuperAdminRole),
		defaultAvatar:  cmp.Or(cfg.DefaultAvatar, DefaultAvatar),
	}

	if len(m.adminRoles) == 0 {
		m.adminRoles = cloneStrings(DefaultAdminRoles)
	}

	m.renewal = NewScheduler(m, SchedulerConfig{
		Interval: cfg.RenewalInterval,
		Window:   cfg.RenewalWindow,
		Now:      now,
	}, logger)

	return m
}

// shared runs fn once among concurrent callers using the same key.
func (m *Manager) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Initialize restores the stored session. Only the first successful call
// does any work. A stored access token is checked by fetching the
// profile; if the provider rejects it, one refresh is attempted before the
// session is dropped. Network failures are returned and leave the manager
// uninitialized so the call can be retried.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.state.isInitialized() {
		return nil
	}

	_, err := m.shared(ctx, "initialize", func(ctx context.Context) (any, error) {
		return nil, m.initialize(ctx)
	})

	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	if m.state.isInitialized() {
		return nil
	}

	gen := m.state.currentGeneration()

	if m.state.Status() != StatusUninitialized {
		// A login got there first; there is nothing to restore.
		m.state.markInitialized()
		return nil
	}

	stored, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("loading stored tokens: %w", err)
	}

	if stored.AccessToken == "" {
		m.logger.Debug("no stored session")
		_ = m.state.commitInitialized(gen, StatusUnauthenticated, nil)

		return nil
	}

	profile, tokens, err := m.restore(ctx, gen, stored)
	switch {
	case errors.Is(err, ErrSuperseded):
		m.state.markInitialized()
		return nil
	case IsTransient(err):
		m.logger.Warn("could not verify stored session", slog.String("error", err.Error()))
		return err
	case err != nil:
		m.logger.Info("stored session rejected, logging out", slog.String("error", err.Error()))
		m.logoutRemote(ctx, tokens.AccessToken)
		m.clearSession(gen)
		m.state.markInitialized()

		return nil
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	err = m.state.commitInitialized(gen, StatusAuthenticated, func(d *sessionData) {
		d.accessToken = tokens.AccessToken
		d.refreshToken = tokens.RefreshToken
		applyProfile(d, profile)
	})
	if errors.Is(err, ErrSuperseded) {
		return nil
	}

	if err != nil {
		return err
	}

	m.renewal.Start()
	m.logger.Info("session restored", slog.String("username", profile.User.Username))

	return nil
}

// restore validates stored tokens against the provider. The tokens it
// returns are the ones that ended up persisted.
func (m *Manager) restore(ctx context.Context, gen uint64, stored StoredTokens) (*Profile, StoredTokens, error) {
	profile, err := m.service.GetProfile(ctx, stored.AccessToken)
	if err == nil {
		return profile, stored, nil
	}

	if KindOf(err) != KindUnauthorized {
		return nil, stored, classify(err, "get profile", KindNetworkFailure)
	}

	if stored.RefreshToken == "" {
		return nil, stored, NewAuthError(KindInvalidRefreshToken, "restore session", "no refresh token stored", err)
	}

	m.logger.Info("stored access token rejected, refreshing")

	resp, err := m.service.RefreshToken(ctx, stored.RefreshToken)
	if err == nil && resp.AccessToken == "" {
		err = NewAuthError(KindInvalidRefreshToken, "refresh", "identity provider returned no access token", nil)
	}

	if err != nil {
		return nil, stored, classify(err, "refresh", KindInvalidRefreshToken)
	}

	tokens := StoredTokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: cmp.Or(resp.RefreshToken, stored.RefreshToken),
	}

	// The old refresh token may already be spent, so the new pair is kept
	// even if the profile fetch below fails.
	if err := m.persist(gen, tokens); err != nil {
		return nil, tokens, err
	}

	if resp.Profile != nil {
		return resp.Profile, tokens, nil
	}

	profile, err = m.service.GetProfile(ctx, tokens.AccessToken)
	if err != nil {
		return nil, tokens, classify(err, "get profile", KindNetworkFailure)
	}

	return profile, tokens, nil
}

// Login authenticates with the provider. Concurrent calls with the same
// credentials share one request; a login for different credentials while
// one is in flight fails with ErrBusy.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	creds.Username = norm.NFC.String(strings.TrimSpace(creds.Username))

	if err := m.validate.Struct(creds); err != nil {
		ae := NewAuthError(KindInvalidCredentials, "login", "username and password are required", err)
		m.state.setError(ae.Error())

		return ae
	}

	_, err := m.shared(ctx, loginKey(creds), func(ctx context.Context) (any, error) {
		return nil, m.login(ctx, creds)
	})

	return err
}

// loginKey identifies a set of credentials without keeping the password
// in the flight map.
func loginKey(creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.Username + "\x00" + creds.Password))
	return "login:" + hex.EncodeToString(sum[:])
}

func (m *Manager) login(ctx context.Context, creds Credentials) error {
	gen, err := m.state.begin(StatusAuthenticating)
	if err != nil {
		return err
	}

	m.logger.Info("logging in", slog.String("username", creds.Username))

	resp, err := m.service.Login(ctx, creds)
	if err == nil && resp.AccessToken == "" {
		err = NewAuthError(KindNetworkFailure, "login", "identity provider returned no access token", nil)
	}

	if err != nil {
		ae := classify(err, "login", KindNetworkFailure)
		m.logger.Warn("login failed",
			slog.String("username", creds.Username),
			slog.String("kind", ae.Kind.String()),
			slog.String("error", ae.Error()),
		)

		m.commitMu.Lock()
		_ = m.state.commit(gen, StatusUnauthenticated, func(d *sessionData) {
			*d = sessionData{lastErr: ae.Error()}
		})
		m.commitMu.Unlock()

		return ae
	}

	user := resp.User.Clone()
	user.LastLoginAt = m.now().UTC()

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if m.state.currentGeneration() != gen {
		return ErrSuperseded
	}

	// Without a new refresh token, whatever a previous session left
	// behind must not survive.
	if resp.RefreshToken == "" {
		if err := m.store.Clear(); err != nil {
			m.logger.Warn("failed to clear stored tokens", slog.String("error", err.Error()))
		}
	}

	if err := m.store.Save(resp.AccessToken, resp.RefreshToken); err != nil {
		m.logger.Warn("failed to save tokens", slog.String("error", err.Error()))
	}

	err = m.state.commit(gen, StatusAuthenticated, func(d *sessionData) {
		*d = sessionData{
			user:         user,
			accessToken:  resp.AccessToken,
			refreshToken: resp.RefreshToken,
			permissions:  cloneStrings(resp.Permissions),
			roles:        cloneStrings(resp.Roles),
		}
	})
	if err != nil {
		return err
	}

	m.renewal.Start()
	m.logger.Info("logged in",
		slog.String("username", user.Username),
		slog.Int("permissions", len(resp.Permissions)),
		slog.Int("roles", len(resp.Roles)),
	)

	return nil
}

// Logout ends the session. The provider is told first, but its failure
// is only logged: the local session is always cleared.
func (m *Manager) Logout(ctx context.Context) {
	access, _ := m.state.tokens()
	m.logoutRemote(ctx, access)
	m.clearSession(0)
	m.logger.Info("logged out")
}

func (m *Manager) logoutRemote(ctx context.Context, accessToken string) {
	if accessToken == "" {
		return
	}

	if err := m.service.Logout(ctx, accessToken); err != nil {
		m.logger.Warn("remote logout failed", slog.String("error", err.Error()))
	}
}

// clearSession stops renewal, wipes the stored tokens and resets the
// state. A non-zero gen restricts it to the operation that owns that
// generation.
func (m *Manager) clearSession(gen uint64) bool {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if gen != 0 && m.state.currentGeneration() != gen {
		return false
	}

	m.renewal.Stop()

	if err := m.store.Clear(); err != nil {
		m.logger.Warn("failed to clear stored tokens", slog.String("error", err.Error()))
	}

	m.state.reset()

	return true
}

// persist writes tokens through to the store if gen still owns the
// session.
func (m *Manager) persist(gen uint64, tokens StoredTokens) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if m.state.currentGeneration() != gen {
		return ErrSuperseded
	}

	if err := m.store.Save(tokens.AccessToken, tokens.RefreshToken); err != nil {
		m.logger.Warn("failed to save tokens", slog.String("error", err.Error()))
	}

	return nil
}

// Refresh renews the access token and reports whether it succeeded.
// A rejected refresh token logs the session out; callers must not assume
// the previous session survives a false return. A network failure leaves
// the session as it was.
func (m *Manager) Refresh(ctx context.Context) bool {
	v, err := m.shared(ctx, "refresh", func(ctx context.Context) (any, error) {
		return m.refresh(ctx), nil
	})
	if err != nil {
		return false
	}

	ok, _ := v.(bool)

	return ok
}

func (m *Manager) refresh(ctx context.Context) bool {
	gen, err := m.state.begin(StatusRefreshing)
	if err != nil {
		m.logger.Debug("refresh skipped", slog.String("reason", err.Error()))
		return false
	}

	access, refresh := m.state.tokens()
	if refresh == "" {
		return m.refreshWithoutToken(gen, access)
	}

	resp, err := m.service.RefreshToken(ctx, refresh)
	if err == nil && resp.AccessToken == "" {
		err = NewAuthError(KindInvalidRefreshToken, "refresh", "identity provider returned no access token", nil)
	}

	if err != nil {
		ae := classify(err, "refresh", KindInvalidRefreshToken)
		if ae.Kind == KindNetworkFailure {
			m.logger.Warn("token refresh failed, keeping session", slog.String("error", ae.Error()))
			m.commitMu.Lock()
			_ = m.state.commit(gen, StatusAuthenticated, nil)
			m.commitMu.Unlock()

			return false
		}

		m.logger.Warn("token refresh rejected, logging out", slog.String("error", ae.Error()))
		m.logoutRemote(ctx, access)
		m.clearSession(gen)

		return false
	}

	next := StoredTokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: cmp.Or(resp.RefreshToken, refresh),
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if m.state.currentGeneration() != gen {
		return false
	}

	if err := m.store.Save(next.AccessToken, next.RefreshToken); err != nil {
		m.logger.Warn("failed to save tokens", slog.String("error", err.Error()))
	}

	err = m.state.commit(gen, StatusAuthenticated, func(d *sessionData) {
		d.accessToken = next.AccessToken
		d.refreshToken = next.RefreshToken
		if resp.Profile != nil {
			applyProfile(d, resp.Profile)
		}
	})
	if err != nil {
		m.logger.Warn("discarding refreshed tokens", slog.String("error", err.Error()))
		return false
	}

	m.logger.Info("access token refreshed")

	return true
}

// refreshWithoutToken handles a renewal when no refresh token is held. An
// access token that is still valid is left alone; one that has lapsed (or
// cannot be read) ends the session in StatusExpired, keeping the user so
// the caller can prompt for a new login.
func (m *Manager) refreshWithoutToken(gen uint64, access string) bool {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if !IsExpiringWithin(access, 0, m.now()) {
		m.logger.Debug("no refresh token held, access token still valid")
		_ = m.state.commit(gen, StatusAuthenticated, nil)

		return false
	}

	if m.state.currentGeneration() != gen {
		return false
	}

	m.logger.Warn("access token expired and no refresh token held")
	m.renewal.Stop()

	if err := m.store.Clear(); err != nil {
		m.logger.Warn("failed to clear stored tokens", slog.String("error", err.Error()))
	}

	_ = m.state.commit(gen, StatusExpired, func(d *sessionData) {
		*d = sessionData{user: d.user, lastErr: expiredMessage}
	})

	return false
}

// FetchProfile reloads the user, permissions and roles. A rejected access
// token gets one refresh before the fetch is retried.
func (m *Manager) FetchProfile(ctx context.Context) error {
	identity := m.state.currentIdentity()
	access, _ := m.state.tokens()
	if access == "" || m.state.Status() != StatusAuthenticated {
		return ErrNotAuthenticated
	}

	profile, err := m.service.GetProfile(ctx, access)
	if KindOf(err) == KindUnauthorized {
		m.logger.Info("access token rejected, refreshing")

		if !m.Refresh(ctx) {
			return classify(err, "get profile", KindUnauthorized)
		}

		access, _ = m.state.tokens()
		profile, err = m.service.GetProfile(ctx, access)
	}

	if err != nil {
		return classify(err, "get profile", KindNetworkFailure)
	}

	return m.state.amend(identity, func(d *sessionData) {
		applyProfile(d, profile)
	})
}

// UpdateProfile sends update to the provider and merges the user it
// returns into the current one. Fields the provider leaves empty keep
// their current values.
func (m *Manager) UpdateProfile(ctx context.Context, update ProfileUpdate) error {
	if err := m.validate.Struct(update); err != nil {
		ae := NewAuthError(KindValidation, "update profile", "invalid profile update", err)
		m.state.setError(ae.Error())

		return ae
	}

	identity := m.state.currentIdentity()
	access, _ := m.state.tokens()
	if access == "" || m.state.Status() != StatusAuthenticated {
		return ErrNotAuthenticated
	}

	updated, err := m.service.UpdateProfile(ctx, access, update)
	if err != nil {
		ae := classify(err, "update profile", KindNetworkFailure)
		m.recordError(identity, ae.Error())

		return ae
	}

	var mergeErr error

	err = m.state.amend(identity, func(d *sessionData) {
		merged := d.user.Clone()
		if mergeErr = mergeUser(merged, updated); mergeErr != nil {
			return
		}

		d.user = merged
		d.lastErr = ""
	})
	if err != nil {
		return err
	}

	if mergeErr != nil {
		return fmt.Errorf("merging updated profile: %w", mergeErr)
	}

	return nil
}

// ChangePassword changes the account password. The new password must
// differ from the old one.
func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	change := PasswordChange{Old: oldPassword, New: newPassword}

	if err := m.validate.Struct(change); err != nil {
		ae := NewAuthError(KindValidation, "change password", "new password must be set and differ from the old one", err)
		m.state.setError(ae.Error())

		return ae
	}

	identity := m.state.currentIdentity()
	access, _ := m.state.tokens()
	if access == "" || m.state.Status() != StatusAuthenticated {
		return ErrNotAuthenticated
	}

	if err := m.service.ChangePassword(ctx, access, change); err != nil {
		ae := classify(err, "change password", KindNetworkFailure)
		m.recordError(identity, ae.Error())

		return ae
	}

	m.recordError(identity, "")

	return nil
}

// recordError sets the last error on the session a request was made for.
// A session that has since changed hands keeps its own.
func (m *Manager) recordError(identity uint64, msg string) {
	_ = m.state.amend(identity, func(d *sessionData) {
		d.lastErr = msg
	})
}

// Status returns the current session status.
func (m *Manager) Status() Status {
	return m.state.Status()
}

// IsAuthenticated reports whether the session can be used for protected
// requests.
func (m *Manager) IsAuthenticated() bool {
	return m.state.Snapshot().Authenticated()
}

// IsInitialized reports whether Initialize has completed.
func (m *Manager) IsInitialized() bool {
	return m.state.isInitialized()
}

// Snapshot returns a copy of the session without token values.
func (m *Manager) Snapshot() Snapshot {
	return m.state.Snapshot()
}

// AccessToken returns the current access token for use as a bearer
// credential, or "".
func (m *Manager) AccessToken() string {
	access, _ := m.state.tokens()
	return access
}

// User returns a copy of the signed-in user, or nil.
func (m *Manager) User() *User {
	return m.state.user()
}

// LastError returns the last user-facing error message.
func (m *Manager) LastError() string {
	return m.state.Snapshot().LastError
}

// ClearError forgets the last error message.
func (m *Manager) ClearError() {
	m.state.setError("")
}

// Subscribe registers fn for every session change and returns a function
// that unregisters it. fn runs synchronously on the goroutine that made
// the change and must not call Login, Refresh or Logout directly.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.state.subscribe(fn)
}

// RenewalRunning reports whether the renewal scheduler is active.
func (m *Manager) RenewalRunning() bool {
	return m.renewal.Running()
}

// Close stops token renewal and waits for it to exit. The stored session
// is kept, so a later Initialize restores it.
func (m *Manager) Close() {
	m.renewal.Stop()
	m.renewal.Wait()
}

// applyProfile replaces identity and grants wholesale. A login timestamp
// the provider does not echo back is kept.
func applyProfile(d *sessionData, p *Profile) {
	user := p.User.Clone()
	if user.LastLoginAt.IsZero() && d.user != nil {
		user.LastLoginAt = d.user.LastLoginAt
	}

	d.user = user
	d.permissions = cloneStrings(p.Permissions)
	d.roles = cloneStrings(p.Roles)
}

// mergeUser overlays the non-empty fields of src onto dst.
func mergeUser(dst, src *User) error {
	if src == nil {
		return nil
	}

	return mergo.Merge(dst, *src, mergo.WithOverride, mergo.WithTransformers(timeTransformer{}))
}

// timeTransformer lets mergo override time.Time values, whose unexported
// fields it cannot set on its own.
type timeTransformer struct{}

func (timeTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf(time.Time{}) {
		return nil
	}

	return func(dst, src reflect.Value) error {
		if dst.CanSet() && !src.IsZero() {
			dst.Set(src)
		}

		return nil
	}
}
