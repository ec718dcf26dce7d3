package idp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apierrors "github.com/zhailiang23/deep-search/internal/errors"
	"github.com/zhailiang23/deep-search/internal/models"
	"github.com/zhailiang23/deep-search/session"
)

const (
	// maxRequestBody caps JSON request bodies.
	maxRequestBody = 64 * 1024

	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Config configures a Provider.
type Config struct {
	// Secret is the HS256 signing key for access tokens.
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *slog.Logger
	// Now is the clock for login lockouts. Defaults to time.Now.
	Now func() time.Time
}

// Provider serves the deep-search user API from an in-memory Store.
type Provider struct {
	store      *Store
	tokens     *Issuer
	lockout    *lockout
	validate   *validator.Validate
	refreshTTL time.Duration
	logger     *slog.Logger
}

// New creates a provider with the given accounts. Call Stop when done.
func New(accounts []Account, cfg Config) (*Provider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("signing secret is required")
	}

	store, err := NewStore(accounts)
	if err != nil {
		return nil, fmt.Errorf("creating account store: %w", err)
	}

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}

	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Provider{
		store:      store,
		tokens:     NewIssuer(cfg.Secret, cfg.AccessTTL),
		lockout:    newLockout(cfg.Now),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		refreshTTL: cfg.RefreshTTL,
		logger:     cfg.Logger,
	}, nil
}

// Stop releases the store's background goroutine.
func (p *Provider) Stop() {
	p.store.Stop()
}

// Store exposes the account store.
func (p *Provider) Store() *Store {
	return p.store
}

// issue mints an access token and a fresh refresh grant for acc.
func (p *Provider) issue(acc *Account) (session.TokenPair, error) {
	access, err := p.tokens.Mint(acc)
	if err != nil {
		return session.TokenPair{}, err
	}

	return session.TokenPair{
		AccessToken:  access,
		RefreshToken: p.store.IssueRefresh(acc.User.ID, p.refreshTTL),
		ExpiresIn:    int(p.tokens.TTL().Seconds()),
	}, nil
}

// HandleLogin returns the POST /api/users/login handler.
func (p *Provider) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var creds session.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		creds.Username = strings.TrimSpace(creds.Username)
		if err := p.validate.Struct(creds); err != nil {
			writeJSONError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		// Check before verifying so a locked-out client cannot keep guessing.
		ip := remoteIP(r)
		key := attempt{ip: ip, username: creds.Username}
		if wait := p.lockout.retryAfter(key); wait > 0 {
			p.logger.Warn("login locked out",
				slog.String("username", creds.Username),
				slog.String("ip", ip),
				slog.Duration("retry_after", wait),
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSONError(w, http.StatusTooManyRequests, apierrors.ErrRateLimited.Error()+", try again later")

			return
		}

		acc, err := p.store.Authenticate(creds.Username, creds.Password)
		if err != nil {
			p.logger.Warn("login failed", slog.String("username", creds.Username), slog.String("ip", ip))
			p.lockout.fail(key)
			writeJSONError(w, http.StatusUnauthorized, apierrors.ErrInvalidCredentials.Error())

			return
		}

		p.lockout.clear(key)
		p.store.RecordLogin(acc.User.ID, time.Now())

		pair, err := p.issue(acc)
		if err != nil {
			p.logger.Error("issuing tokens", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "could not issue tokens")

			return
		}

		p.logger.Info("login successful", slog.String("username", acc.User.Username))

		profile := p.store.Account(acc.User.ID).Profile()
		writeEnvelope(w, http.StatusOK, "login successful", session.LoginResponse{
			TokenPair:   pair,
			User:        profile.User,
			Permissions: profile.Permissions,
			Roles:       profile.Roles,
		})
	}
}

// HandleLogout returns the POST /api/users/logout handler. It must sit
// behind Middleware. The presented access token and all of the user's
// refresh grants are revoked.
func (p *Provider) HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := RequestClaims(r.Context())

		p.store.RevokeAccess(claims.ID, claimsExpiry(claims))
		p.store.RevokeUser(claims.Subject)

		p.logger.Info("logout", slog.String("username", claims.Username))
		writeEnvelope(w, http.StatusOK, "logged out", nil)
	}
}

// HandleRefresh returns the POST /api/users/refresh handler. The presented
// refresh token is consumed and replaced.
func (p *Provider) HandleRefresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req models.RefreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		userID, err := p.store.RedeemRefresh(req.RefreshToken)
		if err != nil {
			p.logger.Debug("refresh rejected", slog.String("ip", remoteIP(r)))
			writeJSONError(w, http.StatusUnauthorized, "invalid or expired refresh token")

			return
		}

		acc := p.store.Account(userID)

		pair, err := p.issue(acc)
		if err != nil {
			p.logger.Error("issuing tokens", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "could not issue tokens")

			return
		}

		profile := acc.Profile()
		writeEnvelope(w, http.StatusOK, "", session.RefreshResponse{
			TokenPair: pair,
			Profile:   &profile,
		})
	}
}

// HandleGetProfile returns the GET /api/users/me handler. It must sit
// behind Middleware.
func (p *Provider) HandleGetProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc := p.store.Account(RequestClaims(r.Context()).Subject)
		if acc == nil {
			writeJSONError(w, http.StatusUnauthorized, "unknown user")
			return
		}

		writeEnvelope(w, http.StatusOK, "", acc.Profile())
	}
}

// HandleUpdateProfile returns the PUT /api/users/me handler. It must sit
// behind Middleware.
func (p *Provider) HandleUpdateProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var update session.ProfileUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if err := p.validate.Struct(update); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid profile: "+err.Error())
			return
		}

		user, err := p.store.UpdateProfile(RequestClaims(r.Context()).Subject, update)
		if err != nil {
			if errors.Is(err, apierrors.ErrInvalidToken) {
				writeJSONError(w, http.StatusUnauthorized, "unknown user")
				return
			}

			writeJSONError(w, http.StatusInternalServerError, "could not update profile")

			return
		}

		writeEnvelope(w, http.StatusOK, "profile updated", user)
	}
}

// HandleChangePassword returns the PUT /api/users/me/password handler. It
// must sit behind Middleware.
func (p *Provider) HandleChangePassword() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var change session.PasswordChange
		if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if err := p.validate.Struct(change); err != nil {
			writeJSONError(w, http.StatusBadRequest, "new password must differ from the old one")
			return
		}

		claims := RequestClaims(r.Context())

		err := p.store.ChangePassword(claims.Subject, change.Old, change.New)
		switch {
		case errors.Is(err, apierrors.ErrInvalidCredentials):
			writeJSONError(w, http.StatusBadRequest, "old password is incorrect")
			return
		case errors.Is(err, apierrors.ErrInvalidToken):
			writeJSONError(w, http.StatusUnauthorized, "unknown user")
			return
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, "could not change password")
			return
		}

		p.logger.Info("password changed", slog.String("username", claims.Username))
		writeEnvelope(w, http.StatusOK, "password changed", nil)
	}
}

// writeEnvelope writes data wrapped in the API envelope. Statuses below
// 300 are reported as success.
func writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	env := models.Envelope{Success: status < http.StatusMultipleChoices, Message: message}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			status = http.StatusInternalServerError
			env = models.Envelope{Message: "encoding response failed"}
		} else {
			env.Data = raw
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, message, nil)
}
