// Package authapi is the HTTP transport for the deep-search user API. It
// implements session.AuthService.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	apierrors "github.com/zhailiang23/deep-search/internal/errors"
	"github.com/zhailiang23/deep-search/internal/models"
	"github.com/zhailiang23/deep-search/session"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout is the timeout of the HTTP client created when none
	// is provided.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// RequestIDHeader carries a per-request UUID for log correlation.
	RequestIDHeader = "X-Request-ID"
)

// API paths.
const (
	PathLogin          = "/api/users/login"
	PathLogout         = "/api/users/logout"
	PathRefresh        = "/api/users/refresh"
	PathProfile        = "/api/users/me"
	PathChangePassword = "/api/users/me/password"
)

var _ session.AuthService = (*Client)(nil)

// Client talks to the deep-search user API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so bearer tokens never reach a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// DefaultHTTPClient returns an HTTP client with the given timeout that
// only follows same-host redirects.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client for the server at baseURL. If
// httpClient is nil, DefaultHTTPClient(DefaultTimeout) is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = DefaultHTTPClient(DefaultTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// call describes one API operation. failures maps HTTP status codes to the
// error kind the operation reports for them.
type call struct {
	op       string
	method   string
	path     string
	token    string
	failures map[int]session.Kind
}

// do sends body as JSON and decodes the envelope's data field into result.
// Failures the caller can act on are returned as *session.AuthError;
// anything else is a plain error wrapping one of the API sentinels.
func (c *Client) do(ctx context.Context, cl call, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return session.NewAuthError(session.KindNetworkFailure, cl.op, "",
			fmt.Errorf("%w: sending request to %s: %w", apierrors.ErrAPIRequest, cl.path, err))
	}
	defer resp.Body.Close()

	// API responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return session.NewAuthError(session.KindNetworkFailure, cl.op, "",
			fmt.Errorf("%w: reading response from %s: %w", apierrors.ErrAPIRequest, cl.path, err))
	}

	message := gjson.GetBytes(respBody, "message").Str

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := fmt.Errorf("%w: %s %s returned status %d: %s",
			apierrors.ErrAPIResponse, cl.method, cl.path, resp.StatusCode, sanitizeResponseBody(respBody))

		if kind, ok := cl.failures[resp.StatusCode]; ok {
			return session.NewAuthError(kind, cl.op, message, cause)
		}

		if isTransientStatus(resp.StatusCode) {
			return session.NewAuthError(session.KindNetworkFailure, cl.op, message, cause)
		}

		return cause
	}

	if !gjson.ValidBytes(respBody) {
		return fmt.Errorf("%w: decoding response from %s: %s", apierrors.ErrAPIResponse, cl.path, sanitizeResponseBody(respBody))
	}

	if success := gjson.GetBytes(respBody, "success"); success.Exists() && !success.Bool() {
		return fmt.Errorf("%w: %s %s: %s", apierrors.ErrAPIResponse, cl.method, cl.path, message)
	}

	if result == nil {
		return nil
	}

	data := gjson.GetBytes(respBody, "data")
	if !data.IsObject() {
		return fmt.Errorf("%w: response from %s carried no data", apierrors.ErrAPIResponse, cl.path)
	}

	if err := json.Unmarshal([]byte(data.Raw), result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", apierrors.ErrAPIResponse, cl.path, err)
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Login exchanges credentials for a token pair and the user's profile.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (*session.LoginResponse, error) {
	var resp session.LoginResponse

	err := c.do(ctx, call{
		op:     "login",
		method: http.MethodPost,
		path:   PathLogin,
		failures: map[int]session.Kind{
			http.StatusBadRequest:   session.KindInvalidCredentials,
			http.StatusUnauthorized: session.KindInvalidCredentials,
			http.StatusForbidden:    session.KindInvalidCredentials,
		},
	}, creds, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// Logout revokes accessToken.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, call{
		op:     "logout",
		method: http.MethodPost,
		path:   PathLogout,
		token:  accessToken,
		failures: map[int]session.Kind{
			http.StatusUnauthorized: session.KindUnauthorized,
		},
	}, nil, nil)
}

// RefreshToken redeems refreshToken for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*session.RefreshResponse, error) {
	var resp session.RefreshResponse

	err := c.do(ctx, call{
		op:     "refresh",
		method: http.MethodPost,
		path:   PathRefresh,
		failures: map[int]session.Kind{
			http.StatusBadRequest:   session.KindInvalidRefreshToken,
			http.StatusUnauthorized: session.KindInvalidRefreshToken,
			http.StatusForbidden:    session.KindInvalidRefreshToken,
		},
	}, models.RefreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// GetProfile returns the user, permissions and roles behind accessToken.
func (c *Client) GetProfile(ctx context.Context, accessToken string) (*session.Profile, error) {
	var resp session.Profile

	err := c.do(ctx, call{
		op:     "get profile",
		method: http.MethodGet,
		path:   PathProfile,
		token:  accessToken,
		failures: map[int]session.Kind{
			http.StatusUnauthorized: session.KindUnauthorized,
		},
	}, nil, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// UpdateProfile changes the non-empty fields of update and returns the
// stored user.
func (c *Client) UpdateProfile(ctx context.Context, accessToken string, update session.ProfileUpdate) (*session.User, error) {
	var resp session.User

	err := c.do(ctx, call{
		op:     "update profile",
		method: http.MethodPut,
		path:   PathProfile,
		token:  accessToken,
		failures: map[int]session.Kind{
			http.StatusBadRequest:   session.KindValidation,
			http.StatusUnauthorized: session.KindUnauthorized,
		},
	}, update, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// ChangePassword replaces the account password.
func (c *Client) ChangePassword(ctx context.Context, accessToken string, change session.PasswordChange) error {
	return c.do(ctx, call{
		op:     "change password",
		method: http.MethodPut,
		path:   PathChangePassword,
		token:  accessToken,
		failures: map[int]session.Kind{
			http.StatusBadRequest:   session.KindValidation,
			http.StatusUnauthorized: session.KindUnauthorized,
		},
	}, change, nil)
}
