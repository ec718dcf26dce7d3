package idp

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

type contextKey int

const (
	ctxClaims contextKey = iota
	ctxRemoteIP
)

// RequestClaims returns the verified access token claims from the
// context, or nil.
func RequestClaims(ctx context.Context) *Claims {
	v, _ := ctx.Value(ctxClaims).(*Claims)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that validates Bearer access tokens.
// Missing, malformed, expired and revoked tokens get a 401 envelope.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			p.logger.Debug("middleware: no bearer token",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "authentication required")

			return
		}

		claims, err := p.tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil || p.store.IsRevoked(claims.ID) {
			p.logger.Debug("middleware: invalid bearer token",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")

			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, ctxClaims, claims)
		ctx = context.WithValue(ctx, ctxRemoteIP, ip)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsExpiry returns the expiry of the claims, or now when absent.
func claimsExpiry(c *Claims) time.Time {
	if c.ExpiresAt == nil {
		return time.Now()
	}

	return c.ExpiresAt.Time
}
