package session

import (
	"encoding/base64"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DecodeExpiry reads the exp claim from the payload segment of a JWT-shaped
// token. The signature is not checked; the server stays the authority on
// validity and this is only used to decide when to renew.
func DecodeExpiry(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, NewAuthError(KindDecodeFailure, "decode token", "token is not three dot-separated segments", nil)
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}, NewAuthError(KindDecodeFailure, "decode token", "payload is not base64url", err)
	}

	if !gjson.ValidBytes(payload) {
		return time.Time{}, NewAuthError(KindDecodeFailure, "decode token", "payload is not JSON", nil)
	}

	exp := gjson.GetBytes(payload, "exp")
	if exp.Type != gjson.Number {
		return time.Time{}, NewAuthError(KindDecodeFailure, "decode token", "payload has no numeric exp claim", nil)
	}

	// Beyond this many seconds the millisecond value overflows int64.
	const maxExpSeconds = math.MaxInt64 / 1000

	secs := exp.Float()
	if math.IsNaN(secs) || math.Abs(secs) > maxExpSeconds {
		return time.Time{}, NewAuthError(KindDecodeFailure, "decode token", "exp claim out of range", nil)
	}

	return time.UnixMilli(int64(secs * 1000)), nil
}

// ExpiresAt returns the token expiry, or false when it cannot be decoded.
func ExpiresAt(token string) (time.Time, bool) {
	t, err := DecodeExpiry(token)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// ExpiryEpochMillis returns the expiry as Unix milliseconds, or false when
// it cannot be decoded.
func ExpiryEpochMillis(token string) (int64, bool) {
	t, ok := ExpiresAt(token)
	if !ok {
		return 0, false
	}

	return t.UnixMilli(), true
}

// IsExpiringWithin reports whether the token expires less than window after
// now. A token whose expiry cannot be read counts as expiring.
func IsExpiringWithin(token string, window time.Duration, now time.Time) bool {
	exp, ok := ExpiresAt(token)
	if !ok {
		return true
	}

	return exp.Sub(now) < window
}
