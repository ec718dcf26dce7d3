package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthError_Message(t *testing.T) {
	assert.Equal(t, "login: wrong password", NewAuthError(KindInvalidCredentials, "login", "wrong password", nil).Error())
	assert.Equal(t, "refresh: invalid or expired refresh token", NewAuthError(KindInvalidRefreshToken, "refresh", "", nil).Error())
	assert.Equal(t, "boom", NewAuthError(KindUnknown, "", "", errors.New("boom")).Error())
}

func TestAuthError_MatchesKindThroughWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("fetching profile: %w", NewAuthError(KindNetworkFailure, "get profile", "", cause))

	assert.ErrorIs(t, err, ErrNetworkFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, KindNetworkFailure, KindOf(err))
	assert.True(t, IsTransient(err))
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.False(t, IsTransient(nil))
}

func TestClassify(t *testing.T) {
	ae := NewAuthError(KindUnauthorized, "get profile", "", nil)
	assert.Same(t, ae, classify(fmt.Errorf("wrapped: %w", ae), "other", KindNetworkFailure))

	got := classify(errors.New("eof"), "refresh", KindInvalidRefreshToken)
	assert.Equal(t, KindInvalidRefreshToken, got.Kind)
	assert.Equal(t, "refresh", got.Op)
	assert.ErrorIs(t, got, ErrInvalidRefreshToken)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "network_failure", KindNetworkFailure.String())
	assert.Equal(t, "unknown", Kind(99).String())
	assert.Equal(t, "expired", StatusExpired.String())
}
