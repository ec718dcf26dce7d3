// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"time"
)

// Envelope wraps every deep-search API response.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RefreshRequest is the body of POST /api/users/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshGrant is an issued refresh token. It is single use: redeeming it
// issues a replacement.
type RefreshGrant struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
