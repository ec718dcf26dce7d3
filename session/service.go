package session

import "context"

//go:generate mockgen -source=service.go -destination=mock_service_test.go -package=session

// AuthService is the identity provider transport. Implementations return
// *AuthError values so the manager can tell credential, token and network
// failures apart.
type AuthService interface {
	Login(ctx context.Context, creds Credentials) (*LoginResponse, error)
	Logout(ctx context.Context, accessToken string) error
	RefreshToken(ctx context.Context, refreshToken string) (*RefreshResponse, error)
	GetProfile(ctx context.Context, accessToken string) (*Profile, error)
	UpdateProfile(ctx context.Context, accessToken string, update ProfileUpdate) (*User, error)
	ChangePassword(ctx context.Context, accessToken string, change PasswordChange) error
}
