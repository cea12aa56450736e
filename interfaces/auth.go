package interfaces

import (
	"context"
	"time"
)

// TokenInfo is the operator view of a stored credential.
type TokenInfo struct {
	Provider   string
	Username   string
	HasRefresh bool
	Expiry     time.Time
	Scopes     []string
	Valid      bool
}

// AuthProvider yields IMAP credentials for one account. Implementations
// refresh silently from a stored refresh token; InteractiveSetup is the
// only operation that talks to a human.
type AuthProvider interface {
	Provider() string
	Username() string
	InteractiveSetup(ctx context.Context) error
	AccessToken(ctx context.Context) (string, error)
	Invalidate()
	SASLXOAuth2(ctx context.Context) ([]byte, error)
	Revoke(ctx context.Context) error
	Info(ctx context.Context) (*TokenInfo, error)
}
