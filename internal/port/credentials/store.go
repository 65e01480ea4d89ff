// Package credentials defines the credential store port for integration
// tokens.
package credentials

import (
	"context"
	"time"
)

// Token is an OAuth-style credential for one integration source.
type Token struct {
	Source      string    `json:"source"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the token expires within the given margin.
// A zero ExpiresAt never expires.
func (t Token) Expired(now time.Time, margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(t.ExpiresAt)
}

// Store provides read access and refresh for integration tokens.
type Store interface {
	// Token returns the current token for a source, or ok=false when the
	// source has no stored credential.
	Token(ctx context.Context, source string) (Token, bool, error)

	// Refresh obtains a fresh token for the source and stores it.
	Refresh(ctx context.Context, source string) (Token, error)
}
