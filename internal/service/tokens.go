package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley/internal/port/agentbackend"
	"github.com/parley-dev/parley/internal/port/credentials"
	"github.com/parley-dev/parley/internal/resilience"
)

// ErrRefreshCooldown is returned when a source's last refresh failed too
// recently to try again.
var ErrRefreshCooldown = errors.New("token refresh in failure cooldown")

// TokenCoordinator decides when integration tokens get refreshed. Tokens
// near expiry are refreshed before a turn starts; sources whose refresh
// failed recently are left alone until the cooldown elapses, and repeated
// failures trip a per-source circuit breaker.
type TokenCoordinator struct {
	creds    credentials.Store
	breakers *resilience.BreakerGroup
	margin   time.Duration
	cooldown time.Duration
	log      *slog.Logger

	mu          sync.Mutex
	lastFailure map[string]time.Time

	now func() time.Time // for testing
}

// RefreshFailure records a source that could not produce a usable token.
type RefreshFailure struct {
	Source string
	Err    error
}

// NewTokenCoordinator creates a coordinator with the given expiry margin
// and failure cooldown.
func NewTokenCoordinator(creds credentials.Store, breakers *resilience.BreakerGroup, margin, cooldown time.Duration, log *slog.Logger) *TokenCoordinator {
	return &TokenCoordinator{
		creds:       creds,
		breakers:    breakers,
		margin:      margin,
		cooldown:    cooldown,
		log:         log,
		lastFailure: make(map[string]time.Time),
		now:         time.Now,
	}
}

// RefreshSource refreshes one source's token through its breaker. Returns
// ErrRefreshCooldown when the source failed too recently.
func (c *TokenCoordinator) RefreshSource(ctx context.Context, source string) (credentials.Token, error) {
	c.mu.Lock()
	if last, ok := c.lastFailure[source]; ok && c.now().Sub(last) < c.cooldown {
		c.mu.Unlock()
		return credentials.Token{}, ErrRefreshCooldown
	}
	c.mu.Unlock()

	var tok credentials.Token
	err := c.breakers.Execute(source, func() error {
		var rerr error
		tok, rerr = c.creds.Refresh(ctx, source)
		return rerr
	})

	c.mu.Lock()
	if err != nil {
		c.lastFailure[source] = c.now()
	} else {
		delete(c.lastFailure, source)
	}
	c.mu.Unlock()

	if err != nil {
		return credentials.Token{}, err
	}
	return tok, nil
}

// Grants resolves the enabled sources into per-turn integration grants.
// Tokens within the expiry margin are refreshed first; when force is set
// every source is refreshed regardless of expiry. Sources that cannot
// produce a token are excluded and reported, never fatal to the turn.
func (c *TokenCoordinator) Grants(ctx context.Context, sources []string, force bool) ([]agentbackend.IntegrationGrant, []RefreshFailure) {
	var grants []agentbackend.IntegrationGrant
	var failures []RefreshFailure

	for _, source := range sources {
		tok, ok, err := c.creds.Token(ctx, source)
		if err != nil {
			failures = append(failures, RefreshFailure{Source: source, Err: err})
			continue
		}

		needsRefresh := force || !ok || tok.Expired(c.now(), c.margin)
		if needsRefresh {
			fresh, rerr := c.RefreshSource(ctx, source)
			switch {
			case rerr == nil:
				tok = fresh
			case ok && !tok.Expired(c.now(), 0):
				// Refresh failed but the stored token is still valid.
				c.log.Warn("token refresh failed, using stored token",
					"source", source, "error", rerr)
			default:
				c.log.Warn("integration excluded from turn",
					"source", source, "error", rerr)
				failures = append(failures, RefreshFailure{Source: source, Err: rerr})
				continue
			}
		}

		grants = append(grants, agentbackend.IntegrationGrant{
			Slug:  source,
			Token: tok.AccessToken,
		})
	}

	return grants, failures
}

// InCooldown reports whether a source is inside its failure cooldown.
func (c *TokenCoordinator) InCooldown(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastFailure[source]
	return ok && c.now().Sub(last) < c.cooldown
}
