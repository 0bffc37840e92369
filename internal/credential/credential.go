// Package credential provides the shared, auto-renewing access credential
// used by every poller.
//
// The Manager owns the only copy of the credential. Callers read it through
// Token; the Manager refreshes ahead of expiry and guarantees a single
// refresh in flight no matter how many callers arrive at once.
package credential

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_credential.go -package=mocks -source=credential.go Refresher,Persister

var (
	// ErrCredentialExpired is returned once the access token is past its
	// expiry and no refresh has succeeded. It is fatal for the calling job.
	ErrCredentialExpired = errors.New("access token expired and could not be refreshed")
	// ErrReauthorizationRequired is returned once the refresh token itself
	// has lapsed or was rejected. Only an operator can recover from it.
	ErrReauthorizationRequired = errors.New("refresh token lapsed: re-authorization required")
)

// Credential is an access token plus the means to renew it
type Credential struct {
	AccessToken      string    `json:"accessToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitempty"`
}

// ValidAt reports whether the access token can still be used at t
func (c *Credential) ValidAt(t time.Time) bool {
	return c != nil && c.AccessToken != "" && t.Before(c.ExpiresAt)
}

// RefreshLapsedAt reports whether the refresh token is known to be expired at t.
// A zero RefreshExpiresAt means the lifetime is unknown.
func (c *Credential) RefreshLapsedAt(t time.Time) bool {
	return c != nil && !c.RefreshExpiresAt.IsZero() && !t.Before(c.RefreshExpiresAt)
}

// State is the health of the managed credential
type State string

const (
	// StateUnloaded means no credential has been loaded or refreshed yet
	StateUnloaded State = "unloaded"
	// StateHealthy means the last refresh succeeded
	StateHealthy State = "healthy"
	// StateDegraded means the last refresh failed; the old token is served
	// until its own expiry
	StateDegraded State = "degraded"
	// StateExpired means the refresh token has lapsed
	StateExpired State = "expired"
)

// Refresher exchanges a refresh token for a new credential.
// It returns an error wrapping ErrReauthorizationRequired when the refresh
// token is rejected.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

// Persister keeps the latest credential across restarts.
// Load returns nil, nil when nothing was saved yet.
type Persister interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, c *Credential) error
}
