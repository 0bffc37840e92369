package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/stacklok/catalog-mirror/internal/failure"
)

const (
	// DefaultRefreshMargin is how long before expiry a token is renewed
	DefaultRefreshMargin = 5 * time.Minute
	// DefaultRetryInterval is the minimum time between refresh attempts
	// after a failed one
	DefaultRetryInterval = 30 * time.Second
	// DefaultRefreshTimeout bounds a single refresh
	DefaultRefreshTimeout = 30 * time.Second
)

const refreshKey = "refresh"

// Status is a point-in-time view of the manager for monitoring
type Status struct {
	State            State     `json:"state"`
	ExpiresAt        time.Time `json:"expiresAt,omitzero"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitzero"`
	LastRefresh      time.Time `json:"lastRefresh,omitzero"`
	LastError        string    `json:"lastError,omitempty"`
}

// Manager serves the current credential to concurrent callers and renews it
// ahead of expiry.
type Manager struct {
	refresher Refresher
	persister Persister
	clock     clock.PassiveClock
	margin    time.Duration
	retry     time.Duration
	timeout   time.Duration
	bootstrap string

	group singleflight.Group

	mu          sync.RWMutex
	current     *Credential
	state       State
	loaded      bool
	lastRefresh time.Time
	lastAttempt time.Time
	lastErr     error
}

// Option configures a Manager
type Option func(*Manager)

// WithRefreshMargin sets how long before expiry the token is renewed
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) {
		m.margin = d
	}
}

// WithRetryInterval sets the minimum time between refresh attempts while
// degraded. Callers in between get the current token without waiting.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.retry = d
	}
}

// WithRefreshTimeout bounds how long a single refresh may take
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithClock sets the clock used for expiry checks
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithPersister loads the credential on first use and saves every rotation
func WithPersister(p Persister) Option {
	return func(m *Manager) {
		m.persister = p
	}
}

// WithBootstrapRefreshToken sets the refresh token used when nothing has
// been persisted yet
func WithBootstrapRefreshToken(token string) Option {
	return func(m *Manager) {
		m.bootstrap = token
	}
}

// NewManager creates a credential manager around a refresher
func NewManager(refresher Refresher, opts ...Option) (*Manager, error) {
	if refresher == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	m := &Manager{
		refresher: refresher,
		clock:     clock.RealClock{},
		margin:    DefaultRefreshMargin,
		retry:     DefaultRetryInterval,
		timeout:   DefaultRefreshTimeout,
		state:     StateUnloaded,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.margin < 0 {
		return nil, fmt.Errorf("refresh margin must not be negative, got %s", m.margin)
	}
	if m.retry < 0 {
		return nil, fmt.Errorf("retry interval must not be negative, got %s", m.retry)
	}
	if m.timeout <= 0 {
		return nil, fmt.Errorf("refresh timeout must be positive, got %s", m.timeout)
	}
	return m, nil
}

// Token returns a usable credential. It is safe for any number of
// concurrent callers; at most one refresh runs at a time.
//
// While the current token is valid but inside the refresh margin, a failed
// refresh is logged and the current token is returned. Until the retry
// interval has passed no further refresh is attempted and callers get the
// current token at once. Once the token is hard-expired the error wraps
// ErrCredentialExpired; once the refresh token has lapsed it wraps
// ErrReauthorizationRequired. Both are fatal.
func (m *Manager) Token(ctx context.Context) (Credential, error) {
	now := m.clock.Now()

	m.mu.RLock()
	cur, state, lastAttempt, lastErr := m.current, m.state, m.lastAttempt, m.lastErr
	m.mu.RUnlock()

	if state == StateExpired {
		return Credential{}, failure.Fatal(ErrReauthorizationRequired)
	}
	if m.fresh(cur, now) {
		return *cur, nil
	}
	if state == StateDegraded && now.Sub(lastAttempt) < m.retry {
		if cur.ValidAt(now) {
			return *cur, nil
		}
		return Credential{}, failure.Fatal(fmt.Errorf("%w: %w", ErrCredentialExpired, lastErr))
	}

	// A caller giving up must not cancel the refresh other callers wait on
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		if cur.ValidAt(m.clock.Now()) {
			return *cur, nil
		}
		return Credential{}, ctx.Err()
	}

	if res.Err == nil {
		return *res.Val.(*Credential), nil
	}
	if errors.Is(res.Err, ErrReauthorizationRequired) {
		return Credential{}, failure.Fatal(res.Err)
	}

	// Re-read: the refresh may have loaded a persisted credential first
	m.mu.RLock()
	cur = m.current
	m.mu.RUnlock()
	if cur.ValidAt(m.clock.Now()) {
		return *cur, nil
	}
	return Credential{}, failure.Fatal(fmt.Errorf("%w: %w", ErrCredentialExpired, res.Err))
}

// Invalidate forces a refresh on the next Token call if accessToken is
// still the current token. Pollers call it after the remote rejected the
// token before its advertised expiry.
func (m *Manager) Invalidate(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.AccessToken != accessToken {
		return
	}
	next := *m.current
	next.ExpiresAt = m.clock.Now()
	m.current = &next
	// The rejection is new information: retry without waiting out the interval
	m.lastAttempt = time.Time{}
	slog.Warn("Access token rejected before expiry, forcing refresh")
}

// State returns the current credential state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns a monitoring view of the credential. Tokens are never included.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{State: m.state, LastRefresh: m.lastRefresh}
	if m.current != nil {
		s.ExpiresAt = m.current.ExpiresAt
		s.RefreshExpiresAt = m.current.RefreshExpiresAt
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Manager) fresh(c *Credential, now time.Time) bool {
	return c.ValidAt(now.Add(m.margin))
}

// refresh runs inside the singleflight group
func (m *Manager) refresh(ctx context.Context) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.ensureLoaded(ctx); err != nil {
		slog.Warn("Failed to load persisted credential", "error", err)
	}

	now := m.clock.Now()
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	// Callers that queued behind a completed refresh find a fresh token here
	if m.fresh(cur, now) {
		return cur, nil
	}

	refreshToken := m.bootstrap
	if cur != nil && cur.RefreshToken != "" {
		refreshToken = cur.RefreshToken
	}
	if refreshToken == "" {
		return nil, m.expire(fmt.Errorf("%w: no refresh token available", ErrReauthorizationRequired))
	}
	if cur.RefreshLapsedAt(now) {
		return nil, m.expire(fmt.Errorf("%w: refresh token expired at %s",
			ErrReauthorizationRequired, cur.RefreshExpiresAt.Format(time.RFC3339)))
	}

	slog.Info("Refreshing access token")
	next, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrReauthorizationRequired) {
			return nil, m.expire(err)
		}
		m.mu.Lock()
		m.state = StateDegraded
		m.lastErr = err
		m.lastAttempt = now
		m.mu.Unlock()
		slog.Warn("Access token refresh failed, serving current token until expiry",
			"error", err,
			"valid", cur.ValidAt(now))
		return nil, err
	}

	// Servers that do not rotate refresh tokens omit them from the response,
	// and x/oauth2 fills the old one back in. Either way the known lifetime
	// of the unchanged refresh token still applies.
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	if next.RefreshToken == refreshToken && next.RefreshExpiresAt.IsZero() && cur != nil {
		next.RefreshExpiresAt = cur.RefreshExpiresAt
	}

	m.mu.Lock()
	m.current = next
	m.state = StateHealthy
	m.lastErr = nil
	m.lastRefresh = now
	m.lastAttempt = time.Time{}
	m.mu.Unlock()

	slog.Info("Access token refreshed", "expires_at", next.ExpiresAt)

	if m.persister != nil {
		if err := m.persister.Save(ctx, next); err != nil {
			slog.Error("Failed to persist refreshed credential", "error", err)
		}
	}
	return next, nil
}

func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	var (
		c   *Credential
		err error
	)
	if m.persister != nil {
		c, err = m.persister.Load(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		// Try again on the next refresh
		return err
	}
	m.loaded = true
	if c != nil && m.current == nil {
		m.current = c
		m.state = StateHealthy
	}
	return nil
}

func (m *Manager) expire(err error) error {
	m.mu.Lock()
	m.state = StateExpired
	m.lastErr = err
	m.mu.Unlock()
	slog.Error("Credential requires re-authorization", "error", err)
	return err
}
