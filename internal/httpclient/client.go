// Package httpclient provides the authorized HTTP client the fetchers use
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stacklok/catalog-mirror/internal/credential"
	"github.com/stacklok/catalog-mirror/internal/failure"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "catalog-mirror/1.0"
)

// Client is an interface for HTTP operations
type Client interface {
	// Get performs an HTTP GET request and returns the response body
	Get(ctx context.Context, url string) ([]byte, error)
}

// TokenSource hands out bearer tokens. The credential manager implements it.
type TokenSource interface {
	Token(ctx context.Context) (credential.Credential, error)
	Invalidate(accessToken string)
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client  *http.Client
	tokens  TokenSource
	maxSize int64
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithTokenSource authorizes every request with a bearer token
func WithTokenSource(ts TokenSource) Option {
	return func(c *DefaultClient) {
		c.tokens = ts
	}
}

// WithTransport sets the round tripper of the underlying client
func WithTransport(rt http.RoundTripper) Option {
	return func(c *DefaultClient) {
		c.client.Transport = rt
	}
}

// WithMaxResponseSize overrides MaxResponseSize
func WithMaxResponseSize(n int64) Option {
	return func(c *DefaultClient) {
		c.maxSize = n
	}
}

// NewDefaultClient creates a new default HTTP client with the specified timeout
// If timeout is 0, uses DefaultTimeout
func NewDefaultClient(timeout time.Duration, opts ...Option) *DefaultClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &DefaultClient{
		client:  &http.Client{Timeout: timeout},
		maxSize: MaxResponseSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs an HTTP GET request. Errors carry a failure kind.
func (c *DefaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")

	var token string
	if c.tokens != nil {
		cred, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		token = cred.AccessToken
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.Transient(fmt.Errorf("failed to execute request: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
			c.tokens.Invalidate(token)
		}
		return nil, Classify(&HTTPError{
			StatusCode: resp.StatusCode,
			URL:        url,
			Message:    resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		})
	}

	if resp.ContentLength > c.maxSize {
		return nil, failure.Permanent(fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, c.maxSize))
	}

	// +1 to detect a body over the limit
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("failed to read response body: %w", err))
	}
	if int64(len(body)) > c.maxSize {
		return nil, failure.Permanent(fmt.Errorf("response size exceeds maximum allowed size of %d bytes", c.maxSize))
	}

	return body, nil
}
