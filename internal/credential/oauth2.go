package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"k8s.io/utils/clock"

	"github.com/stacklok/catalog-mirror/internal/failure"
)

// OAuth2Config configures the refresh-token grant
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OAuth2Refresher renews credentials with the OAuth2 refresh-token grant
type OAuth2Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
	clock      clock.PassiveClock
}

var _ Refresher = (*OAuth2Refresher)(nil)

// NewOAuth2Refresher creates a refresher for the given token endpoint.
// A nil httpClient uses http.DefaultClient.
func NewOAuth2Refresher(cfg OAuth2Config, httpClient *http.Client) (*OAuth2Refresher, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	return &OAuth2Refresher{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		httpClient: httpClient,
		clock:      clock.RealClock{},
	}, nil
}

// Refresh implements Refresher
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	now := r.clock.Now()
	cred := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if cred.ExpiresAt.IsZero() {
		exp, err := jwtExpiry(tok.AccessToken)
		if err != nil {
			return nil, failure.Permanent(fmt.Errorf("token response carries no expiry: %w", err))
		}
		cred.ExpiresAt = exp
	}
	if secs, ok := extraSeconds(tok.Extra("refresh_expires_in")); ok && secs > 0 {
		cred.RefreshExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	return cred, nil
}

func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return failure.Transient(fmt.Errorf("token refresh failed: %w", err))
	}
	if re.ErrorCode == "invalid_grant" {
		return fmt.Errorf("%w: %s", ErrReauthorizationRequired, re.ErrorDescription)
	}
	if re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
			return failure.Transient(fmt.Errorf("token refresh failed: %w", err))
		}
	}
	return failure.Permanent(fmt.Errorf("token refresh rejected: %w", err))
}

// jwtExpiry reads the exp claim of a JWT access token without verifying it.
// The token is only inspected for its lifetime, never trusted.
func jwtExpiry(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("access token is not a JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("access token has no exp claim")
	}
	return exp.Time, nil
}

// extraSeconds decodes a numeric token response extra. JSON responses yield
// float64, form-encoded ones yield strings.
func extraSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
