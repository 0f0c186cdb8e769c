// ABOUTME: Cached OAuth2 client-credentials token for Microsoft Graph
// ABOUTME: Refreshes ahead of expiry using an injected clock

package msgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultScope requests the application permissions granted to the app registration.
const DefaultScope = "https://graph.microsoft.com/.default"

// ErrNoCredentials is returned when tenant, client id or secret is missing.
var ErrNoCredentials = errors.New("graph credentials not configured")

// Credentials identify an Azure AD app registration.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Azure AD endpoint (tests).
	TokenURL string
}

// FetchFunc obtains a fresh token.
type FetchFunc func(ctx context.Context) (*oauth2.Token, error)

// TokenCache holds one access token and refreshes it when it is within skew
// of expiring. Safe for concurrent use.
type TokenCache struct {
	mu    sync.Mutex
	fetch FetchFunc
	token *oauth2.Token
	skew  time.Duration
	now   func() time.Time
}

// NewTokenCache builds a cache over the client-credentials flow.
func NewTokenCache(creds Credentials, skew time.Duration, now func() time.Time) (*TokenCache, error) {
	if creds.TenantID == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, ErrNoCredentials
	}
	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", creds.TenantID)
	}
	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{DefaultScope},
	}
	return NewTokenCacheFunc(cc.Token, skew, now), nil
}

// NewTokenCacheFunc builds a cache over an arbitrary fetcher.
func NewTokenCacheFunc(fetch FetchFunc, skew time.Duration, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	if skew <= 0 {
		skew = time.Minute
	}
	return &TokenCache{fetch: fetch, skew: skew, now: now}
}

// AccessToken returns a token valid for at least the skew interval.
func (c *TokenCache) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && c.now().Add(c.skew).Before(c.token.Expiry) {
		return c.token.AccessToken, nil
	}

	tok, err := c.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("acquiring graph token: %w", err)
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = c.now().Add(time.Duration(3500) * time.Second)
	}
	c.token = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token, e.g. after a 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}
