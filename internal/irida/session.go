package irida

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// defaultTokenLifetime applies when the token response carries no expires_in.
const defaultTokenLifetime = 30 * time.Minute

// Session holds an OAuth2 access token for one Client. It is shared for the
// process lifetime and renews itself when the token nears expiry or the
// server rejects it.
type Session struct {
	client *Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Authenticate obtains a fresh session with the password grant.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	tok, err := c.passwordGrant(ctx)
	if err != nil {
		return nil, err
	}
	s := &Session{client: c}
	s.store(tok)
	c.logger.Info("authenticated with irida", "base_url", c.cfg.BaseURL, "expires_at", s.ExpiresAt())
	return s, nil
}

// Token returns a usable access token, renewing it first when it expires
// within the client's refresh leeway.
func (s *Session) Token(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}
	return s.renew(ctx)
}

// ExpiresAt reports when the current access token expires.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

func (s *Session) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken, s.freshLocked()
}

func (s *Session) freshLocked() bool {
	return s.accessToken != "" && s.expiresAt.Sub(s.client.now()) > s.client.leeway
}

// invalidate drops token if it is still the current one, forcing the next
// Token call to renew.
func (s *Session) invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessToken == token {
		s.accessToken = ""
		s.expiresAt = time.Time{}
	}
}

func (s *Session) renew(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freshLocked() {
		return s.accessToken, nil
	}

	c := s.client
	if s.refreshToken != "" {
		tok, err := c.refreshGrant(ctx, s.refreshToken)
		if err == nil {
			s.storeLocked(tok)
			c.logger.Debug("refreshed access token", "expires_at", s.expiresAt)
			return s.accessToken, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		c.logger.Info("refresh token rejected, falling back to password grant", "error", err)
	}

	tok, err := c.passwordGrant(ctx)
	if err != nil {
		return "", err
	}
	s.storeLocked(tok)
	c.logger.Debug("renewed access token", "expires_at", s.expiresAt)
	return s.accessToken, nil
}

func (s *Session) store(tok tokenResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeLocked(tok)
}

func (s *Session) storeLocked(tok tokenResponse) {
	lifetime := defaultTokenLifetime
	if tok.ExpiresIn > 0 {
		lifetime = time.Duration(tok.ExpiresIn) * time.Second
	}
	s.accessToken = tok.AccessToken
	s.expiresAt = s.client.now().Add(lifetime)
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
}

func (c *Client) passwordGrant(ctx context.Context) (tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)
	return c.requestToken(ctx, form)
}

func (c *Client) refreshGrant(ctx context.Context, refresh string) (tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	return c.requestToken(ctx, form)
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (tokenResponse, error) {
	const op = "request access token"

	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/oauth/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("%w: %s: %w", ErrAuth, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("%w: %w", ErrAuth, transportError(ctx, op, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return tokenResponse{}, fmt.Errorf("%w: %w: %w", ErrAuth, ErrInvalidCredentials, statusError(op, resp))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return tokenResponse{}, fmt.Errorf("%w: %w", ErrAuth, statusError(op, resp))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return tokenResponse{}, fmt.Errorf("%w: %w: %s: decode response: %w", ErrAuth, ErrTransient, op, err)
	}
	if tok.AccessToken == "" {
		return tokenResponse{}, fmt.Errorf("%w: %w: %s: response has no access_token", ErrAuth, ErrPermanent, op)
	}
	return tok, nil
}
