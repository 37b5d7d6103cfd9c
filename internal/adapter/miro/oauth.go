package miro

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx domain.Context, code string) (domain.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
	}
	return c.tokenRequest(ctx, form)
}

// RefreshToken obtains a fresh token pair from a refresh token.
func (c *Client) RefreshToken(ctx domain.Context, refreshToken string) (domain.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx domain.Context, form url.Values) (domain.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.TokenResponse{}, fmt.Errorf("op=oauth.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TokenResponse{}, fmt.Errorf("op=oauth.exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		// Rejected grants mean the stored credential is dead; callers must
		// not retry with the same one.
		if resp.StatusCode < 500 {
			return domain.TokenResponse{}, fmt.Errorf("op=oauth.exchange status=%d: %w", resp.StatusCode, domain.ErrInvalidToken)
		}
		return domain.TokenResponse{}, &domain.TransientError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TokenResponse{}, fmt.Errorf("op=oauth.exchange: %w", err)
	}
	var tok domain.TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return domain.TokenResponse{}, fmt.Errorf("op=oauth.decode: %w", err)
	}
	if tok.AccessToken == "" {
		return domain.TokenResponse{}, fmt.Errorf("op=oauth.decode: empty access token: %w", domain.ErrInvalidToken)
	}
	return tok, nil
}
