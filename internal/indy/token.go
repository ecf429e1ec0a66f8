package indy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

const (
	loginPath   = "/token"
	refreshPath = "/refresh"
)

// TokenSet is the outcome of a login or refresh exchange.
// RefreshToken is empty for refresh responses.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    *int64
}

// Login exchanges a username and password for tokens using the password grant.
// The form always carries scope, client_id and client_secret, empty when unset.
// A response without a refresh token is treated as a failed login.
func (c *Client) Login(ctx context.Context, username, password string) (TokenSet, error) {
	form := url.Values{
		"grant_type":    {"password"},
		"username":      {username},
		"password":      {password},
		"scope":         {""},
		"client_id":     {""},
		"client_secret": {""},
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	body, status, err := c.do(request)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if status < 200 || status >= 300 {
		return TokenSet{}, fmt.Errorf("%w: http %d: %s", ErrAuthFailure, status, snippet(body))
	}

	var token oauth2.Token
	if err := json.Unmarshal(body, &token); err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return TokenSet{}, fmt.Errorf("%w: response missing access_token", ErrAuthFailure)
	}
	if strings.TrimSpace(token.RefreshToken) == "" {
		return TokenSet{}, fmt.Errorf("%w: response missing refresh_token", ErrAuthFailure)
	}

	return TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresIn:    expiresIn(token.ExpiresIn),
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   *int64 `json:"expires_in"`
}

// Refresh trades a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenSet{}, fmt.Errorf("%w: refresh token is empty", ErrRefreshFailure)
	}

	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrRefreshFailure, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+refreshPath, bytes.NewReader(payload))
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrRefreshFailure, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	body, status, err := c.do(request)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrRefreshFailure, err)
	}
	if status < 200 || status >= 300 {
		return TokenSet{}, fmt.Errorf("%w: http %d: %s", ErrRefreshFailure, status, snippet(body))
	}

	var decoded refreshResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrRefreshFailure, err)
	}
	if strings.TrimSpace(decoded.AccessToken) == "" {
		return TokenSet{}, fmt.Errorf("%w: response missing access_token", ErrRefreshFailure)
	}

	return TokenSet{
		AccessToken: decoded.AccessToken,
		TokenType:   decoded.TokenType,
		ExpiresIn:   decoded.ExpiresIn,
	}, nil
}

func expiresIn(seconds int64) *int64 {
	if seconds <= 0 {
		return nil
	}
	return &seconds
}
