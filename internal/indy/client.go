// Package indy talks to the IndY timetable API: the password-grant token
// exchange, refresh, and the read-only collection endpoints mirrored locally.
package indy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 8 << 20
	maxErrorSnippet  = 256
)

var (
	// ErrAuthFailure reports a rejected login or a login response without a refresh token.
	ErrAuthFailure = errors.New("indy: authentication failed")
	// ErrRefreshFailure reports a rejected refresh or a refresh response without an access token.
	ErrRefreshFailure = errors.New("indy: token refresh failed")
	// ErrUpstream reports a transport failure or an unexpected response shape.
	ErrUpstream = errors.New("indy: upstream error")

	errMissingBaseURL = errors.New("indy: base url is required")
)

// ClientConfig describes how to reach the IndY API.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client is an immutable IndY API client. The zero-token value is the
// anonymous variant; WithAccessToken derives the authenticated one.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	accessToken string
}

// NewClient validates the configuration and builds an anonymous client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("indy: invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// WithAccessToken returns a copy of the client that sends the bearer token.
func (c *Client) WithAccessToken(accessToken string) *Client {
	clone := *c
	clone.accessToken = strings.TrimSpace(accessToken)
	return &clone
}

// Authenticated reports whether requests carry a bearer token.
func (c *Client) Authenticated() bool {
	return c.accessToken != ""
}

// Fetch issues GET on the resource path and returns the raw array elements.
// Any response that is not a JSON array fails with ErrUpstream.
func (c *Client) Fetch(ctx context.Context, resource Resource, params url.Values) ([]json.RawMessage, error) {
	if resource.RequiresAuth && c.accessToken == "" {
		return nil, fmt.Errorf("%w: %s requires an access token", ErrUpstream, resource.Name)
	}
	endpoint := c.baseURL + resource.Path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	request.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	body, status, err := c.do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, resource.Name, err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: %s: http %d: %s", ErrUpstream, resource.Name, status, snippet(body))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: unexpected response: expected an array", ErrUpstream)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, fmt.Errorf("%w: unexpected response: %v", ErrUpstream, err)
	}
	return rows, nil
}

func (c *Client) do(request *http.Request) ([]byte, int, error) {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, response.StatusCode, err
	}
	return body, response.StatusCode, nil
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorSnippet {
		return text[:maxErrorSnippet]
	}
	return text
}
