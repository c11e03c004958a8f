package crm

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

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL    = "https://services.leadconnectorhq.com"
	DefaultAPIVersion = "2021-07-28"
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d) on %s: %s", e.StatusCode, e.Path, e.Body)
}

// HTTPStatus lets syncerr classify the failure.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

type Options struct {
	BaseURL      string
	APIVersion   string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

type Client struct {
	baseURL      string
	apiVersion   string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiVersion:   opts.APIVersion,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		httpClient:   &http.Client{Timeout: opts.Timeout},
	}
}

// ExchangeLocationToken mints a location-scoped token from an agency token.
func (c *Client) ExchangeLocationToken(ctx context.Context, agencyAccessToken, companyID, locationID string) (*LocationToken, error) {
	form := url.Values{}
	form.Set("companyId", companyID)
	form.Set("locationId", locationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/locationToken", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req, agencyAccessToken)

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		LocationID  string `json:"locationId"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("token exchange returned no access token")
	}

	token := &LocationToken{
		AccessToken: resp.AccessToken,
		LocationID:  resp.LocationID,
		ExpiresAt:   time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if token.LocationID == "" {
		token.LocationID = locationID
	}
	return token, nil
}

// RefreshAgencyToken refreshes the OAuth2 agency token
func (c *Client) RefreshAgencyToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	// Refresh the token through our bounded http client
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &APIError{StatusCode: re.Response.StatusCode, Path: "/oauth/token", Body: string(re.Body)}
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := &TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}
	if scope, ok := newToken.Extra("scope").(string); ok {
		result.Scope = scope
	}
	if userType, ok := newToken.Extra("userType").(string); ok {
		result.UserType = userType
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken // Keep the same refresh token
	}

	log.Debug().Time("expires_at", result.ExpiresAt).Msg("agency token refreshed")

	return result, nil
}

// Search fetches one page of an entity collection.
func (c *Client) Search(ctx context.Context, token string, entity Entity, q SearchQuery) (*SearchResult, error) {
	req, err := c.newJSONRequest(ctx, "/"+string(entity)+"/search", token, q)
	if err != nil {
		return nil, err
	}

	var result SearchResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}

	log.Debug().
		Str("entity", string(entity)).
		Str("location_id", q.LocationID).
		Int("page", q.Page).
		Int("records", len(result.Records)).
		Int("total", result.Total).
		Msg("remote search page")

	return &result, nil
}

// Count returns the remote total for a query without fetching records.
func (c *Client) Count(ctx context.Context, token string, entity Entity, q SearchQuery) (int, error) {
	req, err := c.newJSONRequest(ctx, "/"+string(entity)+"/count", token, q)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Total int `json:"total"`
	}
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Total, nil
}

func (c *Client) newJSONRequest(ctx context.Context, path, token string, body interface{}) (*http.Request, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, token)
	return req, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Version", c.apiVersion)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Path: req.URL.Path, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse API response: %w", err)
	}
	return nil
}
