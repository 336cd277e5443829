// Package meli is a minimal client for the Mercado Libre marketplace API:
// OAuth token exchange and refresh, seller identity, question search, bulk
// item lookup, and answer submission. It carries no token state of its own;
// callers supply the access token per call so the token lifecycle can live
// above it.
package meli

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

	"github.com/google/uuid"
)

const (
	defaultBaseURL = "https://api.mercadolibre.com"
	defaultAuthURL = "https://auth.mercadolivre.com.br"
)

// APIError is a non-2xx response from the marketplace.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("marketplace request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("marketplace request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// IsAuthExpired reports whether err is the marketplace telling us the
// access token is no longer valid.
func IsAuthExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

type ClientOptions struct {
	BaseURL      string
	AuthBaseURL  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	HTTPClient   *http.Client
	UserAgent    string
}

type Client struct {
	baseURL      string
	authBaseURL  string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
	userAgent    string
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	authBaseURL := strings.TrimRight(strings.TrimSpace(opts.AuthBaseURL), "/")
	if authBaseURL == "" {
		authBaseURL = defaultAuthURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		baseURL:      baseURL,
		authBaseURL:  authBaseURL,
		clientID:     strings.TrimSpace(opts.ClientID),
		clientSecret: strings.TrimSpace(opts.ClientSecret),
		redirectURI:  strings.TrimSpace(opts.RedirectURI),
		httpClient:   httpClient,
		userAgent:    strings.TrimSpace(opts.UserAgent),
	}
}

// AuthorizationURL is the browser URL a seller visits to connect their
// account.
func (c *Client) AuthorizationURL() string {
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", c.clientID)
	query.Set("redirect_uri", c.redirectURI)
	return c.authBaseURL + "/authorization?" + query.Encode()
}

func (c *Client) doJSON(ctx context.Context, method, path, accessToken string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", "meli_"+uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiErrorFromResponse(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func apiErrorFromResponse(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Message string `json:"message"`
		Err     string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
		apiErr.Code = parsed.Err
	}
	return apiErr
}
