package meli

import (
	"context"
	"net/http"
)

// Credentials is the result of an OAuth grant.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       int64  `json:"user_id"`
}

// User is the seller identity behind an access token.
type User struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

// ExchangeCode redeems an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Credentials, error) {
	payload := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"code":          code,
		"redirect_uri":  c.redirectURI,
	}
	var creds Credentials
	err := c.doJSON(ctx, http.MethodPost, "/oauth/token", "", payload, &creds)
	return creds, err
}

// Refresh trades a refresh token for a fresh access token. The marketplace
// may rotate the refresh token; callers must persist the returned one when
// it differs.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"refresh_token": refreshToken,
	}
	var creds Credentials
	err := c.doJSON(ctx, http.MethodPost, "/oauth/token", "", payload, &creds)
	return creds, err
}

// Me returns the seller identity for an access token.
func (c *Client) Me(ctx context.Context, accessToken string) (User, error) {
	var user User
	err := c.doJSON(ctx, http.MethodGet, "/users/me", accessToken, nil, &user)
	return user, err
}
