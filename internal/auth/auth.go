// Package auth supplies Kite Connect credentials to the collector.
//
// The access token is produced by an external login flow. The collector
// either receives it through config or reads the latest one the login flow
// stored in the broker_tokens table.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrNoToken is returned when no access token is available.
var ErrNoToken = errors.New("no access token available")

// Credentials holds the API key and access token for one trading day.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// WebSocketURL returns the ticker URL with credentials as query parameters.
func (c Credentials) WebSocketURL(base string) (string, error) {
	if c.APIKey == "" || c.AccessToken == "" {
		return "", errors.New("api key and access token are required")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.APIKey)
	q.Set("access_token", c.AccessToken)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Header returns the handshake headers for the ticker connection.
func (c Credentials) Header() http.Header {
	h := http.Header{}
	h.Set("X-Kite-Version", "3")
	return h
}

// TokenProvider returns the access token to use for a session.
type TokenProvider interface {
	Token(ctx context.Context) (Token, error)
}

// StaticToken is a token supplied through configuration.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(ctx context.Context) (Token, error) {
	if s == "" {
		return Token{}, ErrNoToken
	}
	return Token{AccessToken: string(s)}, nil
}
