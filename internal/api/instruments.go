package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Instruments downloads the instrument dump CSV. An empty exchange returns
// every exchange.
func (c *Client) Instruments(ctx context.Context, exchange string) ([]byte, error) {
	path := "/instruments"
	if exchange != "" {
		path += "/" + url.PathEscape(strings.ToUpper(exchange))
	}

	body, err := c.doWithRetry(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("get instruments %q: %w", exchange, err)
	}

	c.logger.Debug("instrument dump downloaded", "exchange", exchange, "bytes", len(body))
	return body, nil
}

// Profile fetches the user profile for the configured access token.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, "/user/profile", nil, &p); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}
