// Package api provides the Kite Connect REST client.
//
// Endpoints used by the collector:
//   - GET /instruments[/{exchange}]: instrument dump CSV
//   - GET /user/profile: access token liveness check
//
// Every request carries X-Kite-Version: 3 and, once a token is known,
// Authorization: token api_key:access_token. Requests are rate limited
// client side and retried on 429 and 5xx.
package api
