package api

import "encoding/json"

// envelope wraps every JSON response from Kite Connect.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
}

// Profile is the subset of GET /user/profile the collector uses to check
// that an access token is live.
type Profile struct {
	UserID    string   `json:"user_id"`
	UserName  string   `json:"user_name"`
	Broker    string   `json:"broker"`
	Exchanges []string `json:"exchanges"`
}
