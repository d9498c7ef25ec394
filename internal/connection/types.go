package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no data within idle timeout)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAlreadyStarted  = errors.New("session already started")
)

// AuthError is returned when the ticker handshake rejects the credentials.
// It is never retried.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("ticker rejected credentials (%d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("ticker rejected credentials (%d)", e.StatusCode)
}

// ConnectionError is a socket-level failure. The session reconnects on it.
type ConnectionError struct {
	Op  string // dial, subscribe, read
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// BudgetExceededError is surfaced when reconnect attempts run out.
type BudgetExceededError struct {
	Attempts int
	Budget   int
	Last     error
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("reconnect budget exhausted after %d of %d attempts: %v", e.Attempts, e.Budget, e.Last)
}

func (e *BudgetExceededError) Unwrap() error { return e.Last }

// BackpressureError is surfaced when the sink refuses a tick because it
// stayed full past its publish timeout.
type BackpressureError struct {
	Token uint32
	Err   error
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("sink rejected tick for token %d: %v", e.Token, e.Err)
}

func (e *BackpressureError) Unwrap() error { return e.Err }

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Binary     bool      // false for JSON text messages
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Command is a ticker control message.
type Command struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

// SubscribeCommand subscribes tokens in the ticker's default mode.
func SubscribeCommand(tokens []uint32) Command {
	return Command{Action: "subscribe", Value: tokens}
}

// ModeCommand sets the streaming mode for tokens.
func ModeCommand(mode model.Mode, tokens []uint32) Command {
	return Command{Action: "mode", Value: []any{mode, tokens}}
}

// UnsubscribeCommand stops streaming for tokens.
func UnsubscribeCommand(tokens []uint32) Command {
	return Command{Action: "unsubscribe", Value: tokens}
}

// TextMessage is a JSON message pushed by the ticker alongside binary frames.
type TextMessage struct {
	Type string          `json:"type"` // "error", "message" or "order"
	Data json.RawMessage `json:"data"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL            string        // ticker URL including credentials
	Header         http.Header   // handshake headers
	ConnectTimeout time.Duration // handshake timeout
	IdleTimeout    time.Duration // read deadline; no data within it means stale
	WriteTimeout   time.Duration // Write deadline for sends
	PingInterval   time.Duration // client keepalive pings, 0 disables
	BufferSize     int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingInterval:   30 * time.Second,
		BufferSize:     4096,
	}
}

// SessionConfig configures a streaming Session.
type SessionConfig struct {
	Client          ClientConfig
	Subscriptions   model.Subscriptions
	ReconnectBudget int     // reconnect attempts allowed per session
	Backoff         Backoff // delay before each reconnect attempt
}
