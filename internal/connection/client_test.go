package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		ConnectTimeout: 2 * time.Second,
		IdleTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		BufferSize:     100,
	}
}

func TestClient_Connect(t *testing.T) {
	var gotVersion string
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("X-Kite-Version")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.Header = http.Header{"X-Kite-Version": []string{"3"}}

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}
	if gotVersion != "3" {
		t.Errorf("X-Kite-Version = %q, want 3", gotVersion)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
}

func TestClient_ConnectAuthRejected(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusUnauthorized} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			w.Write([]byte("invalid access token"))
		}))

		client := NewClient(testClientConfig(wsURL(server)), nil)
		err := client.Connect(context.Background())

		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Errorf("status %d: expected *AuthError, got %T (%v)", code, err, err)
		} else if authErr.StatusCode != code {
			t.Errorf("StatusCode = %d, want %d", authErr.StatusCode, code)
		}
		server.Close()
	}
}

func TestClient_ConnectFailureIsConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewClient(testClientConfig(wsURL(server)), nil).Connect(context.Background())

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %T (%v)", err, err)
	}
	if connErr.Op != "dial" {
		t.Errorf("Op = %q, want dial", connErr.Op)
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Send(ModeCommand(model.ModeFull, []uint32{738561, 256265})); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	// Wait for message to be received
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := `{"a":"mode","v":["full",[738561,256265]]}`
	if string(received) != want {
		t.Errorf("received %q, want %q", received, want)
	}
}

func TestClient_Messages(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte{0})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","data":"hello"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0})
		// Keep connection open
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	wantBinary := []bool{true, false, true}
	timeout := time.After(500 * time.Millisecond)
	for i, want := range wantBinary {
		select {
		case msg := <-client.Messages():
			if msg.Binary != want {
				t.Errorf("message %d: Binary = %v, want %v", i, msg.Binary, want)
			}
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestClient_SlowConsumerDoesNotDrop(t *testing.T) {
	const total = 50
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for i := 0; i < total; i++ {
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}); err != nil {
				return
			}
		}
		time.Sleep(2 * time.Second)
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.BufferSize = 1
	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	// let the read loop hit a full buffer before consuming
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < total; i++ {
		select {
		case msg := <-client.Messages():
			if msg.Data[0] != byte(i) {
				t.Fatalf("message %d carried %d", i, msg.Data[0])
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d messages", i)
		}
	}
}

func TestClient_IdleTimeout(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	cfg := testClientConfig(wsURL(server))
	cfg.IdleTimeout = 100 * time.Millisecond
	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case err := <-client.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected stale connection error")
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(testClientConfig("ws://localhost:12345"), nil)

	err := client.Send(SubscribeCommand([]uint32{1}))
	if err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// First close should succeed
	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}

	// Second close should be no-op
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if err := client.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_PingHandler(t *testing.T) {
	pong := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		if err := conn.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
			t.Logf("ping error: %v", err)
			return
		}
		// pong handlers only run while reading
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		conn.ReadMessage()
	})
	defer server.Close()

	client := NewClient(testClientConfig(wsURL(server)), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case data := <-pong:
		if data != "heartbeat" {
			t.Errorf("pong payload = %q, want heartbeat", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestCommands_JSON(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{SubscribeCommand([]uint32{256265, 738561}), `{"a":"subscribe","v":[256265,738561]}`},
		{ModeCommand(model.ModeQuote, []uint32{256265}), `{"a":"mode","v":["quote",[256265]]}`},
		{UnsubscribeCommand([]uint32{738561}), `{"a":"unsubscribe","v":[738561]}`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.cmd)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(data) != tt.want {
			t.Errorf("got %s, want %s", data, tt.want)
		}
	}
}

func TestRedact(t *testing.T) {
	got := redact("wss://ws.kite.trade?access_token=secret&api_key=k")
	if strings.Contains(got, "secret") {
		t.Errorf("redact leaked token: %s", got)
	}
	if !strings.Contains(got, "api_key=k") {
		t.Errorf("redact dropped api_key: %s", got)
	}
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	if cfg.IdleTimeout != 10*time.Second {
		t.Errorf("IdleTimeout = %v, want 10s", cfg.IdleTimeout)
	}
	if cfg.BufferSize != 4096 {
		t.Errorf("BufferSize = %d, want 4096", cfg.BufferSize)
	}
}
