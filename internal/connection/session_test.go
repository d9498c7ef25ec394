package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/parasxparkash/zerodhaDataCollector/internal/codec"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

const (
	tokenReliance = 738561 // NSE equity
	tokenNifty    = 256265 // NIFTY 50 index
)

// fakeClient is a scripted Client. Tests push frames into msgs and a
// failure into errs.
type fakeClient struct {
	connectErr error
	msgs       chan TimestampedMessage
	errs       chan error

	mu     sync.Mutex
	sent   []Command
	closed bool
}

func newFakeClient(connectErr error) *fakeClient {
	return &fakeClient{
		connectErr: connectErr,
		msgs:       make(chan TimestampedMessage, 16),
		errs:       make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Send(cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrNotConnected
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.msgs }
func (f *fakeClient) Errors() <-chan error                { return f.errs }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeClient) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.sent...)
}

func (f *fakeClient) push(frame []byte) {
	f.msgs <- TimestampedMessage{Binary: true, Data: frame, ReceivedAt: time.Now()}
}

// fakeDialer hands out clients in order, repeating the last one.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	dials   int
}

func (d *fakeDialer) dial(ClientConfig, *slog.Logger) Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := min(d.dials, len(d.clients)-1)
	d.dials++
	return d.clients[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// memSink stores ticks by key, like the upsert store does.
type memSink struct {
	mu         sync.Mutex
	ticks      map[model.TickKey]model.Tick
	published  int
	publishErr error
	drained    bool
}

func newMemSink() *memSink {
	return &memSink{ticks: make(map[model.TickKey]model.Tick)}
}

func (m *memSink) Publish(ctx context.Context, t model.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published++
	m.ticks[t.Key()] = t
	return nil
}

func (m *memSink) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.drained = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) snapshot() (keys int, published int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ticks), m.published
}

func testSubscriptions() model.Subscriptions {
	return model.Subscriptions{
		tokenReliance: model.ModeFull,
		tokenNifty:    model.ModeQuote,
	}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Client:          ClientConfig{ConnectTimeout: time.Second, IdleTimeout: time.Second, WriteTimeout: time.Second, BufferSize: 16},
		Subscriptions:   testSubscriptions(),
		ReconnectBudget: 3,
		Backoff:         ConstantBackoff(time.Millisecond),
	}
}

func newTestSession(t *testing.T, cfg SessionConfig, sink Sink, d *fakeDialer) *session {
	t.Helper()
	s := NewSession(cfg, sink, nil, nil).(*session)
	s.dial = d.dial
	return s
}

func relianceTick(ts time.Time, ltp string) model.Tick {
	return model.Tick{
		InstrumentToken: tokenReliance,
		Mode:            model.ModeFull,
		Timestamp:       ts,
		LastPrice:       decimal.RequireFromString(ltp),
		Volume:          1200,
		OHLC: model.OHLC{
			Open:  decimal.RequireFromString("2940.00"),
			High:  decimal.RequireFromString("2961.50"),
			Low:   decimal.RequireFromString("2935.10"),
			Close: decimal.RequireFromString("2938.75"),
		},
	}
}

func niftyTick(ltp string) model.Tick {
	return model.Tick{
		InstrumentToken: tokenNifty,
		Mode:            model.ModeQuote,
		LastPrice:       decimal.RequireFromString(ltp),
		OHLC: model.OHLC{
			Open:  decimal.RequireFromString("22400.00"),
			High:  decimal.RequireFromString("22510.25"),
			Low:   decimal.RequireFromString("22380.40"),
			Close: decimal.RequireFromString("22420.65"),
		},
	}
}

func mustEncode(t *testing.T, ticks ...model.Tick) []byte {
	t.Helper()
	frame, err := codec.Encode(ticks)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frame
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func stopSession(t *testing.T, s Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestSession_StreamsTicks(t *testing.T) {
	fc := newFakeClient(nil)
	d := &fakeDialer{clients: []*fakeClient{fc}}
	sink := newMemSink()
	s := newTestSession(t, testSessionConfig(), sink, d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	exchangeTime := time.Date(2024, 4, 10, 4, 0, 0, 0, time.UTC)
	fc.push([]byte{0}) // heartbeat
	fc.push(mustEncode(t, relianceTick(exchangeTime, "2950.45"), niftyTick("22450.10")))

	waitFor(t, "two ticks", func() bool {
		keys, _ := sink.snapshot()
		return keys == 2
	})

	sink.mu.Lock()
	rel := sink.ticks[model.TickKey{Token: tokenReliance, Unix: exchangeTime.Unix()}]
	var nifty model.Tick
	for k, v := range sink.ticks {
		if k.Token == tokenNifty {
			nifty = v
		}
	}
	sink.mu.Unlock()

	if !rel.LastPrice.Equal(decimal.RequireFromString("2950.45")) {
		t.Errorf("reliance last price = %s", rel.LastPrice)
	}
	if nifty.Timestamp.IsZero() {
		t.Fatal("index tick without exchange time should be stamped")
	}
	if !nifty.Timestamp.Equal(nifty.ReceivedAt.Truncate(time.Second)) {
		t.Errorf("index timestamp = %v, want receive time %v truncated", nifty.Timestamp, nifty.ReceivedAt)
	}

	state := s.State()
	if state.Status != model.StatusStreaming {
		t.Errorf("status = %s, want STREAMING", state.Status)
	}
	if state.TicksReceived != 2 {
		t.Errorf("TicksReceived = %d, want 2", state.TicksReceived)
	}

	cmds := fc.commands()
	if len(cmds) != 3 {
		t.Fatalf("sent %d commands, want subscribe + 2 mode", len(cmds))
	}
	if cmds[0].Action != "subscribe" {
		t.Errorf("first command = %s, want subscribe", cmds[0].Action)
	}
	if cmds[1].Action != "mode" || cmds[2].Action != "mode" {
		t.Errorf("mode commands = %s, %s", cmds[1].Action, cmds[2].Action)
	}

	stopSession(t, s)

	if s.State().Status != model.StatusStopped {
		t.Errorf("status after Stop = %s, want STOPPED", s.State().Status)
	}
	if !sink.drained {
		t.Error("sink was not drained")
	}
	last := fc.commands()
	if last[len(last)-1].Action != "unsubscribe" {
		t.Errorf("last command = %s, want unsubscribe", last[len(last)-1].Action)
	}
}

func TestSession_ReconnectResubscribesWithoutDuplicates(t *testing.T) {
	first := newFakeClient(nil)
	second := newFakeClient(nil)
	d := &fakeDialer{clients: []*fakeClient{first, second}}
	sink := newMemSink()
	s := newTestSession(t, testSessionConfig(), sink, d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	t0 := time.Date(2024, 4, 10, 4, 0, 0, 0, time.UTC)
	first.push(mustEncode(t, relianceTick(t0, "2950.45")))
	waitFor(t, "first tick", func() bool {
		_, published := sink.snapshot()
		return published == 1
	})

	first.errs <- &ConnectionError{Op: "read", Err: ErrStaleConnection}

	waitFor(t, "resubscribe", func() bool { return len(second.commands()) >= 3 })

	// The ticker resends the last state after a reconnect.
	second.push(mustEncode(t, relianceTick(t0, "2950.45"), relianceTick(t0.Add(time.Second), "2951.00")))

	waitFor(t, "overlap published", func() bool {
		_, published := sink.snapshot()
		return published == 3
	})

	keys, _ := sink.snapshot()
	if keys != 2 {
		t.Errorf("distinct keys = %d, want 2", keys)
	}
	if got := s.State().ReconnectAttempts; got != 1 {
		t.Errorf("ReconnectAttempts = %d, want 1", got)
	}
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2", d.count())
	}

	stopSession(t, s)
}

// recordingBackoff records the attempt numbers it is asked about.
type recordingBackoff struct {
	mu       sync.Mutex
	attempts []int
}

func (b *recordingBackoff) Next(attempt int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, attempt)
	return time.Millisecond
}

func (b *recordingBackoff) seen() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.attempts...)
}

func TestSession_BackoffResetsOnlyAfterStreaming(t *testing.T) {
	drop := func(c *fakeClient) { c.errs <- &ConnectionError{Op: "read", Err: ErrStaleConnection} }

	first := newFakeClient(nil)
	drop(first)
	// accepts the handshake, then drops before any data
	flaky := newFakeClient(nil)
	drop(flaky)
	streaming := newFakeClient(nil)
	streaming.push(mustEncode(t, relianceTick(time.Date(2024, 4, 10, 4, 0, 0, 0, time.UTC), "2950.45")))
	drop(streaming)
	last := newFakeClient(nil)

	d := &fakeDialer{clients: []*fakeClient{first, flaky, streaming, last}}
	b := &recordingBackoff{}
	cfg := testSessionConfig()
	cfg.ReconnectBudget = 5
	cfg.Backoff = b
	s := newTestSession(t, cfg, newMemSink(), d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "fourth dial", func() bool { return d.count() == 4 })
	stopSession(t, s)

	want := []int{0, 1, 0}
	got := b.seen()
	if len(got) != len(want) {
		t.Fatalf("backoff attempts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff attempts = %v, want %v", got, want)
			break
		}
	}
}

func TestSession_StartAuthError(t *testing.T) {
	d := &fakeDialer{clients: []*fakeClient{newFakeClient(&AuthError{StatusCode: http.StatusForbidden})}}
	s := newTestSession(t, testSessionConfig(), newMemSink(), d)

	err := s.Start(context.Background())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Start error = %v, want *AuthError", err)
	}
	if s.State().Status != model.StatusStopped {
		t.Errorf("status = %s, want STOPPED", s.State().Status)
	}
	if d.count() != 1 {
		t.Errorf("dials = %d, auth failures must not be retried", d.count())
	}
}

func TestSession_StartTwice(t *testing.T) {
	d := &fakeDialer{clients: []*fakeClient{newFakeClient(nil)}}
	s := newTestSession(t, testSessionConfig(), newMemSink(), d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopSession(t, s)

	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestSession_BudgetExceeded(t *testing.T) {
	refused := newFakeClient(&ConnectionError{Op: "dial", Err: errors.New("connection refused")})
	d := &fakeDialer{clients: []*fakeClient{refused}}
	cfg := testSessionConfig()
	cfg.ReconnectBudget = 2
	s := newTestSession(t, cfg, newMemSink(), d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start should retry transient failures, got %v", err)
	}

	select {
	case err := <-s.Fatal():
		var budget *BudgetExceededError
		if !errors.As(err, &budget) {
			t.Fatalf("fatal = %v, want *BudgetExceededError", err)
		}
		if budget.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", budget.Attempts)
		}
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Errorf("budget error should wrap the last connection error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected budget exhaustion")
	}

	if d.count() != 3 {
		t.Errorf("dials = %d, want initial + 2 reconnects", d.count())
	}

	stopSession(t, s)
}

func TestSession_AuthErrorOnReconnectIsFatal(t *testing.T) {
	first := newFakeClient(nil)
	rejected := newFakeClient(&AuthError{StatusCode: http.StatusForbidden, Body: "token expired"})
	d := &fakeDialer{clients: []*fakeClient{first, rejected}}
	s := newTestSession(t, testSessionConfig(), newMemSink(), d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first.errs <- &ConnectionError{Op: "read", Err: errors.New("EOF")}

	select {
	case err := <-s.Fatal():
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Errorf("fatal = %v, want *AuthError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected auth failure")
	}

	stopSession(t, s)
}

func TestSession_CorruptFrameDropped(t *testing.T) {
	fc := newFakeClient(nil)
	d := &fakeDialer{clients: []*fakeClient{fc}}
	sink := newMemSink()
	s := newTestSession(t, testSessionConfig(), sink, d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopSession(t, s)

	fc.push([]byte{0x00, 0x01, 0x00, 0x08, 0x00, 0x0B}) // packet truncated
	fc.push(mustEncode(t, niftyTick("22450.10")))

	waitFor(t, "tick after corrupt frame", func() bool {
		keys, _ := sink.snapshot()
		return keys == 1
	})

	if got := s.State().FramesDropped; got != 1 {
		t.Errorf("FramesDropped = %d, want 1", got)
	}
	if d.count() != 1 {
		t.Errorf("corrupt frame must not cause a reconnect, dials = %d", d.count())
	}
}

func TestSession_BackpressureIsFatal(t *testing.T) {
	fc := newFakeClient(nil)
	d := &fakeDialer{clients: []*fakeClient{fc}}
	sink := newMemSink()
	sink.publishErr = errors.New("queue full")
	s := newTestSession(t, testSessionConfig(), sink, d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fc.push(mustEncode(t, niftyTick("22450.10")))

	select {
	case err := <-s.Fatal():
		var bp *BackpressureError
		if !errors.As(err, &bp) {
			t.Fatalf("fatal = %v, want *BackpressureError", err)
		}
		if bp.Token != tokenNifty {
			t.Errorf("Token = %d, want %d", bp.Token, tokenNifty)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected backpressure failure")
	}

	if d.count() != 1 {
		t.Errorf("backpressure must not reconnect, dials = %d", d.count())
	}
	stopSession(t, s)
}

func TestSession_StopPublishesBufferedFrames(t *testing.T) {
	fc := newFakeClient(nil)
	d := &fakeDialer{clients: []*fakeClient{fc}}
	sink := newMemSink()
	s := newTestSession(t, testSessionConfig(), sink, d)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "streaming", func() bool { return s.State().Status == model.StatusStreaming })

	t0 := time.Date(2024, 4, 10, 4, 0, 0, 0, time.UTC)
	for i := range 5 {
		fc.push(mustEncode(t, relianceTick(t0.Add(time.Duration(i)*time.Second), "2950.45")))
	}
	stopSession(t, s)

	keys, _ := sink.snapshot()
	if keys != 5 {
		t.Errorf("published %d buffered ticks, want 5", keys)
	}
	if s.State().Status != model.StatusStopped {
		t.Errorf("status = %s, want STOPPED", s.State().Status)
	}

	// Stop is idempotent
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

func TestSession_IdleTimeoutReconnects(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)

		// read subscribe + mode commands
		for range 3 {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		if n == 1 {
			// go silent until the client gives up
			time.Sleep(time.Second)
			return
		}
		frame, _ := codec.Encode([]model.Tick{niftyTick("22450.10")})
		conn.WriteMessage(websocket.BinaryMessage, frame)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testSessionConfig()
	cfg.Client.URL = wsURL(server)
	cfg.Client.IdleTimeout = 100 * time.Millisecond
	sink := newMemSink()
	s := NewSession(cfg, sink, nil, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "tick on second connection", func() bool {
		keys, _ := sink.snapshot()
		return keys == 1
	})
	stopSession(t, s)

	if conns.Load() < 2 {
		t.Errorf("connections = %d, want a reconnect", conns.Load())
	}
	if s.State().ReconnectAttempts < 1 {
		t.Errorf("ReconnectAttempts = %d", s.State().ReconnectAttempts)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Base: 100 * time.Millisecond, Cap: time.Second}

	tests := []struct {
		attempt int
		ceiling time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{200, time.Second},
	}

	for _, tt := range tests {
		if got := b.ceiling(tt.attempt); got != tt.ceiling {
			t.Errorf("ceiling(%d) = %v, want %v", tt.attempt, got, tt.ceiling)
		}
		for range 50 {
			d := b.Next(tt.attempt)
			if d < 0 || d > tt.ceiling {
				t.Fatalf("Next(%d) = %v outside [0, %v]", tt.attempt, d, tt.ceiling)
			}
		}
	}
}

func TestExponentialBackoff_Uncapped(t *testing.T) {
	b := ExponentialBackoff{Base: time.Second}
	if got := b.ceiling(1000); got <= 0 {
		t.Errorf("ceiling overflowed: %v", got)
	}
	if got := (ExponentialBackoff{}).Next(5); got != 0 {
		t.Errorf("zero backoff Next = %v, want 0", got)
	}
}

func TestConstantBackoff(t *testing.T) {
	b := ConstantBackoff(250 * time.Millisecond)
	for _, attempt := range []int{0, 1, 10} {
		if got := b.Next(attempt); got != 250*time.Millisecond {
			t.Errorf("Next(%d) = %v", attempt, got)
		}
	}
}
