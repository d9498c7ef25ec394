package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parasxparkash/zerodhaDataCollector/internal/codec"
	"github.com/parasxparkash/zerodhaDataCollector/internal/metrics"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// Sink receives decoded ticks. Publish may block while the sink is full
// and must return promptly once ctx is cancelled.
type Sink interface {
	Publish(ctx context.Context, t model.Tick) error
	Drain(ctx context.Context) error
}

// Session is the streaming session against the Kite ticker.
type Session interface {
	// Start connects, subscribes and begins streaming. It fails fast with
	// an *AuthError when the handshake rejects the credentials; any other
	// connect failure is retried in the background within the budget.
	Start(ctx context.Context) error

	// Stop unsubscribes, closes the socket and drains the sink.
	Stop(ctx context.Context) error

	// State returns a snapshot of the session state.
	State() model.SessionState

	// Fatal delivers at most one unrecoverable error: an exhausted reconnect
	// budget, a mid-session auth rejection or sink backpressure.
	Fatal() <-chan error
}

// session implements Session.
type session struct {
	cfg     SessionConfig
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	dial    func(ClientConfig, *slog.Logger) Client

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	fatal    chan error
	corrupt  rate.Sometimes

	// streak counts reconnect attempts since a connection last delivered a
	// message. Only the run goroutine touches it.
	streak int

	mu      sync.Mutex
	state   model.SessionState
	client  Client
	started bool
}

// NewSession creates a streaming session that publishes into sink.
func NewSession(cfg SessionConfig, sink Sink, m *metrics.Metrics, logger *slog.Logger) Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff{Base: time.Second, Cap: time.Minute}
	}

	return &session{
		cfg:     cfg,
		sink:    sink,
		metrics: m,
		logger:  logger,
		dial:    NewClient,
		stopCh:  make(chan struct{}),
		fatal:   make(chan error, 1),
		corrupt: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Start implements Session.
func (s *session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.transition(model.StatusConnecting)
	s.logger.Info("starting streaming session",
		"instruments", len(s.cfg.Subscriptions),
		"reconnect_budget", s.cfg.ReconnectBudget,
	)

	c, err := s.connect()
	var authErr *AuthError
	if errors.As(err, &authErr) {
		s.cancel()
		s.transition(model.StatusStopped)
		return err
	}
	if err != nil {
		s.logger.Warn("initial connect failed, retrying", "error", err)
	}

	s.wg.Add(1)
	go s.run(c, err)

	return nil
}

// Stop implements Session.
func (s *session) Stop(ctx context.Context) error {
	first := false
	s.stopOnce.Do(func() {
		first = true
		close(s.stopCh)
	})
	if !first {
		return nil
	}

	s.transition(model.StatusDraining)
	s.mu.Lock()
	c := s.client
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping streaming session")

	if c != nil {
		if err := c.Send(UnsubscribeCommand(s.cfg.Subscriptions.Tokens())); err != nil {
			s.logger.Debug("unsubscribe failed", "error", err)
		}
		c.Close()
	}

	// Wait for the read side to hand over buffered frames
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("session shutdown timeout, cancelling publish")
	}
	if cancel != nil {
		cancel()
	}
	<-done

	err := s.sink.Drain(ctx)

	s.transition(model.StatusStopped)
	state := s.State()
	s.logger.Info("streaming session stopped",
		"ticks_received", state.TicksReceived,
		"frames_dropped", state.FramesDropped,
		"reconnect_attempts", state.ReconnectAttempts,
	)

	return err
}

// State implements Session.
func (s *session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fatal implements Session.
func (s *session) Fatal() <-chan error {
	return s.fatal
}

// run owns the connection for the life of the session.
func (s *session) run(c Client, lastErr error) {
	defer s.wg.Done()

	for {
		if c != nil {
			err := s.stream(c)
			s.mu.Lock()
			s.client = nil
			s.mu.Unlock()
			c.Close()

			if err == nil {
				return
			}
			var bp *BackpressureError
			if errors.As(err, &bp) {
				s.fail(err)
				return
			}
			s.logger.Warn("connection lost", "error", err)
			lastErr = err
		}

		c = s.reconnect(lastErr)
		if c == nil {
			return
		}
	}
}

// stream pumps messages from c until it fails or the session stops. A nil
// return means the session is stopping.
func (s *session) stream(c Client) error {
	now := time.Now()
	s.mu.Lock()
	s.client = c
	s.state.ConnectedAt = now
	s.mu.Unlock()
	s.transition(model.StatusStreaming)

	for {
		select {
		case <-s.stopCh:
			return s.drainBuffered(c)

		case <-s.ctx.Done():
			return nil

		case err := <-c.Errors():
			if derr := s.drainBuffered(c); derr != nil {
				return derr
			}
			return err

		case msg := <-c.Messages():
			if err := s.handle(msg); err != nil {
				return err
			}
			s.streak = 0
		}
	}
}

// drainBuffered handles messages the client read before it stopped.
func (s *session) drainBuffered(c Client) error {
	for {
		select {
		case msg := <-c.Messages():
			if err := s.handle(msg); err != nil {
				return err
			}
			s.streak = 0
		default:
			return nil
		}
	}
}

// reconnect waits out the backoff and dials again until it succeeds, the
// budget runs out or the session stops. It returns nil in the latter cases.
func (s *session) reconnect(lastErr error) Client {
	for {
		s.mu.Lock()
		if s.state.ReconnectAttempts >= s.cfg.ReconnectBudget {
			attempts := s.state.ReconnectAttempts
			s.mu.Unlock()
			s.fail(&BudgetExceededError{Attempts: attempts, Budget: s.cfg.ReconnectBudget, Last: lastErr})
			return nil
		}
		s.state.ReconnectAttempts++
		attempt := s.state.ReconnectAttempts
		s.mu.Unlock()

		s.transition(model.StatusReconnecting)
		s.metrics.RecordReconnect()

		delay := s.cfg.Backoff.Next(s.streak)
		s.streak++
		s.logger.Info("reconnecting",
			"attempt", attempt,
			"budget", s.cfg.ReconnectBudget,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-s.stopCh:
			timer.Stop()
			return nil
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.transition(model.StatusConnecting)
		c, err := s.connect()
		if err == nil {
			select {
			case <-s.stopCh:
				c.Close()
				return nil
			default:
			}
			s.logger.Info("reconnected", "attempt", attempt)
			return c
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.fail(err)
			return nil
		}
		s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
		lastErr = err
	}
}

// connect dials and (re)issues every registry subscription.
func (s *session) connect() (Client, error) {
	ctx := s.ctx
	if s.cfg.Client.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Client.ConnectTimeout)
		defer cancel()
	}

	c := s.dial(s.cfg.Client, s.logger)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := s.subscribe(c); err != nil {
		c.Close()
		return nil, &ConnectionError{Op: "subscribe", Err: err}
	}
	return c, nil
}

func (s *session) subscribe(c Client) error {
	tokens := s.cfg.Subscriptions.Tokens()
	if len(tokens) == 0 {
		return nil
	}
	if err := c.Send(SubscribeCommand(tokens)); err != nil {
		return err
	}

	byMode := s.cfg.Subscriptions.ByMode()
	for _, mode := range []model.Mode{model.ModeLTP, model.ModeQuote, model.ModeFull} {
		if toks := byMode[mode]; len(toks) > 0 {
			if err := c.Send(ModeCommand(mode, toks)); err != nil {
				return err
			}
		}
	}

	s.logger.Debug("subscriptions issued", "tokens", len(tokens))
	return nil
}

// handle decodes one message and publishes its ticks. Only sink failures
// are returned; corrupt frames are counted and dropped.
func (s *session) handle(msg TimestampedMessage) error {
	if !msg.Binary {
		s.handleText(msg.Data)
		return nil
	}
	if codec.IsHeartbeat(msg.Data) {
		s.metrics.RecordFrame(0)
		return nil
	}

	ticks, err := codec.Decode(msg.Data)
	if err != nil {
		s.mu.Lock()
		s.state.FramesDropped++
		s.mu.Unlock()
		s.metrics.RecordDroppedFrame("decode")
		s.corrupt.Do(func() {
			s.logger.Warn("dropping corrupt frame", "error", err, "bytes", len(msg.Data))
		})
		return nil
	}
	s.metrics.RecordFrame(len(ticks))

	for _, t := range ticks {
		t.ReceivedAt = msg.ReceivedAt
		if t.Timestamp.IsZero() {
			t.Timestamp = msg.ReceivedAt
		}
		t.Timestamp = t.Timestamp.Truncate(time.Second)

		if err := s.sink.Publish(s.ctx, t); err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return &BackpressureError{Token: t.InstrumentToken, Err: err}
		}
	}

	if len(ticks) > 0 {
		s.mu.Lock()
		s.state.LastTickAt = msg.ReceivedAt
		s.state.TicksReceived += int64(len(ticks))
		s.mu.Unlock()
		s.metrics.RecordTickReceived(msg.ReceivedAt)
	}
	return nil
}

func (s *session) handleText(data []byte) {
	var m TextMessage
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Debug("unparsed text message", "data", string(data))
		return
	}

	text := string(m.Data)
	var str string
	if json.Unmarshal(m.Data, &str) == nil {
		text = str
	}

	switch m.Type {
	case "error":
		s.logger.Warn("ticker error message", "message", text)
	case "order":
		s.logger.Debug("order update ignored")
	default:
		s.logger.Info("ticker message", "type", m.Type, "message", text)
	}
}

// transition moves the session to status. Once draining, only STOPPED is
// accepted.
func (s *session) transition(status model.SessionStatus) {
	s.mu.Lock()
	cur := s.state.Status
	if (cur == model.StatusDraining || cur == model.StatusStopped) && status != model.StatusStopped {
		s.mu.Unlock()
		return
	}
	s.state.Status = status
	s.mu.Unlock()

	if cur != status {
		s.logger.Debug("session state", "from", cur, "to", status)
		s.metrics.SetSessionStatus(status.String())
	}
}

func (s *session) fail(err error) {
	s.logger.Error("streaming session failed", "error", err)
	select {
	case s.fatal <- err:
	default:
	}
}
