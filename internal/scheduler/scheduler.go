// Package scheduler runs one trading day's collection session: it gates
// on the holiday calendar, starts the pipeline and the streaming session,
// watches the wall clock until market close and reports a final status.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parasxparkash/zerodhaDataCollector/internal/connection"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
	"github.com/parasxparkash/zerodhaDataCollector/internal/notify"
	"github.com/parasxparkash/zerodhaDataCollector/internal/pipeline"
)

// Status is the final outcome of a run.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded" // completed, but rows went to the fallback log
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Skip reasons.
const (
	ReasonNonTradingDay = "non-trading day"
	ReasonAfterClose    = "after market close"
)

// TradingDay reports whether the market is open on t's date.
// *calendar.Calendar implements it.
type TradingDay interface {
	IsTradingDay(t time.Time) (bool, string)
}

// Pipeline is the part of *pipeline.Pipeline the scheduler drives. The
// session drains it on Stop.
type Pipeline interface {
	Start(ctx context.Context) error
	Drain(ctx context.Context) error
	Stats() pipeline.Stats
}

// Config holds the trading-day window.
type Config struct {
	Location      *time.Location
	CloseHour     int
	CloseMinute   int
	CheckInterval time.Duration
	StopTimeout   time.Duration // bounds session stop and pipeline drain
	SessionID     string
}

// Result is the structured final status of a run.
type Result struct {
	Status     Status
	Reason     string
	SessionID  string
	StartedAt  time.Time
	FinishedAt time.Time
	Session    model.SessionState
	Stats      pipeline.Stats
	Err        error
}

// ExitCode maps the status to a process exit code.
func (r Result) ExitCode() int {
	switch r.Status {
	case StatusSuccess, StatusSkipped:
		return 0
	case StatusDegraded:
		return 2
	default:
		return 1
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler owns one session's lifecycle.
type Scheduler struct {
	cfg      Config
	calendar TradingDay
	session  connection.Session
	pipeline Pipeline
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler.
func New(cfg Config, cal TradingDay, session connection.Session, p Pipeline, n notify.Notifier, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Nop{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = time.Minute
	}

	s := &Scheduler{
		cfg:      cfg,
		calendar: cal,
		session:  session,
		pipeline: p,
		notifier: n,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CloseTime returns the market close on now's exchange date.
func (s *Scheduler) CloseTime(now time.Time) time.Time {
	local := now.In(s.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), s.cfg.CloseHour, s.cfg.CloseMinute, 0, 0, s.cfg.Location)
}

// Run executes the session and blocks until it has stopped. Cancelling ctx
// stops the session early; the stop itself still gets StopTimeout.
func (s *Scheduler) Run(ctx context.Context) Result {
	res := Result{SessionID: s.cfg.SessionID, StartedAt: s.now()}

	now := res.StartedAt.In(s.cfg.Location)
	if open, why := s.calendar.IsTradingDay(now); !open {
		s.logger.Info("market closed today, not starting", "date", now.Format(time.DateOnly), "reason", why)
		return s.skip(res, ReasonNonTradingDay, why)
	}

	closeAt := s.CloseTime(now)
	if !now.Before(closeAt) {
		s.logger.Info("started after market close, not starting", "close", closeAt.Format(time.TimeOnly))
		return s.skip(res, ReasonAfterClose, "")
	}

	if err := s.pipeline.Start(ctx); err != nil {
		return s.finish(res, StatusFailed, "pipeline start failed", err)
	}

	if err := s.session.Start(ctx); err != nil {
		s.drainAfterFailedStart()
		var authErr *connection.AuthError
		if errors.As(err, &authErr) {
			s.emit(notify.KindAuthFailed, "ticker rejected the access token", map[string]any{"status": authErr.StatusCode})
		}
		res.Session = s.session.State()
		return s.finish(res, StatusFailed, "session start failed", err)
	}

	s.emit(notify.KindSessionStarted, "collection session started", map[string]any{
		"close": closeAt.Format(time.TimeOnly),
	})
	s.logger.Info("session running", "close", closeAt)

	reason, fatal := s.monitor(ctx, closeAt)

	s.logger.Info("stopping session", "reason", reason)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopTimeout)
	defer cancel()
	stopErr := s.session.Stop(stopCtx)

	res.Session = s.session.State()
	res.Stats = s.pipeline.Stats()

	switch {
	case fatal != nil:
		s.emitFatal(fatal)
		return s.finish(res, StatusFailed, reason, fatal)
	case stopErr != nil:
		return s.finish(res, StatusFailed, "drain failed", stopErr)
	case res.Stats.Lost > 0:
		return s.finish(res, StatusFailed, fmt.Sprintf("%d ticks lost", res.Stats.Lost), nil)
	case res.Stats.FallbackRows > 0:
		return s.finish(res, StatusDegraded, fmt.Sprintf("%d ticks in fallback log", res.Stats.FallbackRows), nil)
	case reason == "interrupted":
		return s.finish(res, StatusDegraded, reason, nil)
	}
	return s.finish(res, StatusSuccess, reason, nil)
}

// monitor blocks until close time, a fatal session error or ctx
// cancellation, and says which.
func (s *Scheduler) monitor(ctx context.Context, closeAt time.Time) (string, error) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "interrupted", nil

		case err := <-s.session.Fatal():
			return "session failed", err

		case <-ticker.C:
			if !s.now().Before(closeAt) {
				return "market closed", nil
			}
			state := s.session.State()
			s.logger.Debug("session check",
				"status", state.Status,
				"ticks", state.TicksReceived,
				"reconnects", state.ReconnectAttempts,
				"queued", s.pipeline.Stats().QueueDepth,
			)
		}
	}
}

func (s *Scheduler) drainAfterFailedStart() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.pipeline.Drain(ctx); err != nil {
		s.logger.Warn("pipeline drain after failed start", "error", err)
	}
}

func (s *Scheduler) emitFatal(err error) {
	var (
		budget *connection.BudgetExceededError
		auth   *connection.AuthError
	)
	switch {
	case errors.As(err, &budget):
		s.emit(notify.KindReconnectExhausted, "reconnect budget exhausted", map[string]any{
			"attempts": budget.Attempts,
			"error":    err.Error(),
		})
	case errors.As(err, &auth):
		s.emit(notify.KindAuthFailed, "ticker rejected the access token mid-session", map[string]any{"status": auth.StatusCode})
	}
}

func (s *Scheduler) skip(res Result, reason, detail string) Result {
	fields := map[string]any{"reason": reason}
	if detail != "" {
		fields["detail"] = detail
	}
	s.emit(notify.KindSessionSkipped, "collection skipped: "+reason, fields)
	res.Status = StatusSkipped
	res.Reason = reason
	res.FinishedAt = s.now()
	return res
}

func (s *Scheduler) finish(res Result, status Status, reason string, err error) Result {
	res.Status = status
	res.Reason = reason
	res.Err = err
	res.FinishedAt = s.now()

	fields := map[string]any{
		"status":        string(status),
		"reason":        reason,
		"ticks":         res.Session.TicksReceived,
		"written":       res.Stats.Written,
		"fallback_rows": res.Stats.FallbackRows,
		"reconnects":    res.Session.ReconnectAttempts,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.emit(notify.KindSessionStopped, fmt.Sprintf("collection session %s: %s", status, reason), fields)

	level := slog.LevelInfo
	if status == StatusFailed {
		level = slog.LevelError
	} else if status == StatusDegraded {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "session finished",
		"status", status,
		"reason", reason,
		"error", err,
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)
	return res
}

func (s *Scheduler) emit(kind notify.Kind, msg string, fields map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, notify.NewEvent(s.cfg.SessionID, kind, msg, fields)); err != nil {
		s.logger.Warn("notification failed", "kind", kind, "error", err)
	}
}
