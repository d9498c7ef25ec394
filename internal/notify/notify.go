// Package notify delivers collector lifecycle events to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindSessionStarted     Kind = "session_started"
	KindSessionStopped     Kind = "session_stopped"
	KindSessionSkipped     Kind = "session_skipped"
	KindReconnectExhausted Kind = "reconnect_exhausted"
	KindAuthFailed         Kind = "auth_failed"
	KindWriteFailed        Kind = "write_failed"
	KindBackupFinished     Kind = "backup_finished"
)

// Event is one notification.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Kind      Kind           `json:"kind"`
	Time      time.Time      `json:"time"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewEvent stamps a new event with an ID and the current time.
func NewEvent(sessionID string, kind Kind, message string, fields map[string]any) Event {
	e := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Time:      time.Now().UTC(),
		Message:   message,
	}
	if len(fields) > 0 {
		e.Fields = maps.Clone(fields)
	}
	return e
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to a slog logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	switch e.Kind {
	case KindReconnectExhausted, KindAuthFailed, KindWriteFailed:
		level = slog.LevelError
	case KindSessionSkipped:
		level = slog.LevelWarn
	}

	attrs := make([]any, 0, 6+2*len(e.Fields))
	attrs = append(attrs, "kind", string(e.Kind), "event_id", e.ID, "session_id", e.SessionID)
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	n.logger.Log(ctx, level, e.Message, attrs...)
	return nil
}

// Multi fans an event out to every notifier. Each notifier is called even
// when an earlier one fails; failures are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) error { return nil }
