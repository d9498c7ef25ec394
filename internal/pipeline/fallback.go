package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// Fallback durably stores ticks that could not be written to the store.
// Append returns how many of ticks were stored, also on error.
type Fallback interface {
	Append(reason string, ticks []model.Tick) (int, error)
}

// Record is one line of the fallback log.
type Record struct {
	SessionID string     `json:"session_id"`
	Reason    string     `json:"reason"`
	FailedAt  time.Time  `json:"failed_at"`
	Tick      model.Tick `json:"tick"`
}

// FileFallback appends JSON lines to a size-rotated file.
type FileFallback struct {
	mu        sync.Mutex
	out       io.WriteCloser
	enc       *json.Encoder
	sessionID string
	rows      int64
}

// NewFileFallback opens the fallback log described by cfg. The file is
// created on first append.
func NewFileFallback(cfg config.FallbackConfig, sessionID string) *FileFallback {
	return newFileFallback(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}, sessionID)
}

func newFileFallback(out io.WriteCloser, sessionID string) *FileFallback {
	return &FileFallback{
		out:       out,
		enc:       json.NewEncoder(out),
		sessionID: sessionID,
	}
}

// Append implements Fallback. Each tick becomes one line.
func (f *FileFallback) Append(reason string, ticks []model.Tick) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	for i, t := range ticks {
		rec := Record{SessionID: f.sessionID, Reason: reason, FailedAt: now, Tick: t}
		if err := f.enc.Encode(rec); err != nil {
			return i, fmt.Errorf("fallback append (%d of %d written): %w", i, len(ticks), err)
		}
		f.rows++
	}
	return len(ticks), nil
}

// Rows returns how many ticks were appended.
func (f *FileFallback) Rows() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows
}

// Close closes the underlying file.
func (f *FileFallback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}

// ReadRecords parses a fallback log, for replay tooling and tests.
func ReadRecords(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
