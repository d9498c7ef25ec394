// streamtest connects to the Kite ticker and prints decoded ticks to the
// console. Nothing is written to the database.
// Usage: go run ./cmd/streamtest --config configs/collector.yaml --tokens 256265,738561
//
// Required environment variables (or the matching config keys):
//
//	ZDC_BROKER_API_KEY      - Kite Connect API key
//	ZDC_BROKER_ACCESS_TOKEN - today's access token
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parasxparkash/zerodhaDataCollector/internal/auth"
	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
	"github.com/parasxparkash/zerodhaDataCollector/internal/connection"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

func main() {
	configPath := flag.String("config", "configs/collector.example.yaml", "path to config file")
	tokenList := flag.String("tokens", "256265", "comma-separated instrument tokens")
	mode := flag.String("mode", "full", "ltp, quote or full")
	verbose := flag.Bool("verbose", false, "print full tick JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	m, err := model.ParseMode(*mode)
	if err != nil {
		logger.Error("bad mode", "error", err)
		os.Exit(1)
	}
	subs, err := parseTokens(*tokenList, m)
	if err != nil {
		logger.Error("bad tokens", "error", err)
		os.Exit(1)
	}

	creds := auth.Credentials{APIKey: cfg.Broker.APIKey, AccessToken: cfg.Broker.AccessToken}
	wsURL, err := creds.WebSocketURL(cfg.Broker.WSURL)
	if err != nil {
		logger.Error("credentials required for the ticker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = wsURL
	clientCfg.Header = creds.Header()

	sink := &consoleSink{out: os.Stdout, verbose: *verbose}
	session := connection.NewSession(connection.SessionConfig{
		Client:          clientCfg,
		Subscriptions:   subs,
		ReconnectBudget: 5,
	}, sink, nil, logger)

	if err := session.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state := session.State()
				logger.Info("stats",
					"status", state.Status,
					"ticks", state.TicksReceived,
					"frames_dropped", state.FramesDropped,
					"reconnects", state.ReconnectAttempts,
					"printed", sink.printed.Load(),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "tokens", len(subs))

	select {
	case <-ctx.Done():
	case err := <-session.Fatal():
		logger.Error("session failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := session.Stop(shutdownCtx); err != nil {
		logger.Warn("stop", "error", err)
	}
	logger.Info("shutdown complete")
}

func parseTokens(s string, mode model.Mode) (model.Subscriptions, error) {
	subs := make(model.Subscriptions)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tok, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", part, err)
		}
		subs[uint32(tok)] = mode
	}
	if len(subs) == 0 {
		return nil, errors.New("no tokens given")
	}
	return subs, nil
}

// consoleSink prints every tick it receives.
type consoleSink struct {
	out     io.Writer
	verbose bool
	printed atomic.Int64
}

func (s *consoleSink) Publish(_ context.Context, t model.Tick) error {
	s.printed.Add(1)
	if s.verbose {
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(s.out, "[TICK] %s\n", data)
		return err
	}

	line := fmt.Sprintf("[TICK] token=%d mode=%s ts=%s ltp=%s vol=%d",
		t.InstrumentToken, t.Mode, t.Timestamp.Format(time.TimeOnly), t.LastPrice, t.Volume)
	if t.HasDepth {
		line += fmt.Sprintf(" bid=%s x %d ask=%s x %d",
			t.Depth.Buy[0].Price, t.Depth.Buy[0].Quantity,
			t.Depth.Sell[0].Price, t.Depth.Sell[0].Quantity)
	}
	_, err := fmt.Fprintln(s.out, line)
	return err
}

func (s *consoleSink) Drain(context.Context) error { return nil }
