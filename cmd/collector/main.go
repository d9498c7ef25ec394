// collector streams market ticks from the Kite ticker into PostgreSQL for
// one trading day and exits after market close.
//
// Exit codes: 0 success or skipped, 2 degraded (rows in the fallback log),
// 1 failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/parasxparkash/zerodhaDataCollector/internal/api"
	"github.com/parasxparkash/zerodhaDataCollector/internal/auth"
	"github.com/parasxparkash/zerodhaDataCollector/internal/calendar"
	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
	"github.com/parasxparkash/zerodhaDataCollector/internal/connection"
	"github.com/parasxparkash/zerodhaDataCollector/internal/database"
	"github.com/parasxparkash/zerodhaDataCollector/internal/logging"
	"github.com/parasxparkash/zerodhaDataCollector/internal/market"
	"github.com/parasxparkash/zerodhaDataCollector/internal/metrics"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
	"github.com/parasxparkash/zerodhaDataCollector/internal/notify"
	"github.com/parasxparkash/zerodhaDataCollector/internal/pipeline"
	"github.com/parasxparkash/zerodhaDataCollector/internal/scheduler"
	"github.com/parasxparkash/zerodhaDataCollector/internal/version"
	"github.com/parasxparkash/zerodhaDataCollector/internal/writer"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/collector.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		return 1
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	sessionID := uuid.NewString()
	logger = logger.With("session_id", sessionID)

	logger.Info("starting collector",
		"version", version.String(),
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
	)

	if cfg.Profiling.Enabled {
		stop, err := startProfiling(cfg.Profiling, cfg.Instance.ID, logger)
		if err != nil {
			logger.Warn("profiling disabled", "error", err)
		} else {
			defer stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := newCollector(ctx, cfg, sessionID, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer c.Close()

	if c.skip != nil {
		return c.skip.ExitCode()
	}

	srv := newServer(cfg.Metrics, c, logger)
	srv.Start()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Stop(shutdownCtx)
	}()

	res := c.scheduler.Run(ctx)

	if res.Status != scheduler.StatusSkipped && cfg.Backup.Command != "" {
		backupCtx, backupCancel := context.WithTimeout(context.Background(), time.Hour)
		err := runBackup(backupCtx, cfg.Backup, c.notifier, sessionID, logger)
		backupCancel()
		if err != nil && res.Status == scheduler.StatusSuccess {
			res.Status = scheduler.StatusDegraded
		}
	}

	logger.Info("collector exiting",
		"status", res.Status,
		"reason", res.Reason,
		"exit_code", res.ExitCode(),
	)
	return res.ExitCode()
}

// collector holds everything built for one session.
type collector struct {
	cfg       *config.CollectorConfig
	logger    *slog.Logger
	registry  *market.Registry
	pools     *database.Pools
	session   connection.Session
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	notifier  notify.Notifier
	promReg   *prometheus.Registry
	closers   []io.Closer

	// skip is set when the calendar rules the day out before any
	// connection is made.
	skip *scheduler.Result
}

func newCollector(ctx context.Context, cfg *config.CollectorConfig, sessionID string, logger *slog.Logger) (_ *collector, err error) {
	loc := cfg.Market.Location()
	c := &collector{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic, logger)
		notifiers = append(notifiers, kn)
		c.closers = append(c.closers, kn)
	}
	c.notifier = notifiers

	cal, err := loadCalendar(cfg.Market, loc, logger)
	if err != nil {
		return nil, err
	}

	// Gate on the calendar and the close time before touching the network.
	schedCfg := scheduler.Config{
		Location:      loc,
		CloseHour:     cfg.Market.CloseHour,
		CloseMinute:   cfg.Market.CloseMinute,
		CheckInterval: cfg.Market.CheckInterval,
		StopTimeout:   cfg.Pipeline.DrainTimeout + 10*time.Second,
		SessionID:     sessionID,
	}
	if c.skip = preflight(ctx, schedCfg, cal, c.notifier, logger, time.Now()); c.skip != nil {
		return c, nil
	}

	c.promReg = prometheus.NewRegistry()
	c.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(c.promReg)

	useDBToken := cfg.Broker.TokenSource == "database"
	c.pools, err = database.NewPools(ctx, cfg.Database, useDBToken)
	if err != nil {
		return nil, err
	}

	var tokens auth.TokenProvider = auth.StaticToken(cfg.Broker.AccessToken)
	if useDBToken {
		tokens = auth.NewDBStore(c.pools.Tokens, cfg.Database.TokenSchema, loc, cfg.Broker.TokenFreshAfter, logger)
	}
	tok, err := tokens.Token(ctx)
	if err != nil {
		c.emit(ctx, sessionID, notify.KindAuthFailed, "no usable access token", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("access token: %w", err)
	}
	creds := auth.Credentials{APIKey: cfg.Broker.APIKey, AccessToken: tok.AccessToken}

	client := c.apiClient(creds)
	if err := checkToken(ctx, client, logger); err != nil {
		c.emit(ctx, sessionID, notify.KindAuthFailed, "access token rejected", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("access token: %w", err)
	}

	rows, err := c.universe(client).Universe(ctx)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}

	c.registry, err = market.NewRegistry(market.Config{
		Databases:      routing(cfg.Routing),
		TableAliases:   cfg.Universe.TableAliases,
		MaxInstruments: cfg.Universe.MaxInstruments,
		Mode:           model.Mode(cfg.Session.Mode),
	}, rows, logger)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	for class, n := range c.registry.CountByClass() {
		m.SetInstruments(string(class), n)
	}

	w := writer.New(writer.Config{
		Schema:              cfg.Storage.Schema,
		Table:               cfg.Storage.Table,
		PartitionByDatabase: cfg.Storage.PartitionByDatabase,
		WriteTimeout:        cfg.Storage.WriteTimeout,
		Location:            loc,
	}, c.pools.Ticks, c.registry, logger)

	if cfg.Storage.CreateSchema == nil || *cfg.Storage.CreateSchema {
		if err := w.EnsureSchema(ctx, databases(c.registry)); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	fb := pipeline.NewFileFallback(cfg.Fallback, sessionID)
	c.closers = append(c.closers, fb)

	c.pipeline = pipeline.New(pipeline.Config{
		Workers:          cfg.Pipeline.Workers,
		QueueCapacity:    cfg.Pipeline.QueueCapacity,
		BatchMaxSize:     cfg.Pipeline.BatchMaxSize,
		BatchMaxInterval: cfg.Pipeline.BatchMaxInterval,
		PublishTimeout:   cfg.Pipeline.PublishTimeout,
		WriteRetries:     cfg.Pipeline.WriteRetries,
		RetryBaseDelay:   cfg.Pipeline.RetryBaseDelay,
		DrainTimeout:     cfg.Pipeline.DrainTimeout,
		SessionID:        sessionID,
	}, w, fb, c.notifier, m, logger)

	wsURL, err := creds.WebSocketURL(cfg.Broker.WSURL)
	if err != nil {
		return nil, err
	}
	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = wsURL
	clientCfg.Header = creds.Header()
	clientCfg.ConnectTimeout = cfg.Session.ConnectTimeout
	clientCfg.IdleTimeout = cfg.Session.IdleTimeout
	clientCfg.WriteTimeout = cfg.Session.WriteTimeout

	c.session = connection.NewSession(connection.SessionConfig{
		Client:          clientCfg,
		Subscriptions:   c.registry.Subscriptions(),
		ReconnectBudget: cfg.Session.ReconnectBudget,
		Backoff: connection.ExponentialBackoff{
			Base: cfg.Session.ReconnectBaseDelay,
			Cap:  cfg.Session.ReconnectBackoffCap,
		},
	}, c.pipeline, m, logger)

	c.scheduler = scheduler.New(schedCfg, cal, c.session, c.pipeline, c.notifier, logger)
	return c, nil
}

// preflight decides from the calendar and the close time whether there is
// a session to run. When there is not it records the skip and returns its
// result. The scheduler is pinned to now so it judges the same instant.
func preflight(ctx context.Context, cfg scheduler.Config, cal scheduler.TradingDay, n notify.Notifier, logger *slog.Logger, now time.Time) *scheduler.Result {
	pre := scheduler.New(cfg, cal, nil, nil, n, logger, scheduler.WithClock(func() time.Time { return now }))
	if open, _ := cal.IsTradingDay(now); open && now.Before(pre.CloseTime(now)) {
		return nil
	}
	res := pre.Run(ctx)
	return &res
}

func (c *collector) apiClient(creds auth.Credentials) *api.Client {
	return api.NewClient(c.cfg.Broker.RestURL, creds.APIKey, creds.AccessToken,
		api.WithLogger(c.logger),
		api.WithTimeout(c.cfg.Broker.Timeout),
		api.WithRetries(c.cfg.Broker.MaxRetries, time.Second),
		api.WithRateLimit(c.cfg.Broker.RequestsPerSecond),
	)
}

func (c *collector) universe(client *api.Client) market.UniverseProvider {
	sel := selection(c.cfg.Universe, time.Now().In(c.cfg.Market.Location()))
	if c.cfg.Universe.Source == "api" {
		return market.APIUniverse{Source: client, Exchanges: c.cfg.Universe.Exchanges, Selection: sel}
	}
	return market.FileUniverse{Path: c.cfg.Universe.File, Exchanges: c.cfg.Universe.Exchanges, Selection: sel}
}

type profiler interface {
	Profile(ctx context.Context) (*api.Profile, error)
}

// checkToken asks the REST API whether the access token is live before the
// ticker is dialled. Only a rejection is returned; other failures are left
// to the websocket handshake.
func checkToken(ctx context.Context, p profiler, logger *slog.Logger) error {
	prof, err := p.Profile(ctx)
	var apiErr *api.APIError
	switch {
	case err == nil:
		logger.Info("access token accepted", "user_id", prof.UserID, "broker", prof.Broker)
		return nil
	case errors.As(err, &apiErr) && apiErr.IsAuth():
		return err
	default:
		logger.Warn("token check inconclusive, continuing", "error", err)
		return nil
	}
}

func (c *collector) emit(ctx context.Context, sessionID string, kind notify.Kind, msg string, fields map[string]any) {
	if err := c.notifier.Notify(ctx, notify.NewEvent(sessionID, kind, msg, fields)); err != nil {
		c.logger.Warn("notification failed", "kind", kind, "error", err)
	}
}

// Close releases pools, the fallback log and the event sinks.
func (c *collector) Close() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	if c.pools != nil {
		c.pools.Close()
	}
	return errors.Join(errs...)
}

func loadCalendar(cfg config.MarketConfig, loc *time.Location, logger *slog.Logger) (*calendar.Calendar, error) {
	weekendClosed := cfg.WeekendClosed == nil || *cfg.WeekendClosed
	if cfg.HolidaysFile == "" {
		return calendar.New(loc, weekendClosed), nil
	}
	cal, err := calendar.Load(cfg.HolidaysFile, loc, weekendClosed, logger)
	if err != nil {
		return nil, fmt.Errorf("load holidays: %w", err)
	}
	return cal, nil
}

// selection turns the universe allowlist and rules into a market filter.
// Rule expiries count from asOf.
func selection(cfg config.UniverseConfig, asOf time.Time) market.Selection {
	sel := market.Selection{Symbols: cfg.Symbols, Tokens: cfg.Tokens, AsOf: asOf}
	for _, r := range cfg.Rules {
		sel.Rules = append(sel.Rules, market.SelectionRule{
			Name:            r.Name,
			InstrumentTypes: r.InstrumentTypes,
			Expiries:        r.Expiries,
		})
	}
	return sel
}

func routing(cfg config.RoutingConfig) map[model.Classification]string {
	return map[model.Classification]string{
		model.ClassEquity: cfg.EquityDatabase,
		model.ClassIndex:  cfg.IndexDatabase,
		model.ClassFuture: cfg.FutureDatabase,
		model.ClassOption: cfg.OptionDatabase,
	}
}

// databases lists the routing databases the registry actually uses.
func databases(r *market.Registry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, inst := range r.Instruments() {
		if db := inst.Routing.Database; !seen[db] {
			seen[db] = true
			out = append(out, db)
		}
	}
	return out
}
