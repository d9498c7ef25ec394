// replay loads a fallback log written by the collector back into the tick
// store. Rows are upserted, so replaying the same file twice is harmless.
// Usage: go run ./cmd/replay --config configs/collector.yaml fallback/ticks.jsonl
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
	"github.com/parasxparkash/zerodhaDataCollector/internal/database"
	"github.com/parasxparkash/zerodhaDataCollector/internal/logging"
	"github.com/parasxparkash/zerodhaDataCollector/internal/market"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
	"github.com/parasxparkash/zerodhaDataCollector/internal/pipeline"
	"github.com/parasxparkash/zerodhaDataCollector/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/collector.yaml", "path to config file")
	batchSize := flag.Int("batch", 1000, "rows per transaction")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: replay [--config path] <fallback.jsonl>...")
		os.Exit(2)
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The registry routes replayed ticks exactly as the live session did,
	// which needs the same universe file.
	rows, err := market.FileUniverse{Path: cfg.Universe.File, Exchanges: cfg.Universe.Exchanges}.Universe(ctx)
	if err != nil {
		logger.Error("failed to load universe", "error", err)
		os.Exit(1)
	}
	registry, err := market.NewRegistry(market.Config{
		Databases: map[model.Classification]string{
			model.ClassEquity: cfg.Routing.EquityDatabase,
			model.ClassIndex:  cfg.Routing.IndexDatabase,
			model.ClassFuture: cfg.Routing.FutureDatabase,
			model.ClassOption: cfg.Routing.OptionDatabase,
		},
		TableAliases: cfg.Universe.TableAliases,
	}, rows, logger)
	if err != nil {
		logger.Error("failed to build registry", "error", err)
		os.Exit(1)
	}

	pools, err := database.NewPools(ctx, cfg.Database, false)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pools.Close()

	w := writer.New(writer.Config{
		Schema:              cfg.Storage.Schema,
		Table:               cfg.Storage.Table,
		PartitionByDatabase: cfg.Storage.PartitionByDatabase,
		WriteTimeout:        cfg.Storage.WriteTimeout,
		Location:            cfg.Market.Location(),
	}, pools.Ticks, registry, logger)

	failed := false
	for _, path := range flag.Args() {
		f, err := os.Open(path)
		if err != nil {
			logger.Error("open fallback log", "path", path, "error", err)
			failed = true
			continue
		}
		stats, err := pipeline.Replay(ctx, f, w, *batchSize)
		f.Close()
		if err != nil {
			logger.Error("replay failed", "path", path, "error", err, "batches_written", stats.Batches)
			failed = true
			continue
		}
		logger.Info("replayed fallback log",
			"path", path,
			"records", stats.Records,
			"written", stats.Written,
			"deduped", stats.Deduped,
			"unknown", stats.Unknown,
		)
	}

	if failed {
		os.Exit(1)
	}
}
