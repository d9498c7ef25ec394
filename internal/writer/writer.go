package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
)

// DB is the subset of *pgxpool.Pool the writer uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Lookup resolves instrument tokens. *market.Registry implements it.
type Lookup interface {
	Lookup(token uint32) (model.Instrument, bool)
}

// Config holds writer settings.
type Config struct {
	Schema              string
	Table               string
	PartitionByDatabase bool
	WriteTimeout        time.Duration
	Location            *time.Location // wall clock stored in TIMESTAMP columns
}

// WriteResult summarizes one committed batch.
type WriteResult struct {
	Rows    int // rows upserted
	Unknown int // ticks skipped because their token is not in the registry
	Targets int // distinct tables touched
}

// WriteError reports a batch the store rejected. Nothing of the batch was
// committed.
type WriteError struct {
	Rows    int
	Targets []string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %d rows to %v: %v", e.Rows, e.Targets, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer upserts tick batches.
type Writer struct {
	cfg         Config
	db          DB
	instruments Lookup
	logger      *slog.Logger

	mu      sync.Mutex
	queries map[string]string // target -> upsert statement
}

// New creates a Writer.
func New(cfg Config, db DB, instruments Lookup, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Writer{
		cfg:         cfg,
		db:          db,
		instruments: instruments,
		logger:      logger,
		queries:     make(map[string]string),
	}
}

// Write upserts every tick of batch in a single transaction.
func (w *Writer) Write(ctx context.Context, batch *model.Batch) (WriteResult, error) {
	var res WriteResult
	b := &pgx.Batch{}
	targets := make(map[string]struct{})

	for _, t := range batch.Ticks() {
		inst, ok := w.instruments.Lookup(t.InstrumentToken)
		if !ok {
			res.Unknown++
			continue
		}
		target := w.Target(inst.Routing)
		targets[target] = struct{}{}
		b.Queue(w.query(target), w.rowArgs(t, inst)...)
	}
	res.Targets = len(targets)

	if res.Unknown > 0 {
		w.logger.Warn("skipping ticks for unknown instruments", "count", res.Unknown)
	}
	if b.Len() == 0 {
		return res, nil
	}

	if w.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
	}

	if err := w.exec(ctx, b); err != nil {
		names := make([]string, 0, len(targets))
		for t := range targets {
			names = append(names, t)
		}
		slices.Sort(names)
		return res, &WriteError{Rows: b.Len(), Targets: names, Err: err}
	}

	res.Rows = b.Len()
	return res, nil
}

func (w *Writer) exec(ctx context.Context, b *pgx.Batch) error {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("upsert %d of %d: %w", i+1, b.Len(), err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Target returns the sanitized table identifier for a routing key.
func (w *Writer) Target(key model.RoutingKey) string {
	schema := w.cfg.Schema
	if w.cfg.PartitionByDatabase && key.Database != "" {
		schema = key.Database
	}
	return pgx.Identifier{schema, w.cfg.Table}.Sanitize()
}

func (w *Writer) query(target string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.queries[target]
	if !ok {
		q = upsertSQL(target)
		w.queries[target] = q
	}
	return q
}

// rowArgs flattens t into values ordered like columns.
func (w *Writer) rowArgs(t model.Tick, inst model.Instrument) []any {
	args := make([]any, 0, len(columns))
	args = append(args,
		int64(t.InstrumentToken),
		inst.TradingSymbol,
		inst.Routing.Table,
		inst.Routing.Database,
		w.localTime(t.Timestamp),
		numeric(t.LastPrice),
		t.LastQuantity,
		numeric(t.AveragePrice),
		t.Volume,
		t.BuyQuantity,
		t.SellQuantity,
		numeric(t.OHLC.Open),
		numeric(t.OHLC.High),
		numeric(t.OHLC.Low),
		numeric(t.OHLC.Close),
		numeric(t.ChangePct),
		w.localTime(t.LastTradeTime),
		t.OI,
		t.OIHigh,
		t.OILow,
	)

	for _, side := range [][model.DepthLevels]model.DepthLevel{t.Depth.Buy, t.Depth.Sell} {
		for _, level := range side {
			if !t.HasDepth {
				args = append(args, nil, nil, nil)
				continue
			}
			args = append(args, level.Quantity, numeric(level.Price), level.Orders)
		}
	}
	return args
}

// numeric passes decimals in text form, which the NUMERIC codec parses
// exactly.
func numeric(d decimal.Decimal) string {
	return d.String()
}

// localTime converts ts to the configured wall clock; zero becomes NULL.
func (w *Writer) localTime(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return ts.In(w.cfg.Location)
}

// EnsureSchema creates the tick table and its indexes. With
// partition_by_database every routing database gets its own copy.
func (w *Writer) EnsureSchema(ctx context.Context, databases []string) error {
	schemas := []string{w.cfg.Schema}
	if w.cfg.PartitionByDatabase {
		schemas = slices.Clone(databases)
		slices.Sort(schemas)
		schemas = slices.Compact(schemas)
	}
	if len(schemas) == 0 {
		return errors.New("no schema to create")
	}

	for _, schema := range schemas {
		for _, stmt := range schemaDDL(schema, w.cfg.Table) {
			if _, err := w.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema %s: %w", schema, err)
			}
		}
		w.logger.Info("tick table ready", "schema", schema, "table", w.cfg.Table)
	}
	return nil
}
