package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parasxparkash/zerodhaDataCollector/internal/metrics"
	"github.com/parasxparkash/zerodhaDataCollector/internal/model"
	"github.com/parasxparkash/zerodhaDataCollector/internal/notify"
	"github.com/parasxparkash/zerodhaDataCollector/internal/writer"
)

// Errors
var (
	ErrBackpressure = errors.New("pipeline queue full past publish timeout")
	ErrDrainTimeout = errors.New("pipeline drain timed out")
	ErrClosed       = errors.New("pipeline closed")
	ErrNotStarted   = errors.New("pipeline not started")
)

// Writer persists one deduplicated batch. *writer.Writer implements it.
type Writer interface {
	Write(ctx context.Context, batch *model.Batch) (writer.WriteResult, error)
}

// Config holds pipeline settings.
type Config struct {
	Workers          int
	QueueCapacity    int // total across workers
	BatchMaxSize     int
	BatchMaxInterval time.Duration
	PublishTimeout   time.Duration
	WriteRetries     int
	RetryBaseDelay   time.Duration
	DrainTimeout     time.Duration
	SpillTimeout     time.Duration // after a drain timeout, bounds the spill to the fallback log
	NotifyTimeout    time.Duration // per notification, and for flushing the backlog on drain
	SessionID        string
}

const notifyBacklog = 64

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueCapacity:    50000,
		BatchMaxSize:     500,
		BatchMaxInterval: time.Second,
		PublishTimeout:   2 * time.Second,
		WriteRetries:     3,
		RetryBaseDelay:   200 * time.Millisecond,
		DrainTimeout:     30 * time.Second,
		SpillTimeout:     10 * time.Second,
		NotifyTimeout:    5 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Published     int64
	Written       int64
	Deduped       int64
	Unknown       int64
	Retries       int64
	FailedBatches int64
	FallbackRows  int64
	Lost          int64 // rows neither written nor appended to the fallback log
	DroppedEvents int64 // write_failed notifications dropped on a full backlog
	QueueDepth    int
}

type shard struct {
	id int
	in chan model.Tick
}

// Pipeline batches ticks from the session into the writer.
type Pipeline struct {
	cfg      Config
	writer   Writer
	fallback Fallback
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	shards []*shard
	group  errgroup.Group

	// writeCtx bounds every store write; cancelled when a drain times out.
	writeCtx    context.Context
	cancelWrite context.CancelFunc

	// write_failed events go through events to one sender goroutine so a
	// slow notifier never holds up a shard.
	events       chan notify.Event
	stopNotify   chan struct{}
	notifyDone   chan struct{}
	cancelNotify context.CancelFunc

	// abandoned is set when the spill outlives SpillTimeout; shards then
	// count what is left as lost.
	abandoned atomic.Bool
	spilled   atomic.Int64

	mu      sync.RWMutex
	started bool
	closed  bool

	published     atomic.Int64
	written       atomic.Int64
	deduped       atomic.Int64
	unknown       atomic.Int64
	retries       atomic.Int64
	failedBatches atomic.Int64
	fallbackRows  atomic.Int64
	lost          atomic.Int64
	dropped       atomic.Int64
}

// New creates a pipeline. A nil notifier discards events.
func New(cfg Config, w Writer, fb Fallback, n notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Nop{}
	}
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < cfg.Workers {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.BatchMaxSize < 1 {
		cfg.BatchMaxSize = def.BatchMaxSize
	}
	if cfg.BatchMaxInterval <= 0 {
		cfg.BatchMaxInterval = def.BatchMaxInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.SpillTimeout <= 0 {
		cfg.SpillTimeout = def.SpillTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}

	p := &Pipeline{
		cfg:      cfg,
		writer:   w,
		fallback: fb,
		notifier: n,
		metrics:  m,
		logger:   logger,
		shards:   make([]*shard, cfg.Workers),
		events:   make(chan notify.Event, notifyBacklog),
	}
	perShard := cfg.QueueCapacity / cfg.Workers
	for i := range p.shards {
		p.shards[i] = &shard{id: i, in: make(chan model.Tick, perShard)}
	}
	return p
}

// Start launches the workers. Writes run under a context detached from
// ctx's cancellation so that stopping the session still lets queued ticks
// be written; only Drain's deadline cancels them.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline already started")
	}
	p.started = true
	p.writeCtx, p.cancelWrite = context.WithCancel(context.WithoutCancel(ctx))

	var notifyCtx context.Context
	notifyCtx, p.cancelNotify = context.WithCancel(context.WithoutCancel(ctx))
	p.stopNotify = make(chan struct{})
	p.notifyDone = make(chan struct{})
	go p.runNotifier(notifyCtx)

	for _, sh := range p.shards {
		p.group.Go(func() error {
			p.runShard(sh)
			return nil
		})
	}

	p.logger.Info("pipeline started",
		"workers", p.cfg.Workers,
		"queue_capacity", p.cfg.QueueCapacity,
		"batch_max_size", p.cfg.BatchMaxSize,
		"batch_max_interval", p.cfg.BatchMaxInterval,
	)
	return nil
}

// Publish enqueues t on its instrument's shard. It blocks while the shard is
// full and gives up with ErrBackpressure after the publish timeout.
func (p *Pipeline) Publish(ctx context.Context, t model.Tick) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.closed {
		return ErrClosed
	}

	sh := p.shards[int(t.InstrumentToken%uint32(len(p.shards)))]
	select {
	case sh.in <- t:
		p.accepted()
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case sh.in <- t:
		p.accepted()
		return nil
	case <-timer.C:
		return fmt.Errorf("%w (shard %d, waited %s)", ErrBackpressure, sh.id, p.cfg.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) accepted() {
	p.published.Add(1)
	p.metrics.RecordPublished()
}

// Drain stops intake and waits for every queued tick to be written. If ctx
// or the drain timeout expires first, in-flight writes are cancelled, the
// rest of the queue goes to the fallback log and ErrDrainTimeout is returned.
// The spill is itself bounded by SpillTimeout; ticks still queued after that
// are counted as lost. Pending notifications get NotifyTimeout to go out.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, sh := range p.shards {
		close(sh.in)
	}
	p.mu.Unlock()

	if p.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DrainTimeout)
		defer cancel()
	}

	p.logger.Info("draining pipeline", "queued", p.queueDepth())

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("drain timed out, diverting remaining ticks to fallback", "queued", p.queueDepth())
		p.cancelWrite()
		err = ErrDrainTimeout

		spill := time.NewTimer(p.cfg.SpillTimeout)
		select {
		case <-done:
		case <-spill.C:
			p.abandoned.Store(true)
			p.logger.Error("fallback spill timed out, abandoning queued ticks",
				"queued", p.queueDepth(),
				"spill_timeout", p.cfg.SpillTimeout,
			)
		}
		spill.Stop()
	}
	p.cancelWrite()

	if n := p.spilled.Load(); n > 0 {
		p.enqueue(notify.NewEvent(p.cfg.SessionID, notify.KindWriteFailed,
			fmt.Sprintf("%d ticks diverted to fallback log after drain timeout", n),
			map[string]any{"rows": n, "reason": "drain timeout"},
		))
	}
	p.flushNotifications()

	stats := p.Stats()
	p.logger.Info("pipeline drained",
		"published", stats.Published,
		"written", stats.Written,
		"deduped", stats.Deduped,
		"fallback_rows", stats.FallbackRows,
		"lost", stats.Lost,
	)
	return err
}

// Stats returns current statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Published:     p.published.Load(),
		Written:       p.written.Load(),
		Deduped:       p.deduped.Load(),
		Unknown:       p.unknown.Load(),
		Retries:       p.retries.Load(),
		FailedBatches: p.failedBatches.Load(),
		FallbackRows:  p.fallbackRows.Load(),
		Lost:          p.lost.Load(),
		DroppedEvents: p.dropped.Load(),
		QueueDepth:    p.queueDepth(),
	}
}

func (p *Pipeline) queueDepth() int {
	n := 0
	for _, sh := range p.shards {
		n += len(sh.in)
	}
	return n
}

// runShard accumulates a batch until it is full or the interval elapses.
// It returns once the shard's queue is closed and empty.
func (p *Pipeline) runShard(sh *shard) {
	ticker := time.NewTicker(p.cfg.BatchMaxInterval)
	defer ticker.Stop()

	batch := model.NewBatch(p.cfg.BatchMaxSize)
	for {
		select {
		case t, ok := <-sh.in:
			if !ok {
				p.flush(sh, batch)
				return
			}
			if p.abandoned.Load() {
				p.lost.Add(1)
				continue
			}
			batch.Add(t)
			if batch.Len() >= p.cfg.BatchMaxSize {
				p.flush(sh, batch)
				batch = model.NewBatch(p.cfg.BatchMaxSize)
			}

		case <-ticker.C:
			p.metrics.SetQueueDepth(p.queueDepth())
			if batch.Len() > 0 {
				p.flush(sh, batch)
				batch = model.NewBatch(p.cfg.BatchMaxSize)
			}
		}
	}
}

// flush writes batch, retrying in place, and falls back to the local log
// once retries are exhausted or writes have been cancelled.
func (p *Pipeline) flush(sh *shard, batch *model.Batch) {
	if batch.Len() == 0 {
		return
	}
	if d := batch.Received() - batch.Len(); d > 0 {
		p.deduped.Add(int64(d))
		p.metrics.RecordDeduped(d)
	}

	var lastErr error
	delay := p.cfg.RetryBaseDelay
	for attempt := 0; attempt <= p.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			p.metrics.RecordRetry()
			// delay * (0.5 to 1.5)
			wait := delay/2 + time.Duration(rand.Int64N(int64(delay)+1))
			p.logger.Debug("retrying batch write",
				"shard", sh.id,
				"attempt", attempt,
				"backoff", wait,
				"rows", batch.Len(),
			)
			if !p.sleep(wait) {
				break
			}
			delay *= 2
		}
		if p.writeCtx.Err() != nil {
			lastErr = p.writeCtx.Err()
			break
		}

		start := time.Now()
		res, err := p.writer.Write(p.writeCtx, batch)
		if err == nil {
			p.written.Add(int64(res.Rows))
			p.unknown.Add(int64(res.Unknown))
			p.metrics.RecordBatchWritten(res.Rows, res.Unknown, time.Since(start))
			p.logger.Debug("batch written",
				"shard", sh.id,
				"rows", res.Rows,
				"duration", time.Since(start),
			)
			return
		}
		lastErr = err
		p.logger.Warn("batch write failed",
			"shard", sh.id,
			"attempt", attempt+1,
			"rows", batch.Len(),
			"error", err,
		)
	}
	if lastErr == nil {
		lastErr = p.writeCtx.Err()
	}

	p.divert(sh, batch.Ticks(), lastErr)
}

// sleep waits d unless writes are cancelled first.
func (p *Pipeline) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.writeCtx.Done():
		return false
	}
}

func (p *Pipeline) divert(sh *shard, ticks []model.Tick, cause error) {
	n := len(ticks)
	p.failedBatches.Add(1)

	if p.abandoned.Load() {
		p.lost.Add(int64(n))
		return
	}

	reason := "write failed"
	if errors.Is(cause, context.Canceled) {
		reason = "drain timeout"
	}

	if p.fallback == nil {
		p.lost.Add(int64(n))
		p.logger.Error("batch lost: no fallback log configured", "shard", sh.id, "rows", n, "error", cause)
		return
	}
	stored, err := p.fallback.Append(reason, ticks)
	stored = min(max(stored, 0), n)
	p.fallbackRows.Add(int64(stored))
	if stored > 0 {
		p.metrics.RecordFallback(stored)
	}
	if err != nil {
		p.lost.Add(int64(n - stored))
		p.logger.Error("batch lost: fallback append failed",
			"shard", sh.id,
			"rows", n,
			"appended", stored,
			"error", err,
		)
		return
	}

	p.logger.Error("batch diverted to fallback log", "shard", sh.id, "rows", n, "reason", reason, "error", cause)

	// one summary event is sent for the whole spill once Drain finishes
	if reason == "drain timeout" {
		p.spilled.Add(int64(n))
		return
	}
	p.enqueue(notify.NewEvent(p.cfg.SessionID, notify.KindWriteFailed,
		fmt.Sprintf("%d ticks diverted to fallback log", n),
		map[string]any{"rows": n, "reason": reason, "error": fmt.Sprint(cause)},
	))
}

// enqueue hands ev to the sender goroutine without blocking.
func (p *Pipeline) enqueue(ev notify.Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
		p.logger.Warn("notification backlog full, dropping event", "kind", ev.Kind)
	}
}

func (p *Pipeline) runNotifier(ctx context.Context) {
	defer close(p.notifyDone)
	for {
		select {
		case ev := <-p.events:
			p.send(ctx, ev)
		case <-p.stopNotify:
			for {
				select {
				case ev := <-p.events:
					p.send(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) send(ctx context.Context, ev notify.Event) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.NotifyTimeout)
	defer cancel()
	if err := p.notifier.Notify(ctx, ev); err != nil {
		p.logger.Warn("notification failed", "kind", ev.Kind, "error", err)
	}
}

// flushNotifications gives the backlog NotifyTimeout to go out, then cancels
// whatever send is still in flight.
func (p *Pipeline) flushNotifications() {
	close(p.stopNotify)
	timer := time.NewTimer(p.cfg.NotifyTimeout)
	defer timer.Stop()
	select {
	case <-p.notifyDone:
	case <-timer.C:
		p.logger.Warn("notifications still pending after drain, abandoning", "pending", len(p.events))
	}
	p.cancelNotify()
}
