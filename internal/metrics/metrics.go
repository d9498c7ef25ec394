package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zdc"

// sessionStatuses are the values of the session_status label.
var sessionStatuses = []string{"IDLE", "CONNECTING", "STREAMING", "RECONNECTING", "DRAINING", "STOPPED"}

// Metrics holds every collector metric.
type Metrics struct {
	FramesReceived  prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	TicksDecoded    prometheus.Counter
	Reconnects      prometheus.Counter
	SessionStatus   *prometheus.GaugeVec
	LastTickAge     prometheus.Gauge
	TicksPublished  prometheus.Counter
	QueueDepth      prometheus.Gauge
	RowsDeduped     prometheus.Counter
	RowsWritten     prometheus.Counter
	BatchSize       prometheus.Histogram
	WriteLatency    prometheus.Histogram
	WriteRetries    prometheus.Counter
	WriteFailures   prometheus.Counter
	FallbackRows    prometheus.Counter
	UnknownTokens   prometheus.Counter
	InstrumentCount *prometheus.GaugeVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Binary frames received from the ticker, heartbeats included",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded without producing ticks",
		}, []string{"reason"}),
		TicksDecoded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_decoded_total",
			Help:      "Ticks decoded from binary frames",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by the streaming session",
		}),
		SessionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current session status, 0 otherwise",
		}, []string{"status"}),
		LastTickAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_unix_seconds",
			Help:      "Receive time of the most recent tick",
		}),
		TicksPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_published_total",
			Help:      "Ticks accepted by the ingestion pipeline",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_queue_depth",
			Help:      "Ticks waiting in pipeline shard queues",
		}),
		RowsDeduped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_deduped_total",
			Help:      "Ticks replaced by a later tick with the same key in one batch",
		}),
		RowsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows upserted into the tick store",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_rows",
			Help:      "Rows per written batch",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		WriteLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_seconds",
			Help:      "Time to commit one batch transaction",
			Buckets:   prometheus.DefBuckets,
		}),
		WriteRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_retries_total",
			Help:      "Batch write retries after a failed transaction",
		}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Batches that exhausted retries",
		}),
		FallbackRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_rows_total",
			Help:      "Ticks appended to the local fallback log",
		}),
		UnknownTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_token_ticks_total",
			Help:      "Ticks skipped because their token is not in the registry",
		}),
		InstrumentCount: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instruments",
			Help:      "Instruments in the registry by class",
		}, []string{"class"}),
	}
}

// RecordFrame counts one received frame and the ticks it carried.
func (m *Metrics) RecordFrame(ticks int) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	m.TicksDecoded.Add(float64(ticks))
}

// RecordDroppedFrame counts a discarded frame.
func (m *Metrics) RecordDroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordReconnect counts a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetSessionStatus marks status as the current session status.
func (m *Metrics) SetSessionStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range sessionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.SessionStatus.WithLabelValues(s).Set(v)
	}
}

// RecordTickReceived sets the last tick receive time.
func (m *Metrics) RecordTickReceived(at time.Time) {
	if m == nil {
		return
	}
	m.LastTickAge.Set(float64(at.Unix()))
}

// RecordPublished counts a tick accepted by the pipeline.
func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.TicksPublished.Inc()
}

// SetQueueDepth reports the pipeline backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordDeduped counts ticks collapsed by batch dedup.
func (m *Metrics) RecordDeduped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RowsDeduped.Add(float64(n))
}

// RecordBatchWritten records a committed batch.
func (m *Metrics) RecordBatchWritten(rows, unknown int, d time.Duration) {
	if m == nil {
		return
	}
	m.RowsWritten.Add(float64(rows))
	m.BatchSize.Observe(float64(rows))
	m.WriteLatency.Observe(d.Seconds())
	if unknown > 0 {
		m.UnknownTokens.Add(float64(unknown))
	}
}

// RecordRetry counts a batch write retry.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.WriteRetries.Inc()
}

// RecordFallback counts a failed batch and the rows spilled to fallback.
func (m *Metrics) RecordFallback(rows int) {
	if m == nil {
		return
	}
	m.WriteFailures.Inc()
	m.FallbackRows.Add(float64(rows))
}

// SetInstruments reports registry size for one class.
func (m *Metrics) SetInstruments(class string, n int) {
	if m == nil {
		return
	}
	m.InstrumentCount.WithLabelValues(class).Set(float64(n))
}
