package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Metrics holds process counters. Counters are plain atomics so the hot
// read path never takes a lock; Registry exposes them to Prometheus.
type Metrics struct {
	startTime time.Time

	// Storage adapter
	vfsReadsTotal      atomic.Int64
	vfsReadBytesTotal  atomic.Int64
	vfsSeeksTotal      atomic.Int64
	vfsShortReadsTotal atomic.Int64
	vfsIOErrorsTotal   atomic.Int64

	// Catalog
	filesOpenedTotal atomic.Int64
	channelsLoaded   atomic.Int64
	channelsSkipped  atomic.Int64

	// Playback
	iteratorsCreatedTotal atomic.Int64
	iteratorsActive       atomic.Int64
	windowsScannedTotal   atomic.Int64
	messagesEmittedTotal  atomic.Int64
	messageBytesTotal     atomic.Int64
	decodeErrorsTotal     atomic.Int64
	pendingPeak           atomic.Int64
	backfillQueriesTotal  atomic.Int64
	backfillMessagesTotal atomic.Int64

	// HTTP
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
	httpLatencySum    atomic.Int64 // microseconds
	httpLatencyCount  atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics.
func Get() *Metrics {
	once.Do(func() {
		instance = New(zerolog.Nop())
	})
	return instance
}

// Init sets up the process-wide metrics with a logger. Later calls return
// the existing instance.
func Init(logger zerolog.Logger) *Metrics {
	once.Do(func() {
		instance = New(logger)
	})
	return instance
}

// New returns an independent set of counters.
func New(logger zerolog.Logger) *Metrics {
	return &Metrics{startTime: time.Now(), logger: logger.With().Str("component", "metrics").Logger()}
}

// ObserveRead records one storage adapter read.
func (m *Metrics) ObserveRead(bytes int64, seeked, short bool) {
	m.vfsReadsTotal.Add(1)
	m.vfsReadBytesTotal.Add(bytes)
	if seeked {
		m.vfsSeeksTotal.Add(1)
	}
	if short {
		m.vfsShortReadsTotal.Add(1)
	}
}

func (m *Metrics) ObserveIOError() { m.vfsIOErrorsTotal.Add(1) }

func (m *Metrics) IncFilesOpened() { m.filesOpenedTotal.Add(1) }

func (m *Metrics) AddChannels(loaded, skipped int) {
	m.channelsLoaded.Add(int64(loaded))
	m.channelsSkipped.Add(int64(skipped))
}

func (m *Metrics) IteratorOpened() {
	m.iteratorsCreatedTotal.Add(1)
	m.iteratorsActive.Add(1)
}

func (m *Metrics) IteratorClosed()   { m.iteratorsActive.Add(-1) }
func (m *Metrics) IncWindows()       { m.windowsScannedTotal.Add(1) }
func (m *Metrics) IncDecodeErrors()  { m.decodeErrorsTotal.Add(1) }
func (m *Metrics) IncBackfill(n int) { m.backfillQueriesTotal.Add(1); m.backfillMessagesTotal.Add(int64(n)) }

func (m *Metrics) IncMessages(bytes int) {
	m.messagesEmittedTotal.Add(1)
	m.messageBytesTotal.Add(int64(bytes))
}

// ObservePending keeps the high-water mark of buffered messages.
func (m *Metrics) ObservePending(n int) {
	for {
		cur := m.pendingPeak.Load()
		if int64(n) <= cur || m.pendingPeak.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

func (m *Metrics) RecordHTTP(durationMicros int64, failed bool) {
	m.httpRequestsTotal.Add(1)
	if failed {
		m.httpErrorsTotal.Add(1)
	}
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
}

// Snapshot returns current values for JSON endpoints and logs.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"uptime_seconds":          int64(time.Since(m.startTime).Seconds()),
		"goroutines":              int64(runtime.NumGoroutine()),
		"vfs_reads_total":         m.vfsReadsTotal.Load(),
		"vfs_read_bytes_total":    m.vfsReadBytesTotal.Load(),
		"vfs_seeks_total":         m.vfsSeeksTotal.Load(),
		"vfs_short_reads_total":   m.vfsShortReadsTotal.Load(),
		"vfs_io_errors_total":     m.vfsIOErrorsTotal.Load(),
		"files_opened_total":      m.filesOpenedTotal.Load(),
		"channels_loaded":         m.channelsLoaded.Load(),
		"channels_skipped":        m.channelsSkipped.Load(),
		"iterators_created_total": m.iteratorsCreatedTotal.Load(),
		"iterators_active":        m.iteratorsActive.Load(),
		"windows_scanned_total":   m.windowsScannedTotal.Load(),
		"messages_emitted_total":  m.messagesEmittedTotal.Load(),
		"message_bytes_total":     m.messageBytesTotal.Load(),
		"decode_errors_total":     m.decodeErrorsTotal.Load(),
		"pending_peak":            m.pendingPeak.Load(),
		"backfill_queries_total":  m.backfillQueriesTotal.Load(),
		"backfill_messages_total": m.backfillMessagesTotal.Load(),
		"http_requests_total":     m.httpRequestsTotal.Load(),
		"http_errors_total":       m.httpErrorsTotal.Load(),
		"http_latency_sum_us":     m.httpLatencySum.Load(),
		"http_latency_count":      m.httpLatencyCount.Load(),
	}
}

// Registry returns a Prometheus registry whose collectors read these
// counters at scrape time.
func (m *Metrics) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, v *atomic.Int64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "arcplay", Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) }))
	}
	gauge := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "arcplay", Name: name, Help: help,
		}, fn))
	}

	gauge("uptime_seconds", "Time since the process started", func() float64 { return time.Since(m.startTime).Seconds() })
	gauge("goroutines", "Number of goroutines", func() float64 { return float64(runtime.NumGoroutine()) })

	counter("vfs_reads_total", "Storage adapter reads", &m.vfsReadsTotal)
	counter("vfs_read_bytes_total", "Bytes returned by the underlying readers", &m.vfsReadBytesTotal)
	counter("vfs_seeks_total", "Reader repositions", &m.vfsSeeksTotal)
	counter("vfs_short_reads_total", "Reads zero-filled past the end of data", &m.vfsShortReadsTotal)
	counter("vfs_io_errors_total", "Hard reader failures", &m.vfsIOErrorsTotal)

	counter("files_opened_total", "Files opened", &m.filesOpenedTotal)
	gauge("channels_loaded", "Channels indexed across opened files", func() float64 { return float64(m.channelsLoaded.Load()) })
	gauge("channels_skipped", "Datasets skipped with a diagnostic", func() float64 { return float64(m.channelsSkipped.Load()) })

	counter("iterators_created_total", "Iterators created", &m.iteratorsCreatedTotal)
	gauge("iterators_active", "Iterators not yet closed", func() float64 { return float64(m.iteratorsActive.Load()) })
	counter("windows_scanned_total", "Merge windows scanned", &m.windowsScannedTotal)
	counter("messages_emitted_total", "Messages returned by iterators", &m.messagesEmittedTotal)
	counter("message_bytes_total", "Payload bytes returned by iterators", &m.messageBytesTotal)
	counter("decode_errors_total", "Records that failed to decode", &m.decodeErrorsTotal)
	gauge("pending_peak", "Most messages buffered by one window", func() float64 { return float64(m.pendingPeak.Load()) })
	counter("backfill_queries_total", "Backfill queries", &m.backfillQueriesTotal)
	counter("backfill_messages_total", "Messages returned by backfill", &m.backfillMessagesTotal)

	counter("http_requests_total", "HTTP requests", &m.httpRequestsTotal)
	counter("http_errors_total", "HTTP requests answered with an error", &m.httpErrorsTotal)
	gauge("http_latency_avg_seconds", "Mean HTTP latency", func() float64 {
		n := m.httpLatencyCount.Load()
		if n == 0 {
			return 0
		}
		return float64(m.httpLatencySum.Load()) / float64(n) / 1e6
	})
	return reg
}
