// Package usage buffers per-credential usage events and writes them to the
// durable store in batches, off the request path.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devoter-xyz/devoter-api/internal/models"
)

const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second

	pendingBatches = 8
)

var eventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "devoter_usage_events_total",
		Help: "Usage events by final disposition",
	},
	[]string{"result"},
)

// Writer persists a batch of events. repository.UsageRepository satisfies it.
type Writer interface {
	InsertBatch(ctx context.Context, events []models.UsageEvent) error
}

// Stats is a point-in-time view of the recorder counters.
type Stats struct {
	Queued  int   `json:"queued"`
	Flushed int64 `json:"flushed"`
	Dropped int64 `json:"dropped"`
}

// Recorder buffers events and flushes when the batch fills, when the flush
// interval has elapsed since the first unflushed event, or on Stop. Failed
// writes are logged and the batch is dropped.
type Recorder struct {
	writer       Writer
	batchSize    int
	interval     time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	buf     []models.UsageEvent
	gen     uint64
	timer   *time.Timer
	started bool
	stopped bool

	batches  chan []models.UsageEvent
	done     chan struct{}
	stopOnce sync.Once

	flushed atomic.Int64
	dropped atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBatchSize sets the size that triggers an immediate flush.
func WithBatchSize(n int) Option {
	return func(r *Recorder) { r.batchSize = n }
}

// WithFlushInterval sets the maximum time an event waits in the buffer.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) { r.interval = d }
}

// WithWriteTimeout bounds each batch write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.writeTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder creates a recorder writing to w. Call Start before serving.
func NewRecorder(w Writer, opts ...Option) *Recorder {
	r := &Recorder{
		writer:       w,
		batchSize:    DefaultBatchSize,
		interval:     DefaultFlushInterval,
		writeTimeout: DefaultWriteTimeout,
		batches:      make(chan []models.UsageEvent, pendingBatches),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.interval <= 0 {
		r.interval = DefaultFlushInterval
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Start launches the writer goroutine. Calling Start twice is a no-op.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.run()
}

// Record enqueues e and returns immediately. Events recorded after Stop are
// dropped.
func (r *Recorder) Record(e models.UsageEvent) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		r.drop(1)
		return
	}

	r.buf = append(r.buf, e)
	if len(r.buf) >= r.batchSize {
		r.dispatchLocked(r.takeLocked())
		return
	}
	if len(r.buf) == 1 {
		gen := r.gen
		r.timer = time.AfterFunc(r.interval, func() { r.flushTimer(gen) })
	}
}

// Flush dispatches whatever is buffered without waiting for the write.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || len(r.buf) == 0 {
		return
	}
	r.dispatchLocked(r.takeLocked())
}

func (r *Recorder) flushTimer(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A size flush or Stop already took this buffer.
	if r.stopped || gen != r.gen || len(r.buf) == 0 {
		return
	}
	r.dispatchLocked(r.takeLocked())
}

// takeLocked detaches the buffer and invalidates its pending timer.
func (r *Recorder) takeLocked() []models.UsageEvent {
	batch := r.buf
	r.buf = nil
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return batch
}

// dispatchLocked hands batch to the writer goroutine without blocking. A
// full queue drops the batch.
func (r *Recorder) dispatchLocked(batch []models.UsageEvent) {
	if !r.started {
		r.write(batch)
		return
	}
	select {
	case r.batches <- batch:
	default:
		r.logger.Warn("usage queue full, dropping batch", slog.Int("events", len(batch)))
		r.drop(len(batch))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for batch := range r.batches {
		r.write(batch)
	}
}

func (r *Recorder) write(batch []models.UsageEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.writer.InsertBatch(ctx, batch); err != nil {
		r.logger.Error("usage flush failed",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()),
		)
		r.drop(len(batch))
		return
	}
	r.flushed.Add(int64(len(batch)))
	eventsTotal.WithLabelValues("flushed").Add(float64(len(batch)))
}

func (r *Recorder) drop(n int) {
	r.dropped.Add(int64(n))
	eventsTotal.WithLabelValues("dropped").Add(float64(n))
}

// Stop performs a final flush and waits for in-flight writes. It is safe to
// call more than once.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		final := r.takeLocked()
		started := r.started
		r.mu.Unlock()

		if !started {
			r.write(final)
			return
		}
		// No sender remains once stopped is set, so a blocking send and close are safe.
		if len(final) > 0 {
			r.batches <- final
		}
		close(r.batches)
		<-r.done
	})
}

// Stats returns the current counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	queued := len(r.buf)
	r.mu.Unlock()
	return Stats{
		Queued:  queued,
		Flushed: r.flushed.Load(),
		Dropped: r.dropped.Load(),
	}
}
