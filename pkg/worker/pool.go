// Package worker provides a generic bounded worker pool for concurrent
// record processing. The unregistered-event consumer uses it to fan out
// records from the durable log without blocking the poll loop.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/metric"
)

// Pool processes work items of type T on a fixed set of worker goroutines
// fed from a bounded queue. Submission never blocks: when the queue is full
// the item is rejected with ErrQueueFull and the caller decides whether to
// drop or redeliver.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	// Processing context for the workers. Detached from the start
	// context's cancellation: an accepted item was acknowledged upstream
	// and must be processed even while shutdown is underway. Stop bounds
	// the drain instead.
	baseCtx context.Context

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64

	logger  *slog.Logger
	metrics *poolMetrics
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	rejected       prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithLogger sets the logger used for worker-level events such as
// recovered processor panics.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics registers pool metrics with the registry under the given
// component name.
func WithMetrics[T any](registry *metric.MetricsRegistry, component string) Option[T] {
	return func(p *Pool[T]) {
		if registry == nil {
			return
		}
		m := &poolMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "devicestreams",
				Subsystem: "worker_pool",
				Name:      "queue_depth",
				Help:      "Current worker pool queue depth",
				ConstLabels: prometheus.Labels{
					"component": component,
				},
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "devicestreams",
				Subsystem: "worker_pool",
				Name:      "submitted_total",
				Help:      "Total work items submitted",
				ConstLabels: prometheus.Labels{
					"component": component,
				},
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "devicestreams",
				Subsystem: "worker_pool",
				Name:      "processed_total",
				Help:      "Total work items processed",
				ConstLabels: prometheus.Labels{
					"component": component,
				},
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "devicestreams",
				Subsystem: "worker_pool",
				Name:      "failed_total",
				Help:      "Total work items whose processor returned an error",
				ConstLabels: prometheus.Labels{
					"component": component,
				},
			}),
			rejected: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "devicestreams",
				Subsystem: "worker_pool",
				Name:      "rejected_total",
				Help:      "Total work items rejected because the queue was full",
				ConstLabels: prometheus.Labels{
					"component": component,
				},
			}),
			processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "devicestreams",
				Subsystem: "worker_pool",
				Name:      "processing_duration_seconds",
				Help:      "Time spent processing work items",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
				ConstLabels: prometheus.Labels{
					"component": component,
				},
			}, []string{"status"}),
		}
		_ = registry.RegisterGauge(component, "pool_queue_depth", m.queueDepth)
		_ = registry.RegisterCounter(component, "pool_submitted", m.submitted)
		_ = registry.RegisterCounter(component, "pool_processed", m.processed)
		_ = registry.RegisterCounter(component, "pool_failed", m.failed)
		_ = registry.RegisterCounter(component, "pool_rejected", m.rejected)
		_ = registry.RegisterHistogramVec(component, "pool_processing_duration", m.processingTime)
		p.metrics = m
	}
}

// NewPool creates a worker pool. The processor is invoked once per submitted
// item; its error is recorded in pool statistics but never stops the pool.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		logger:    slog.Default().With("component", "worker-pool"),
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// Start launches the worker goroutines.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.baseCtx = context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.started = true
	return nil
}

// Submit offers work to the pool without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.rejected.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for in-flight work to
// finish. Workers still running past the deadline are abandoned, not
// cancelled; ErrStopTimeout tells the caller that happened.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		Panicked:   p.panicked.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
	Panicked   int64 `json:"panicked"`
}

// worker drains the queue until it is closed. It deliberately does not
// watch any cancellation signal: every queued item was accepted, and an
// accepted item is processed exactly once or not at all within Stop's
// grace, never silently dropped.
func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for work := range p.workChan {
		p.runOne(work)
	}
}

func (p *Pool[T]) runOne(work T) {
	start := time.Now()
	err := p.invoke(work)
	duration := time.Since(start)

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// invoke runs the processor with a panic guard. One bad record must not
// take down the worker, let alone the process.
func (p *Pool[T]) invoke(work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("processor panicked", "panic", r)
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.processor(p.baseCtx, work)
}
