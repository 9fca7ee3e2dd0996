// Package pool provides an elastic worker pool.
//
// Units (goroutines) are spawned on demand up to MaxSize and drain an
// unbounded FIFO queue. A unit that stays idle longer than IdleTimeout
// exits while the pool is larger than CoreSize, so steady-state
// concurrency stays low while bursts are absorbed. Submit never blocks.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/sirupsen/logrus"
)

// Default sizing
const (
	DefaultCoreSize    = 0
	DefaultMaxSize     = 16
	DefaultIdleTimeout = 60 * time.Second
)

// Config sizes a pool
type Config struct {
	CoreSize    int
	MaxSize     int
	IdleTimeout time.Duration
}

// Pool runs work items of type T on an elastic set of units
type Pool[T any] struct {
	cfg       Config
	processor func(context.Context, T) error

	mu     sync.Mutex
	queue  []T
	size   int
	idle   int
	closed bool

	wake chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	processed int64
	failed    int64
	active    int64

	metrics *Metrics
}

// Option configures a pool
type Option[T any] func(*Pool[T])

// WithMetrics attaches Prometheus metrics to the pool
func WithMetrics[T any](m *Metrics) Option[T] {
	return func(p *Pool[T]) {
		p.metrics = m
	}
}

// New creates a pool. processor runs once per work item; its error is
// counted and logged, never propagated.
func New[T any](cfg Config, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.CoreSize < 0 {
		cfg.CoreSize = DefaultCoreSize
	}
	if cfg.CoreSize > cfg.MaxSize {
		cfg.CoreSize = cfg.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if processor == nil {
		panic("pool: nil processor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		cfg:       cfg,
		processor: processor,
		wake:      make(chan struct{}, cfg.MaxSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues item. It wakes an idle unit if there is one, otherwise
// spawns a unit while the pool is below MaxSize; else the item waits for
// the next free unit.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errs.ErrPoolStopped
	}

	p.queue = append(p.queue, item)
	atomic.AddInt64(&p.submitted, 1)

	switch {
	case p.idle > 0:
		select {
		case p.wake <- struct{}{}:
		default:
		}
	case p.size < p.cfg.MaxSize:
		p.size++
		p.wg.Add(1)
		go p.unit()
	}

	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(len(p.queue)))
		p.metrics.units.Set(float64(p.size))
	}
	return nil
}

// unit drains the queue until it has been idle for IdleTimeout while the
// pool is above CoreSize, or until the pool stops.
func (p *Pool[T]) unit() {
	defer p.wg.Done()

	timer := time.NewTimer(p.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			item := p.queue[0]
			var zero T
			p.queue[0] = zero
			p.queue = p.queue[1:]
			if p.metrics != nil {
				p.metrics.queueDepth.Set(float64(len(p.queue)))
			}
			p.mu.Unlock()

			p.run(item)
			continue
		}
		if p.closed {
			p.size--
			p.mu.Unlock()
			return
		}
		p.idle++
		p.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.IdleTimeout)

		select {
		case <-p.wake:
			p.mu.Lock()
			p.idle--
			p.mu.Unlock()

		case <-p.ctx.Done():
			p.mu.Lock()
			p.idle--
			p.mu.Unlock()

		case <-timer.C:
			p.mu.Lock()
			p.idle--
			if len(p.queue) == 0 && p.size > p.cfg.CoreSize {
				p.size--
				if p.metrics != nil {
					p.metrics.units.Set(float64(p.size))
				}
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool[T]) run(item T) {
	atomic.AddInt64(&p.active, 1)
	if p.metrics != nil {
		p.metrics.active.Inc()
	}
	start := time.Now()

	err := p.safeProcess(item)

	atomic.AddInt64(&p.active, -1)
	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		logger.ForComponent("pool").WithField("error", err).Debug("work-item-failed")
	}

	if p.metrics != nil {
		p.metrics.active.Dec()
		p.metrics.processed.Inc()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.duration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

func (p *Pool[T]) safeProcess(item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ForComponent("pool").WithFields(logrus.Fields{
				"panic": r,
			}).Error("work-item-panic-recovered")
			err = &errs.DispatchError{Handler: "<work-item>", Panic: r}
		}
	}()
	return p.processor(p.ctx, item)
}

// Stop refuses new work, lets units finish the queued items and waits up
// to timeout for them to exit. In-flight items are not interrupted; a
// stuck item keeps its unit until it returns.
func (p *Pool[T]) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	for i := 0; i < p.idle; i++ {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return true
	case <-timer.C:
		p.cancel()
		return false
	}
}

// Size returns the number of live units
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Stats is a snapshot of pool counters
type Stats struct {
	Units     int   `json:"units"`
	Idle      int   `json:"idle"`
	Queued    int   `json:"queued"`
	Active    int64 `json:"active"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	units, idle, queued := p.size, p.idle, len(p.queue)
	p.mu.Unlock()

	return Stats{
		Units:     units,
		Idle:      idle,
		Queued:    queued,
		Active:    atomic.LoadInt64(&p.active),
		Submitted: atomic.LoadInt64(&p.submitted),
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}
