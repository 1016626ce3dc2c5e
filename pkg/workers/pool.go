// Package workers runs module method calls on a pool of single-task
// executors. The pool grows and shrinks against measured CPU load and
// every dispatch carries a hard per-call deadline.
package workers

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/logger"
)

// Pool sizing and supervision defaults.
const (
	// DefaultCallTimeout bounds one dispatched invocation.
	DefaultCallTimeout = 30 * time.Second
	// DefaultSampleInterval is how often CPU load is measured.
	DefaultSampleInterval = 5 * time.Second
	// growThreshold and shrinkThreshold are average CPU percentages.
	growThreshold   = 80.0
	shrinkThreshold = 30.0
)

// DefaultMaxWorkers leaves one CPU for the kernel and the HTTP surface.
func DefaultMaxWorkers() int {
	if n := runtime.NumCPU() - 1; n > 2 {
		return n
	}
	return 2
}

// Config tunes a pool. Zero values select the defaults.
type Config struct {
	MinWorkers     int
	MaxWorkers     int
	CallTimeout    time.Duration
	SampleInterval time.Duration

	// CPUPercent reports the average CPU usage since the last call.
	// Overridable in tests; defaults to gopsutil.
	CPUPercent func(ctx context.Context) (float64, error)
}

// Pool owns the workers and the supervision loop.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	workers []*worker
	closed  bool

	stopSupervisor context.CancelFunc
	supervisorDone chan struct{}
}

// NewPool creates a stopped pool. Call Start to spawn the minimum
// workers and begin load supervision.
func NewPool(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers()
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		cfg.MinWorkers = cfg.MaxWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.CPUPercent == nil {
		cfg.CPUPercent = systemCPUPercent
	}
	return &Pool{cfg: cfg}
}

func systemCPUPercent(ctx context.Context) (float64, error) {
	// interval 0 measures since the previous call, so the sampling
	// loop itself provides the window
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// Start spawns the minimum workers and the supervision loop. The loop
// stops when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.NewLifecycleError("worker pool already stopped", nil)
	}
	for len(p.workers) < p.cfg.MinWorkers {
		p.workers = append(p.workers, newWorker())
	}
	poolSizeGauge.Set(float64(len(p.workers)))
	p.mu.Unlock()

	superCtx, cancel := context.WithCancel(ctx)
	p.stopSupervisor = cancel
	p.supervisorDone = make(chan struct{})
	go p.supervise(superCtx)
	return nil
}

// Dispatch runs the method on the least-loaded worker and waits for the
// typed reply. A call that exceeds the pool's timeout returns a
// TimeoutError and marks the worker suspect; the supervision loop
// retires suspect workers.
func (p *Pool) Dispatch(ctx context.Context, method Method, args []any) (any, error) {
	w, err := p.leastLoaded()
	if err != nil {
		return nil, err
	}

	t := &task{ctx: ctx, method: method, args: args, reply: make(chan taskResult, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		w.pending.Add(-1)
		dispatchTotal.WithLabelValues("cancelled").Inc()
		return nil, errors.NewTimeoutError("dispatch cancelled", ctx.Err())
	}

	timer := time.NewTimer(p.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case res := <-t.reply:
		if res.err != nil {
			dispatchTotal.WithLabelValues("error").Inc()
			return nil, res.err
		}
		dispatchTotal.WithLabelValues("ok").Inc()
		return res.value, nil
	case <-timer.C:
		w.suspect.Store(true)
		dispatchTotal.WithLabelValues("timeout").Inc()
		logger.Warnw("worker call timed out", "worker_id", w.id)
		return nil, errors.NewTimeoutError("worker call exceeded deadline", nil)
	case <-ctx.Done():
		dispatchTotal.WithLabelValues("cancelled").Inc()
		return nil, errors.NewTimeoutError("dispatch cancelled", ctx.Err())
	}
}

// Workers snapshots the pool for introspection.
func (p *Pool) Workers() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.info())
	}
	return out
}

// Stop ends supervision and drains every worker. Queued tasks finish;
// new dispatches fail.
func (p *Pool) Stop() error {
	if p.stopSupervisor != nil {
		p.stopSupervisor()
		<-p.supervisorDone
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	g := new(errgroup.Group)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			w.close()
			<-w.exited
			return nil
		})
	}
	err := g.Wait()
	poolSizeGauge.Set(0)
	return err
}

func (p *Pool) leastLoaded() (*worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.NewLifecycleError("worker pool is stopped", nil)
	}
	var best *worker
	for _, w := range p.workers {
		if w.suspect.Load() {
			continue
		}
		if best == nil || w.pending.Load() < best.pending.Load() {
			best = w
		}
	}
	if best == nil {
		// all workers suspect: grow rather than fail the call
		best = newWorker()
		p.workers = append(p.workers, best)
		poolSizeGauge.Set(float64(len(p.workers)))
	}
	// claimed under the lock so concurrent dispatches spread out
	best.pending.Add(1)
	return best, nil
}

func (p *Pool) supervise(ctx context.Context) {
	defer close(p.supervisorDone)
	ticker := time.NewTicker(p.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.retireSuspects()
			avg, err := p.cfg.CPUPercent(ctx)
			if err != nil {
				logger.Warnw("cannot sample cpu usage", "error", err)
				continue
			}
			p.resize(avg)
		}
	}
}

// retireSuspects drains workers marked by timed-out calls and replaces
// them when the pool would fall under its minimum.
func (p *Pool) retireSuspects() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	kept := p.workers[:0]
	var retired []*worker
	for _, w := range p.workers {
		if w.suspect.Load() {
			retired = append(retired, w)
			continue
		}
		kept = append(kept, w)
	}
	p.workers = kept
	for len(p.workers) < p.cfg.MinWorkers {
		p.workers = append(p.workers, newWorker())
	}
	poolSizeGauge.Set(float64(len(p.workers)))
	for _, w := range retired {
		logger.Warnw("retiring suspect worker", "worker_id", w.id)
		go w.close()
	}
}

func (p *Pool) resize(avgCPU float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	switch {
	case avgCPU > growThreshold && len(p.workers) < p.cfg.MaxWorkers:
		p.workers = append(p.workers, newWorker())
		resizeTotal.WithLabelValues("grow").Inc()
		logger.Infow("growing worker pool", "cpu_avg", avgCPU, "workers", len(p.workers))
	case avgCPU < shrinkThreshold && len(p.workers) > p.cfg.MinWorkers:
		idx := -1
		for i, w := range p.workers {
			if w.pending.Load() == 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		w := p.workers[idx]
		p.workers = append(p.workers[:idx], p.workers[idx+1:]...)
		resizeTotal.WithLabelValues("shrink").Inc()
		logger.Infow("shrinking worker pool", "cpu_avg", avgCPU, "workers", len(p.workers))
		go w.close()
	}
	poolSizeGauge.Set(float64(len(p.workers)))
}
