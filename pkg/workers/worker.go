package workers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/logger"
)

// Method is one dispatchable operation of a module.
type Method func(ctx context.Context, args []any) (any, error)

// Info describes one worker for introspection endpoints.
type Info struct {
	ID        string    `json:"id"`
	TaskCount int64     `json:"taskCount"`
	CreatedAt time.Time `json:"createdAt"`
	Backend   string    `json:"backend"`
	Suspect   bool      `json:"suspect"`
}

type task struct {
	ctx    context.Context
	method Method
	args   []any
	reply  chan taskResult
}

type taskResult struct {
	value any
	err   error
}

// worker executes tasks strictly one at a time.
type worker struct {
	id        string
	createdAt time.Time
	tasks     chan *task
	exited    chan struct{}

	// pending counts queued plus running tasks; completed counts
	// finished ones. Both are read by the pool without locking.
	pending   atomic.Int64
	completed atomic.Int64
	suspect   atomic.Bool
}

// workerQueueDepth bounds how many calls may wait on one worker.
const workerQueueDepth = 16

func newWorker() *worker {
	w := &worker{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		tasks:     make(chan *task, workerQueueDepth),
		exited:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.exited)
	for t := range w.tasks {
		w.execute(t)
		w.pending.Add(-1)
		w.completed.Add(1)
	}
}

func (w *worker) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("worker task panicked",
				"worker_id", w.id, "panic", r, "stack", string(debug.Stack()))
			t.reply <- taskResult{err: errors.NewInternalError(
				fmt.Sprintf("task panicked: %v", r), nil)}
		}
	}()
	value, err := t.method(t.ctx, t.args)
	// reply is buffered, the send never blocks even when the caller
	// already timed out
	t.reply <- taskResult{value: value, err: err}
}

// close stops the intake; run drains what is already queued and exits.
// A dispatcher that claimed this worker may not have handed its task
// over yet, so intake stays open until every claim is accounted for.
// Claims cannot arrive after the pool removed the worker from its list.
func (w *worker) close() {
	for w.pending.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
	close(w.tasks)
}

func (w *worker) info() Info {
	return Info{
		ID:        w.id,
		TaskCount: w.completed.Load(),
		CreatedAt: w.createdAt,
		Backend:   "local",
		Suspect:   w.suspect.Load(),
	}
}
