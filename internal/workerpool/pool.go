// Package workerpool executes CPU-bound tasks on named pools of worker
// goroutines with FIFO queueing, per-task timeouts and graceful
// termination. Callers that find no usable pool are expected to fall back
// to same-thread execution of the same contract.
package workerpool

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keytempo/keytempo-go/internal/errors"
	"github.com/keytempo/keytempo-go/internal/logging"
)

const componentWorkerPool = "workerpool"

// DefaultQueueCapacity bounds how many tasks may wait per pool.
const DefaultQueueCapacity = 64

// Handler is a pool's task entry point. It must honor ctx cancellation;
// the pool cancels ctx when it is terminated.
type Handler func(ctx context.Context, taskType string, payload any) (any, error)

type taskResult struct {
	value any
	err   error
}

// task travels from Execute through the queue to a worker. The result
// channel is buffered so a worker can always settle a task, even when the
// caller has already given up on it.
type task struct {
	id       string
	taskType string
	payload  any
	result   chan taskResult
}

// PoolStats is a point-in-time snapshot of a pool's occupancy.
type PoolStats struct {
	TotalWorkers int
	IdleWorkers  int
	BusyWorkers  int
	QueuedTasks  int
}

// Pool is a fixed-size group of worker goroutines serving one task queue in
// strict FIFO order.
type Pool struct {
	name    string
	handler Handler
	size    int
	queue   chan *task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	busy    atomic.Int32
	logger  *slog.Logger
}

func newPool(name string, handler Handler, maxWorkers, queueCapacity int) *Pool {
	size := min(maxWorkers, runtime.NumCPU())
	if size < 1 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		handler: handler,
		size:    size,
		queue:   make(chan *task, queueCapacity),
		ctx:     ctx,
		cancel:  cancel,
		logger: logging.ForService("workerpool").
			With("component", "pool", "pool", name),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	p.logger.Info("pool created", "workers", size, "queue_capacity", queueCapacity)
	return p
}

// worker pulls tasks off the queue until the pool is terminated. The
// buffered result channel guarantees exactly one settlement per task even
// when the caller stopped listening at its deadline.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			p.busy.Add(1)
			value, err := p.runTask(t)
			p.busy.Add(-1)
			t.result <- taskResult{value: value, err: err}
			if err != nil && !errors.IsCancellation(err) {
				p.logger.Debug("task failed",
					"worker", id,
					"task_id", t.id,
					"task_type", t.taskType,
					"error", err)
			}
		}
	}
}

// runTask invokes the handler, converting a panic into a worker error so a
// misbehaving handler cannot take its worker goroutine down.
func (p *Pool) runTask(t *task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("worker panicked: %v", r).
				Component(componentWorkerPool).
				Category(errors.CategoryWorker).
				Context("pool", p.name).
				Context("task_id", t.id).
				Context("task_type", t.taskType).
				Build()
		}
	}()
	return p.handler(p.ctx, t.taskType, t.payload)
}

// execute enqueues a task and waits for exactly one outcome: completion,
// per-task timeout, caller cancellation, or pool termination.
func (p *Pool) execute(ctx context.Context, taskType string, payload any, timeout time.Duration) (any, error) {
	t := &task{
		id:       uuid.NewString(),
		taskType: taskType,
		payload:  payload,
		result:   make(chan taskResult, 1),
	}

	select {
	case p.queue <- t:
	case <-p.ctx.Done():
		return nil, p.terminatedError(t)
	case <-ctx.Done():
		return nil, contextError(ctx.Err(), p.name, taskType)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case res := <-t.result:
		return res.value, res.err
	case <-deadline:
		return nil, errors.Newf("task %s timed out after %v", taskType, timeout).
			Component(componentWorkerPool).
			Category(errors.CategoryTimeout).
			Context("pool", p.name).
			Context("task_id", t.id).
			Context("timeout", timeout).
			Build()
	case <-ctx.Done():
		return nil, contextError(ctx.Err(), p.name, taskType)
	case <-p.ctx.Done():
		return nil, p.terminatedError(t)
	}
}

func (p *Pool) stats() PoolStats {
	busy := int(p.busy.Load())
	return PoolStats{
		TotalWorkers: p.size,
		IdleWorkers:  p.size - busy,
		BusyWorkers:  busy,
		QueuedTasks:  len(p.queue),
	}
}

func (p *Pool) terminate() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("pool terminated")
}

func (p *Pool) terminatedError(t *task) error {
	return errors.Newf("pool %s terminated", p.name).
		Component(componentWorkerPool).
		Category(errors.CategoryWorker).
		Context("pool", p.name).
		Context("task_id", t.id).
		Build()
}

func contextError(err error, pool, taskType string) error {
	category := errors.CategoryCancellation
	if errors.Is(err, context.DeadlineExceeded) {
		category = errors.CategoryTimeout
	}
	return errors.New(err).
		Component(componentWorkerPool).
		Category(category).
		Context("pool", pool).
		Context("task_type", taskType).
		Build()
}
