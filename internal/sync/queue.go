package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
)

// DefaultConcurrency is the worker count when none is configured.
const DefaultConcurrency = 20

// Task is one unit of queued work: a transfer or a folder traversal. Path
// identifies the local destination in logs.
type Task struct {
	Path string
	Run  func(ctx context.Context) error
}

// QueueStats are cumulative queue counters.
type QueueStats struct {
	Succeeded int
	Failed    int
	Peak      int // most tasks observed running at once
}

type queuedTask struct {
	task  Task
	group *TaskGroup
}

// TransferQueue runs tasks on a fixed number of workers in FIFO admission
// order. Submission never blocks, so a running task may submit further
// tasks without deadlock. A failing or panicking task is logged and counted
// and never affects other tasks.
type TransferQueue struct {
	ctx    context.Context
	logger *slog.Logger

	mu      stdsync.Mutex
	cond    *stdsync.Cond
	pending []queuedTask
	closed  bool
	running int
	peak    int
	alive   int

	succeeded atomic.Int64
	failed    atomic.Int64

	wg stdsync.WaitGroup
}

// NewTransferQueue starts workers goroutines (at least one). Tasks receive
// ctx; when it is canceled, tasks still queued are dropped as failed.
func NewTransferQueue(ctx context.Context, workers int, logger *slog.Logger) *TransferQueue {
	if workers < 1 {
		workers = 1
	}

	q := &TransferQueue{ctx: ctx, logger: logger, alive: workers}
	q.cond = stdsync.NewCond(&q.mu)

	for range workers {
		q.wg.Add(1)

		go q.worker()
	}

	logger.Debug("transfer queue started", slog.Int("workers", workers))

	return q
}

// Group returns a new task group on this queue.
func (q *TransferQueue) Group() *TaskGroup {
	return &TaskGroup{q: q}
}

// Stats returns a snapshot of the queue counters.
func (q *TransferQueue) Stats() QueueStats {
	q.mu.Lock()
	peak := q.peak
	q.mu.Unlock()

	return QueueStats{
		Succeeded: int(q.succeeded.Load()),
		Failed:    int(q.failed.Load()),
		Peak:      peak,
	}
}

// Close lets the workers drain the queue, then stops them and waits.
func (q *TransferQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *TransferQueue) enqueue(qt queuedTask) {
	q.mu.Lock()

	if q.alive == 0 {
		q.mu.Unlock()
		q.finish(qt, fmt.Errorf("sync: queue closed"))

		return
	}

	q.pending = append(q.pending, qt)
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *TransferQueue) worker() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}

		if len(q.pending) == 0 {
			q.alive--
			q.mu.Unlock()

			return
		}

		qt := q.pending[0]
		q.pending[0] = queuedTask{}
		q.pending = q.pending[1:]

		q.running++
		q.peak = max(q.peak, q.running)
		q.mu.Unlock()

		err := q.run(qt.task)

		q.mu.Lock()
		q.running--
		q.mu.Unlock()

		q.finish(qt, err)
	}
}

// run executes a task, converting a panic into an error.
func (q *TransferQueue) run(t Task) (err error) {
	if ctxErr := q.ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return t.Run(q.ctx)
}

func (q *TransferQueue) finish(qt queuedTask, err error) {
	if err == nil {
		q.succeeded.Add(1)
		qt.group.succeeded.Add(1)
	} else {
		q.failed.Add(1)
		qt.group.failed.Add(1)

		if q.ctx.Err() != nil {
			q.logger.Debug("task dropped",
				slog.String("path", qt.task.Path),
				slog.String("error", err.Error()),
			)
		} else {
			q.logger.Error("task failed",
				slog.String("path", qt.task.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	qt.group.wg.Done()
}

// TaskGroup tracks completion of a set of tasks sharing one queue. Tasks
// submitted from within a group task belong to the same group.
type TaskGroup struct {
	q  *TransferQueue
	wg stdsync.WaitGroup

	succeeded atomic.Int64
	failed    atomic.Int64
}

// Submit enqueues a task. It never blocks and never fails; the outcome is
// logged and counted.
func (g *TaskGroup) Submit(t Task) {
	g.wg.Add(1)
	g.q.enqueue(queuedTask{task: t, group: g})
}

// Wait blocks until every task submitted to the group, including tasks
// submitted by those tasks, has finished.
func (g *TaskGroup) Wait() {
	g.wg.Wait()
}

// Counts returns how many of the group's tasks succeeded and failed.
func (g *TaskGroup) Counts() (succeeded, failed int) {
	return int(g.succeeded.Load()), int(g.failed.Load())
}
