package lanequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"agentrun/internal/async"
	"agentrun/internal/logging"
	"agentrun/internal/metrics"
	"agentrun/internal/rungraph"
)

// ErrUnknownLane is returned by Submit when the named lane was never
// configured (spec: "submitting to an undeclared lane fails with
// unknown_lane").
var ErrUnknownLane = errors.New("lanequeue: unknown lane")

// DefaultCapacities mirrors the spec's default lane set (spec §6).
var DefaultCapacities = map[string]int{
	"main":            4,
	"subagent":        8,
	"background_exec": 2,
}

// LaneStats reports a single lane's live occupancy.
type LaneStats struct {
	Queued   int
	Running  int
	Capacity int
}

type queuedTask struct {
	task      task
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

type lane struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted

	mu      sync.Mutex
	pending []*queuedTask
	running map[string]*queuedTask
	wake    chan struct{}
}

func newLane(name string, capacity int) *lane {
	return &lane{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		running:  make(map[string]*queuedTask),
		wake:     make(chan struct{}, 1),
	}
}

func (l *lane) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) stats() LaneStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LaneStats{Queued: len(l.pending), Running: len(l.running), Capacity: int(l.capacity)}
}

// Queue is the Lane Queue: a fixed set of named, capacity-bounded lanes
// dispatching tasks in strict per-lane FIFO order (spec §4.3).
type Queue struct {
	runs    *rungraph.Store
	logger  logging.Logger
	metrics *metrics.Metrics
	lanes   map[string]*lane

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l logging.Logger) Option { return func(q *Queue) { q.logger = logging.OrNop(l) } }

// WithMetrics attaches a metrics sink; lane gauges are left at zero
// until a caller observes Stats() through it.
func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithCapacities overrides the default lane set entirely.
func WithCapacities(caps map[string]int) Option {
	return func(q *Queue) {
		q.lanes = make(map[string]*lane, len(caps))
		for name, capacity := range caps {
			q.lanes[name] = newLane(name, capacity)
		}
	}
}

// New builds a Queue over runs, wired with DefaultCapacities unless
// overridden via WithCapacities, and starts one dispatcher goroutine per
// lane.
func New(runs *rungraph.Store, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		runs:   runs,
		logger: logging.OrNop(nil),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.lanes == nil {
		q.lanes = make(map[string]*lane, len(DefaultCapacities))
		for name, capacity := range DefaultCapacities {
			q.lanes[name] = newLane(name, capacity)
		}
	}
	for _, l := range q.lanes {
		q.wg.Add(1)
		l := l
		async.Go(q.logger, "lanequeue.dispatch:"+l.name, func() {
			q.dispatchLoop(l)
		})
	}
	return q
}

// Submit creates a new run bound to lane and enqueues fn to run against
// it, returning the new run's id (spec §4.3: "submit(lane, task, opts)
// -> run_id"). It returns ErrUnknownLane, without creating a run, if
// lane was never configured.
func (q *Queue) Submit(laneName string, fn TaskFunc, opts ...SubmitOption) (string, error) {
	l, ok := q.lanes[laneName]
	if !ok {
		return "", ErrUnknownLane
	}

	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	id := q.runs.NewRun(rungraph.Attrs{Lane: laneName, Payload: cfg.payload})

	taskCtx, cancel := context.WithCancel(q.ctx)
	qt := &queuedTask{
		task: task{runID: id, lane: laneName, run: fn, cancel: cfg.cancel},
		ctx:  taskCtx, cancel: cancel,
	}

	l.mu.Lock()
	l.pending = append(l.pending, qt)
	l.mu.Unlock()
	l.notify()
	return id, nil
}

// Cancel cancels runID if it is queued or running in any lane. Returns
// true if a task was found and cancelled, false if no matching task is
// in flight (the run may already be terminal, or may not belong to this
// queue's dispatch at all).
func (q *Queue) Cancel(runID string) bool {
	for _, l := range q.lanes {
		l.mu.Lock()
		for _, qt := range l.pending {
			if qt.task.runID == runID {
				first := !qt.cancelled.Swap(true)
				l.mu.Unlock()
				if first && qt.task.cancel != nil {
					qt.task.cancel()
				}
				qt.cancel()
				return true
			}
		}
		if qt, ok := l.running[runID]; ok {
			l.mu.Unlock()
			if !qt.cancelled.Swap(true) && qt.task.cancel != nil {
				qt.task.cancel()
			}
			qt.cancel()
			return true
		}
		l.mu.Unlock()
	}
	return false
}

// Stats returns per-lane queued/running/capacity counts, and — when a
// metrics sink is configured — feeds the same snapshot to the lane
// occupancy gauges.
func (q *Queue) Stats() map[string]LaneStats {
	out := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		st := l.stats()
		out[name] = st
		if q.metrics != nil {
			q.metrics.ObserveLaneStats(name, st.Queued, st.Running, st.Capacity)
		}
	}
	return out
}

func (q *Queue) dispatchLoop(l *lane) {
	defer q.wg.Done()
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		l.mu.Unlock()

		if err := l.sem.Acquire(q.ctx, 1); err != nil {
			return
		}
		l.mu.Lock()
		qt := l.pending[0]
		l.pending = l.pending[1:]
		if qt.cancelled.Load() {
			l.mu.Unlock()
			l.sem.Release(1)
			q.finalize(qt, nil, context.Canceled)
			continue
		}
		l.running[qt.task.runID] = qt
		l.mu.Unlock()

		q.wg.Add(1)
		qt := qt
		async.Go(q.logger, "lanequeue.runTask:"+qt.task.runID, func() {
			q.runTask(l, qt)
		})
	}
}

func (q *Queue) runTask(l *lane, qt *queuedTask) {
	defer q.wg.Done()
	defer l.sem.Release(1)
	defer func() {
		l.mu.Lock()
		delete(l.running, qt.task.runID)
		l.mu.Unlock()
	}()

	if qt.cancelled.Load() {
		q.finalize(qt, nil, context.Canceled)
		return
	}

	if err := q.runs.MarkRunning(qt.task.runID); err != nil {
		q.logger.Error("lanequeue: mark_running %s: %v", qt.task.runID, err)
	}

	var result any
	var runErr error
	async.Guard(q.logger, "lanequeue.task:"+qt.task.runID, func(reason async.CrashReason) {
		runErr = reason
	}, func() {
		result, runErr = qt.task.run(qt.ctx)
	})

	q.finalize(qt, result, runErr)
}

func (q *Queue) finalize(qt *queuedTask, result any, runErr error) {
	switch {
	case qt.cancelled.Load() || errors.Is(runErr, context.Canceled):
		if err := q.runs.MarkCancelled(qt.task.runID); err != nil {
			q.logger.Error("lanequeue: mark_cancelled %s: %v", qt.task.runID, err)
		}
	case runErr != nil:
		if err := q.runs.Fail(qt.task.runID, runErr.Error()); err != nil {
			q.logger.Error("lanequeue: fail %s: %v", qt.task.runID, err)
		}
	default:
		if err := q.runs.Finish(qt.task.runID, result); err != nil {
			q.logger.Error("lanequeue: finish %s: %v", qt.task.runID, err)
		}
	}
}

// Drain implements lifecycle.Drainable: stops admitting new tasks and
// waits for in-flight dispatch and task goroutines to exit.
func (q *Queue) Drain(ctx context.Context) error {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements lifecycle.Drainable.
func (q *Queue) Name() string { return "lanequeue.Queue" }
