package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
)

// ErrClosed is returned for tasks enqueued on, or still waiting in, a closed
// queue.
var ErrClosed = errors.New("command queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning and calls OnWait when the task is still
	// queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState holds the queued and running tasks of one lane
type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int
	Running     int
	Concurrency int
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	limits    map[string]int
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue. Lanes are created on first use and
// dropped once idle.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		limits: make(map[string]int),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds a task to lane and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls := cq.laneLocked(lane)
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	observability.AddQueueDepth(1)
	cq.processLaneLocked(lane)
	cq.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	if opts.WarnAfter > 0 {
		timer := time.AfterFunc(opts.WarnAfter, func() { cq.warnIfQueued(lane, record) })
		defer timer.Stop()
	}

	select {
	case result := <-record.result:
		return cq.finish(span, result)
	case <-ctx.Done():
		if cq.dequeue(lane, record) {
			span.RecordError(ctx.Err())
			return nil, ctx.Err()
		}
		// already running; the task sees the same cancellation
		return cq.finish(span, <-record.result)
	}
}

func (cq *CommandQueue) finish(span trace.Span, result taskResult) (interface{}, error) {
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

// laneLocked returns lane, creating it. cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, ok := cq.lanes[lane]
	if !ok {
		concurrency := cq.limits[lane]
		if concurrency <= 0 {
			concurrency = 1
		}
		ls = &laneState{concurrency: concurrency}
		cq.lanes[lane] = ls
	}
	return ls
}

// processLaneLocked starts queued tasks while the lane has capacity.
// cq.mu must be held.
func (cq *CommandQueue) processLaneLocked(lane string) {
	ls := cq.lanes[lane]
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++
		observability.AddQueueDepth(-1)

		cq.wg.Add(1)
		go cq.executeTask(lane, record)
	}
}

// dequeue removes a task that has not started yet.
func (cq *CommandQueue) dequeue(lane string, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			observability.AddQueueDepth(-1)
			cq.dropIfIdleLocked(lane)
			return true
		}
	}
	return false
}

func (cq *CommandQueue) dropIfIdleLocked(lane string) {
	if ls := cq.lanes[lane]; ls != nil && ls.running == 0 && len(ls.queue) == 0 {
		delete(cq.lanes, lane)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	wait := time.Since(record.enqueuedAt)
	taskCtx, span := tracing.StartSpan(record.ctx, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Dur("wait", wait).
		Msg("Task started")

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordQueueTask(wait, err == nil)

	record.result <- taskResult{value: value, err: err}

	cq.mu.Lock()
	if ls := cq.lanes[lane]; ls != nil {
		ls.running--
		cq.processLaneLocked(lane)
		cq.dropIfIdleLocked(lane)
	}
	cq.mu.Unlock()
}

// warnIfQueued reports a task that is still waiting for its turn.
func (cq *CommandQueue) warnIfQueued(lane string, record *taskRecord) {
	cq.mu.Lock()
	queuePos := -1
	if ls, ok := cq.lanes[lane]; ok {
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
	}
	cq.mu.Unlock()

	if queuePos < 0 {
		return
	}
	wait := time.Since(record.enqueuedAt)
	log.Warn().
		Str("lane", lane).
		Str("taskId", record.id).
		Dur("wait", wait).
		Int("queuePos", queuePos).
		Msg("Task waiting longer than expected")

	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// Stats returns a snapshot of every active lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
	}
	return stats
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.limits[lane] = concurrency
	if ls, ok := cq.lanes[lane]; ok {
		oldMax := ls.concurrency
		ls.concurrency = concurrency
		log.Debug().
			Str("lane", lane).
			Int("oldMax", oldMax).
			Int("newMax", concurrency).
			Msg("Lane concurrency updated")
		cq.processLaneLocked(lane)
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for _, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
			observability.AddQueueDepth(-1)
		}
		ls.queue = nil
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
