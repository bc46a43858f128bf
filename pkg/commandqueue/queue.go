package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrQueueClosed is returned for work submitted after Close.
	ErrQueueClosed = errors.New("command queue closed")
	// ErrLaneReset is returned to tasks dropped by ResetLane before they ran.
	ErrLaneReset = errors.New("lane reset")
	// ErrTaskPanicked wraps a panic recovered from a task.
	ErrTaskPanicked = errors.New("task panicked")
)

// Task is one unit of work run inside a lane.
type Task func(ctx context.Context) (any, error)

type taskResult struct {
	value any
	err   error
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type laneState struct {
	name    string
	queue   []*taskRecord
	running bool
}

// Queue serializes tasks per lane.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	dedup *dedupCache
}

// Option configures a Queue.
type Option func(*Queue)

// WithDedupTTL enables request-ID deduplication for EnqueueOnce, remembering
// results for ttl.
func WithDedupTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		q.dedup = newDedupCache(q.ctx, ttl)
	}
}

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.dedup == nil {
		q.dedup = newDedupCache(ctx, defaultDedupTTL)
	}
	return q
}

// Enqueue adds task to lane and blocks until it finishes or ctx is done.
// When ctx ends first the task is skipped if it has not started; a running
// task keeps the lane until it returns.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "cropadvisor.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	record, err := q.push(ctx, lane, task)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	select {
	case res := <-record.result:
		tracing.FailSpan(span, res.err)
		return res.value, res.err
	case <-ctx.Done():
		q.abandon(lane, record)
		tracing.FailSpan(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// EnqueueOnce behaves like Enqueue but returns the remembered outcome when
// requestID already completed successfully. An empty requestID disables
// deduplication.
func (q *Queue) EnqueueOnce(ctx context.Context, lane, requestID string, task Task) (any, error) {
	if requestID == "" {
		return q.Enqueue(ctx, lane, task)
	}
	key := lane + "\x00" + requestID
	if res, ok := q.dedup.Get(key); ok {
		log.Debug().Str("lane", lane).Str("request_id", requestID).Msg("duplicate request served from cache")
		return res.value, res.err
	}

	// Duplicates that arrive while the first copy is still queued or running
	// share its lane, so checking again inside the task sees its result.
	return q.Enqueue(ctx, lane, func(ctx context.Context) (any, error) {
		if res, ok := q.dedup.Get(key); ok {
			log.Debug().Str("lane", lane).Str("request_id", requestID).Msg("duplicate request served from cache")
			return res.value, res.err
		}
		value, err := task(ctx)
		if err == nil {
			q.dedup.Set(key, taskResult{value: value})
		}
		return value, err
	})
}

func (q *Queue) push(ctx context.Context, lane string, task Task) (*taskRecord, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task id: %w", err)
	}
	record := &taskRecord{
		id:         id,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{name: lane}
		q.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	depth := len(ls.queue)

	log.Debug().Str("lane", lane).Str("task_id", id).Int("depth", depth).Msg("task enqueued")
	observability.RecordQueueEnqueue(lane, depth)

	q.startNextLocked(ls)
	return record, nil
}

// abandon drops record if it is still waiting.
func (q *Queue) abandon(lane string, record *taskRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[lane]; ok {
		for i, r := range ls.queue {
			if r == record {
				ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
				break
			}
		}
		q.gcLocked(ls)
	}
}

// startNextLocked launches the head of the lane when nothing is running.
// Caller holds q.mu.
func (q *Queue) startNextLocked(ls *laneState) {
	if ls.running || len(ls.queue) == 0 {
		return
	}
	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	q.wg.Add(1)
	go q.execute(ls, record)
}

func (q *Queue) gcLocked(ls *laneState) {
	if ls.running || len(ls.queue) > 0 {
		return
	}
	if q.lanes[ls.name] == ls {
		delete(q.lanes, ls.name)
		observability.ForgetLane(ls.name)
	}
}

func (q *Queue) execute(ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, "cropadvisor.commandqueue", "commandqueue.execute",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", ls.name).Str("task_id", record.id).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)

	start := time.Now()
	value, err := q.run(runCtx, record.task)
	duration := time.Since(start)

	stop()
	cancel()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Warn().Err(err).Dur("duration", duration).Msg("task failed")
	} else {
		logger.Debug().Dur("duration", duration).Dur("waited", start.Sub(record.enqueuedAt)).Msg("task completed")
	}

	q.mu.Lock()
	ls.running = false
	observability.RecordQueueCompletion(ls.name, err == nil, len(ls.queue))
	q.startNextLocked(ls)
	q.gcLocked(ls)
	q.mu.Unlock()
}

func (q *Queue) run(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic in queued task")
			value = nil
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(ctx)
}

// ResetLane fails every task still waiting in lane with ErrLaneReset and
// returns how many were dropped. A running task is not interrupted.
func (q *Queue) ResetLane(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	dropped := ls.queue
	ls.queue = nil
	for _, r := range dropped {
		r.result <- taskResult{err: ErrLaneReset}
	}
	q.gcLocked(ls)

	if len(dropped) > 0 {
		log.Info().Str("lane", lane).Int("dropped", len(dropped)).Msg("lane reset")
	}
	return len(dropped)
}

// Depth reports queued plus running tasks for lane.
func (q *Queue) Depth(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ls, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	n := len(ls.queue)
	if ls.running {
		n++
	}
	return n
}

// Lanes reports how many lanes currently hold work.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close rejects new work, cancels running tasks' contexts and waits for
// them to return. Tasks still queued fail with ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ls := range q.lanes {
		for _, r := range ls.queue {
			r.result <- taskResult{err: ErrQueueClosed}
		}
		ls.queue = nil
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.dedup.Stop()
	return nil
}
