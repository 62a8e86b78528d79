package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/onebot/internal/observability"
	"github.com/harun/onebot/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "onebot/commandqueue"

// Errors delivered to tasks that never ran.
var (
	ErrQueueClosed = errors.New("command queue closed")
	ErrLaneCleared = errors.New("lane cleared")
	ErrLaneReset   = errors.New("lane reset")
)

// Task is one unit of work. ctx is cancelled when the lane is reset or the
// queue is closed.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single task.
type TaskOptions struct {
	// WarnAfter logs a warning, and calls OnWait, when the task is still
	// waiting for a slot after this long.
	WarnAfter time.Duration
	OnWait    func(waited time.Duration, position int)
}

// Config configures a CommandQueue.
type Config struct {
	// Concurrency is the number of tasks a lane runs at once. Zero means 1.
	Concurrency int
	Logger      zerolog.Logger
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int
	Running     int
	Concurrency int
}

type outcome struct {
	value interface{}
	err   error
}

type job struct {
	id       uint64
	task     Task
	ctx      context.Context
	queuedAt time.Time
	opts     TaskOptions
	done     chan outcome
}

type lane struct {
	name string

	mu      sync.Mutex
	limit   int
	running int
	waiting []*job
	epoch   int
	// ctx is replaced on every reset; running tasks watch the one they
	// started under.
	ctx    context.Context
	cancel context.CancelFunc
}

// claim moves waiting jobs into free slots and returns them. Callers hold
// l.mu.
func (l *lane) claim() []*job {
	var out []*job
	for l.running < l.limit && len(l.waiting) > 0 {
		out = append(out, l.waiting[0])
		l.waiting = l.waiting[1:]
		l.running++
	}
	return out
}

// take empties the waiting list. Callers hold l.mu.
func (l *lane) take() []*job {
	jobs := l.waiting
	l.waiting = nil
	return jobs
}

// CommandQueue runs tasks in named lanes. A lane runs its tasks in
// submission order, at most Concurrency at a time; lanes are independent.
type CommandQueue struct {
	seq atomic.Uint64

	mu          sync.Mutex
	lanes       map[string]*lane
	concurrency int
	closed      bool
	outstanding int
	idle        chan struct{} // closed while nothing is queued or running

	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger
}

// New creates an empty CommandQueue. Lanes are created on first use.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &CommandQueue{
		lanes:       make(map[string]*lane),
		concurrency: cfg.Concurrency,
		idle:        idle,
		ctx:         ctx,
		cancel:      cancel,
		logger:      cfg.Logger.With().Str("component", "commandqueue").Logger(),
	}
}

// laneLocked returns the named lane, creating it. Callers hold cq.mu.
func (cq *CommandQueue) laneLocked(name string) *lane {
	if l, ok := cq.lanes[name]; ok {
		return l
	}
	ctx, cancel := context.WithCancel(cq.ctx)
	l := &lane{name: name, limit: cq.concurrency, ctx: ctx, cancel: cancel}
	cq.lanes[name] = l
	cq.logger.Debug().Str("lane", name).Int("concurrency", l.limit).Msg("Lane created")
	return l
}

func (cq *CommandQueue) lookup(name string) *lane {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.lanes[name]
}

// hold and settle count tasks that have not produced an outcome yet.
// hold requires cq.mu.
func (cq *CommandQueue) hold() {
	cq.outstanding++
	if cq.outstanding == 1 {
		cq.idle = make(chan struct{})
	}
}

func (cq *CommandQueue) settle(n int) {
	if n == 0 {
		return
	}
	cq.mu.Lock()
	cq.outstanding -= n
	if cq.outstanding == 0 {
		close(cq.idle)
	}
	cq.mu.Unlock()
}

// reject hands err to jobs that will never run.
func (cq *CommandQueue) reject(jobs []*job, err error) int {
	for _, j := range jobs {
		j.done <- outcome{err: err}
	}
	cq.settle(len(jobs))
	return len(jobs)
}

// Enqueue runs task in the named lane and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, opts *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	j, err := cq.push(ctx, lane, task, opts)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	out := <-j.done
	tracing.Fail(span, out.err)
	return out.value, out.err
}

// Submit queues task in the named lane and returns without waiting. Task
// failures are logged.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, opts *TaskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := cq.push(ctx, lane, task, opts)
	return err
}

func (cq *CommandQueue) push(ctx context.Context, name string, task Task, opts *TaskOptions) (*job, error) {
	j := &job{
		id:       cq.seq.Add(1),
		task:     task,
		ctx:      ctx,
		queuedAt: time.Now(),
		done:     make(chan outcome, 1),
	}
	if opts != nil {
		j.opts = *opts
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	l := cq.laneLocked(name)
	cq.hold()
	l.mu.Lock()
	l.waiting = append(l.waiting, j)
	depth := len(l.waiting)
	ready := l.claim()
	l.mu.Unlock()
	cq.startLocked(l, ready)
	cq.mu.Unlock()

	qlog := tracing.LoggerFromContext(ctx, cq.logger)
	qlog.Debug().
		Str("lane", name).
		Uint64("task_id", j.id).
		Int("depth", depth).
		Msg("Task queued")
	observability.RecordQueueEnqueue(name, depth)

	if j.opts.WarnAfter > 0 {
		time.AfterFunc(j.opts.WarnAfter, func() { cq.warnIfWaiting(l, j) })
	}
	return j, nil
}

// startLocked launches one worker per claimed job. Callers hold cq.mu and
// have checked that the queue is open.
func (cq *CommandQueue) startLocked(l *lane, jobs []*job) {
	for _, j := range jobs {
		cq.workers.Add(1)
		go cq.work(l, j)
	}
}

// work runs j and then keeps its slot busy with the lane's next job.
func (cq *CommandQueue) work(l *lane, j *job) {
	defer cq.workers.Done()
	for j != nil {
		cq.execute(l, j)
		j = cq.next(l)
	}
}

// next returns the lane's next job for a worker that just finished, or
// releases the worker's slot.
func (cq *CommandQueue) next(l *lane) *job {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiting) == 0 || l.running > l.limit {
		l.running--
		return nil
	}
	j := l.waiting[0]
	l.waiting = l.waiting[1:]
	return j
}

func (cq *CommandQueue) execute(l *lane, j *job) {
	ctx, span := tracing.StartSpan(j.ctx, tracerName, "commandqueue.execute_task",
		attribute.String("lane", l.name),
		attribute.Int64("task_id", int64(j.id)),
	)
	defer span.End()

	l.mu.Lock()
	laneCtx := l.ctx
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(laneCtx, cancel)
	started := time.Now()
	value, err := invoke(runCtx, j.task)
	elapsed := time.Since(started)
	stop()
	cancel()

	j.done <- outcome{value: value, err: err}
	cq.settle(1)

	tracing.Fail(span, err)
	log := tracing.LoggerFromContext(ctx, cq.logger)
	if err != nil {
		log.Error().Err(err).Str("lane", l.name).Uint64("task_id", j.id).Dur("elapsed", elapsed).Msg("Task failed")
	} else {
		log.Debug().Str("lane", l.name).Uint64("task_id", j.id).Dur("elapsed", elapsed).Msg("Task completed")
	}
	observability.RecordQueueCompletion(l.name, elapsed, err == nil, cq.Len(l.name))
}

// invoke runs task, turning a panic into an error so the lane keeps going.
func invoke(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) warnIfWaiting(l *lane, j *job) {
	l.mu.Lock()
	pos := -1
	for i, w := range l.waiting {
		if w == j {
			pos = i
			break
		}
	}
	l.mu.Unlock()
	if pos < 0 {
		return
	}

	waited := time.Since(j.queuedAt)
	cq.logger.Warn().
		Str("lane", l.name).
		Uint64("task_id", j.id).
		Dur("waited", waited).
		Int("position", pos).
		Msg("Task waiting longer than expected")
	if j.opts.OnWait != nil {
		j.opts.OnWait(waited, pos)
	}
}

// Len returns the number of tasks waiting in a lane.
func (cq *CommandQueue) Len(name string) int {
	l := cq.lookup(name)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting)
}

// Running returns the number of tasks a lane is executing.
func (cq *CommandQueue) Running(name string) int {
	l := cq.lookup(name)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats returns a snapshot of every lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, l := range cq.lanes {
		l.mu.Lock()
		stats[name] = LaneStats{Queued: len(l.waiting), Running: l.running, Concurrency: l.limit}
		l.mu.Unlock()
	}
	return stats
}

// Clear drops the tasks waiting in a lane with ErrLaneCleared and returns
// how many there were. Running tasks are not affected.
func (cq *CommandQueue) Clear(name string) int {
	l := cq.lookup(name)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	dropped := l.take()
	l.mu.Unlock()

	n := cq.reject(dropped, ErrLaneCleared)
	cq.logger.Info().Str("lane", name).Int("cleared", n).Msg("Lane cleared")
	observability.SetQueueSize(name, 0)
	return n
}

// Reset cancels the tasks running in a lane and drops the waiting ones with
// ErrLaneReset. Tasks submitted afterwards run normally.
func (cq *CommandQueue) Reset(name string) {
	l := cq.lookup(name)
	if l == nil {
		return
	}
	l.mu.Lock()
	l.cancel()
	l.ctx, l.cancel = context.WithCancel(cq.ctx)
	l.epoch++
	epoch := l.epoch
	dropped := l.take()
	l.mu.Unlock()

	n := cq.reject(dropped, ErrLaneReset)
	cq.logger.Info().Str("lane", name).Int("epoch", epoch).Int("dropped", n).Msg("Lane reset")
	observability.SetQueueSize(name, 0)
}

// SetConcurrency changes how many tasks a lane runs at once. Values below 1
// are treated as 1. Raising it starts waiting tasks immediately; lowering it
// takes effect as running tasks finish.
func (cq *CommandQueue) SetConcurrency(name string, n int) {
	if n < 1 {
		n = 1
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()

	l := cq.laneLocked(name)
	l.mu.Lock()
	previous := l.limit
	l.limit = n
	var ready []*job
	if !cq.closed {
		ready = l.claim()
	}
	l.mu.Unlock()
	cq.startLocked(l, ready)

	cq.logger.Info().Str("lane", name).Int("from", previous).Int("to", n).Msg("Lane concurrency updated")
}

// Drain waits until no task is waiting or running, or ctx is done.
func (cq *CommandQueue) Drain(ctx context.Context) error {
	cq.mu.Lock()
	idle := cq.idle
	cq.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		cq.logger.Warn().Err(ctx.Err()).Msg("Queue did not drain")
		return ctx.Err()
	}
}

// Close rejects waiting tasks with ErrQueueClosed, cancels running ones and
// waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*lane, 0, len(cq.lanes))
	for _, l := range cq.lanes {
		lanes = append(lanes, l)
	}
	cq.mu.Unlock()

	for _, l := range lanes {
		l.mu.Lock()
		dropped := l.take()
		l.mu.Unlock()
		cq.reject(dropped, ErrQueueClosed)
	}

	cq.cancel()
	cq.workers.Wait()
	return nil
}
