// Package taskqueue admits analysis jobs, dedupes them against their
// current status, and dispatches them in FIFO order under a global
// concurrency bound.
//
// All queue state and every status write happen under one mutex. Pipeline
// runs execute on their own goroutines; their completion re-enters the
// mutex to write the terminal record, free the slot and dispatch the next
// job. There is no poller: dispatch is driven by submissions and
// completions.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/slidescan/pkg/analysis"
)

// DefaultMaxConcurrent is the default number of simultaneous pipeline runs.
const DefaultMaxConcurrent = 2

// ErrClosed is reported for submissions after Close.
var ErrClosed = errors.New("task queue is closed")

// Runner executes one job and blocks until it has an outcome.
type Runner interface {
	Run(ctx context.Context, key analysis.JobKey) (*analysis.Result, error)
}

// StatusStore holds job status records.
type StatusStore interface {
	Get(key analysis.JobKey) (analysis.StatusRecord, bool)
	Set(ctx context.Context, rec analysis.StatusRecord) error
	List() []analysis.StatusRecord
}

// Config configures a Queue.
type Config struct {
	// MaxConcurrent bounds simultaneous pipeline runs across all callers.
	// Zero uses DefaultMaxConcurrent.
	MaxConcurrent int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{MaxConcurrent: DefaultMaxConcurrent}
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Running       int   `json:"running"`
	Pending       int   `json:"pending"`
	MaxConcurrent int   `json:"max_concurrent"`
	Dispatched    int64 `json:"dispatched"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Interrupted   int64 `json:"interrupted"`
}

// Queue is the job admission and dispatch loop.
type Queue struct {
	mu      sync.Mutex
	pending []analysis.JobKey
	queued  map[string]struct{}
	running int
	closed  bool
	stats   Stats

	cfg    Config
	runner Runner
	store  StatusStore

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	logger *zap.Logger
	now    func() time.Time
	hook   func(key analysis.JobKey, running int)
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithDispatchHook registers fn to be called, under the queue lock, each
// time a job is dispatched. running includes the dispatched job.
func WithDispatchHook(fn func(key analysis.JobKey, running int)) Option {
	return func(q *Queue) { q.hook = fn }
}

// New returns a Queue.
func New(cfg Config, runner Runner, store StatusStore, opts ...Option) (*Queue, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if store == nil {
		return nil, errors.New("status store is required")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("max concurrent must be >= 0, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		queued:    make(map[string]struct{}),
		cfg:       cfg,
		runner:    runner,
		store:     store,
		runCtx:    ctx,
		cancelRun: cancel,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Submit admits keys and returns the post-admission record of each, in
// request order. It never waits for a run to finish.
//
//   - absent or failed: a fresh queued record is stored and the key joins
//     the back of the queue
//   - queued, running or completed: the current record is returned as is
//
// Invalid keys yield a failed record that is not stored. A key repeated
// within one call is admitted once.
func (q *Queue) Submit(ctx context.Context, keys []analysis.JobKey) []analysis.StatusRecord {
	writeCtx := context.WithoutCancel(ctx)
	out := make([]analysis.StatusRecord, 0, len(keys))

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, key := range keys {
		if err := key.Validate(); err != nil {
			out = append(out, q.rejected(key, analysis.ErrorInfo{Kind: analysis.KindInvalidKey, Message: err.Error()}))
			continue
		}

		rec, ok := q.store.Get(key)
		if ok && rec.State != analysis.StateFailed {
			out = append(out, rec)
			continue
		}
		if q.closed {
			if ok {
				out = append(out, rec)
			} else {
				out = append(out, q.rejected(key, analysis.ErrorInfo{Kind: analysis.KindInternal, Message: ErrClosed.Error()}))
			}
			continue
		}

		attempts := 1
		if ok {
			attempts = rec.Attempts + 1
		}
		queued := analysis.Queued(key, q.now(), attempts)
		if err := q.store.Set(writeCtx, queued); err != nil {
			out = append(out, q.rejected(key, analysis.InfoFromError(err)))
			continue
		}
		q.enqueue(key)
		q.logger.Debug("Admitted job",
			zap.String("folder", key.ContainerPath),
			zap.String("file", key.FileID),
			zap.String("variant", key.Variant.String()),
			zap.Int("attempt", attempts))
		out = append(out, queued)
	}

	q.drain()
	return out
}

// Recover re-queues jobs persisted as queued or running by a previous
// process, oldest submission first. Call it once after the status store is
// loaded and before serving requests. It returns the number of jobs
// re-queued.
func (q *Queue) Recover(ctx context.Context) int {
	writeCtx := context.WithoutCancel(ctx)

	var stale []analysis.StatusRecord
	for _, rec := range q.store.List() {
		if rec.State == analysis.StateQueued || rec.State == analysis.StateRunning {
			stale = append(stale, rec)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		if !stale[i].SubmittedAt.Equal(stale[j].SubmittedAt) {
			return stale[i].SubmittedAt.Before(stale[j].SubmittedAt)
		}
		return stale[i].Key.String() < stale[j].Key.String()
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}

	n := 0
	for _, rec := range stale {
		key := rec.Key
		if _, dup := q.queued[key.String()]; dup {
			continue
		}
		// Anything the store still reports as running belonged to a run this
		// process never started.
		if rec.State == analysis.StateRunning {
			rec = analysis.Queued(key, rec.SubmittedAt, rec.Attempts)
			if err := q.store.Set(writeCtx, rec); err != nil {
				q.logger.Error("Failed to reset interrupted job", zap.String("file", key.FileID), zap.Error(err))
				continue
			}
		}
		q.enqueue(key)
		n++
	}
	if n > 0 {
		q.logger.Info("Recovered unfinished jobs", zap.Int("jobs", n))
	}
	q.drain()
	return n
}

// Stats returns current queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Running = q.running
	s.Pending = len(q.pending)
	s.MaxConcurrent = q.cfg.MaxConcurrent
	return s
}

// Close stops admission and dispatch, cancels in-flight runs and waits for
// their goroutines or ctx, whichever comes first. Interrupted jobs keep
// their running record so that Recover picks them up on the next start.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cancelRun()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func (q *Queue) rejected(key analysis.JobKey, info analysis.ErrorInfo) analysis.StatusRecord {
	now := q.now()
	return analysis.Queued(key, now, 0).Failed(info, now)
}

// enqueue appends key to the FIFO. Caller holds q.mu.
func (q *Queue) enqueue(key analysis.JobKey) {
	q.pending = append(q.pending, key)
	q.queued[key.String()] = struct{}{}
}

// drain dispatches queued jobs while slots are free. Caller holds q.mu.
func (q *Queue) drain() {
	for !q.closed && q.running < q.cfg.MaxConcurrent && len(q.pending) > 0 {
		key := q.pending[0]
		q.pending[0] = analysis.JobKey{}
		q.pending = q.pending[1:]
		delete(q.queued, key.String())

		rec, ok := q.store.Get(key)
		if !ok {
			rec = analysis.Queued(key, q.now(), 1)
		}
		if err := q.store.Set(q.runCtx, rec.Running(q.now())); err != nil {
			q.logger.Error("Failed to mark job running", zap.String("file", key.FileID), zap.Error(err))
			q.abandon(rec, err)
			continue
		}

		q.running++
		q.stats.Dispatched++
		if q.hook != nil {
			q.hook(key, q.running)
		}

		q.wg.Add(1)
		go q.execute(key)
	}
}

// abandon records a job that could not be dispatched as failed, so a later
// Submit admits it again. Caller holds q.mu.
func (q *Queue) abandon(rec analysis.StatusRecord, cause error) {
	info := analysis.ErrorInfo{Kind: analysis.KindInternal, Message: "dispatch: " + cause.Error()}
	q.stats.Failed++
	if err := q.store.Set(q.runCtx, rec.Failed(info, q.now())); err != nil {
		q.logger.Error("Failed to record dispatch failure",
			zap.String("file", rec.Key.FileID), zap.Error(err))
	}
}

func (q *Queue) execute(key analysis.JobKey) {
	defer q.wg.Done()

	result, err := q.runSafely(key)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--

	if err != nil && q.runCtx.Err() != nil && errors.Is(err, context.Canceled) {
		q.stats.Interrupted++
		q.logger.Info("Job interrupted by shutdown", zap.String("file", key.FileID))
		return
	}

	rec, ok := q.store.Get(key)
	if !ok {
		rec = analysis.Queued(key, q.now(), 1).Running(q.now())
	}
	writeCtx := context.WithoutCancel(q.runCtx)
	if err != nil {
		q.stats.Failed++
		info := analysis.InfoFromError(err)
		q.logger.Warn("Job failed",
			zap.String("folder", key.ContainerPath),
			zap.String("file", key.FileID),
			zap.String("variant", key.Variant.String()),
			zap.String("kind", string(info.Kind)),
			zap.Error(err))
		rec = rec.Failed(info, q.now())
	} else {
		q.stats.Completed++
		q.logger.Info("Job completed",
			zap.String("folder", key.ContainerPath),
			zap.String("file", key.FileID),
			zap.String("variant", key.Variant.String()))
		rec = rec.Completed(result, q.now())
	}
	if serr := q.store.Set(writeCtx, rec); serr != nil {
		q.logger.Error("Failed to record job outcome", zap.String("file", key.FileID), zap.Error(serr))
	}

	q.drain()
}

// runSafely converts a runner panic into an error so that one bad job can
// never take down the dispatch loop.
func (q *Queue) runSafely(key analysis.JobKey) (result *analysis.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Runner panicked", zap.String("file", key.FileID), zap.Any("panic", r))
			result, err = nil, fmt.Errorf("pipeline runner panic: %v", r)
		}
	}()
	result, err = q.runner.Run(q.runCtx, key)
	if err == nil && result == nil {
		err = errors.New("pipeline runner returned no result")
	}
	return result, err
}
