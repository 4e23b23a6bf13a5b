package taskqueue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/eventbus"
	"github.com/3leaps/slidescan/pkg/statusstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner blocks each run until released and records invocations.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []analysis.JobKey
	release map[string]chan outcome
	auto    func(key analysis.JobKey) outcome

	active    atomic.Int32
	maxActive atomic.Int32
}

type outcome struct {
	result *analysis.Result
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(map[string]chan outcome)}
}

func (f *fakeRunner) gate(key analysis.JobKey) chan outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.release[key.String()]
	if !ok {
		ch = make(chan outcome, 1)
		f.release[key.String()] = ch
	}
	return ch
}

func (f *fakeRunner) Run(ctx context.Context, key analysis.JobKey) (*analysis.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	auto := f.auto
	f.mu.Unlock()

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if auto != nil {
		o := auto(key)
		return o.result, o.err
	}
	select {
	case o := <-f.gate(key):
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRunner) finish(key analysis.JobKey, o outcome) {
	f.gate(key) <- o
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) callKeys() []analysis.JobKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]analysis.JobKey(nil), f.calls...)
}

func result(t *testing.T, body string) *analysis.Result {
	t.Helper()
	r, err := analysis.ParseResult([]byte(body))
	require.NoError(t, err)
	return r
}

func key(file string) analysis.JobKey {
	return analysis.JobKey{ContainerPath: "slideA", FileID: file, Variant: analysis.VariantNormalized}
}

type harness struct {
	store  *statusstore.Store
	bus    *eventbus.Bus
	runner *fakeRunner
	queue  *Queue
	dir    string
}

func newHarness(t *testing.T, maxConcurrent int, opts ...Option) *harness {
	t.Helper()
	return newHarnessAt(t, t.TempDir(), maxConcurrent, opts...)
}

func newHarnessAt(t *testing.T, dir string, maxConcurrent int, opts ...Option) *harness {
	t.Helper()
	backend, err := statusstore.NewFileBackend(dir)
	require.NoError(t, err)
	bus := eventbus.New()
	store, err := statusstore.Open(context.Background(), backend, statusstore.WithNotifier(bus))
	require.NoError(t, err)
	runner := newFakeRunner()
	q, err := New(Config{MaxConcurrent: maxConcurrent}, runner, store, opts...)
	require.NoError(t, err)

	h := &harness{store: store, bus: bus, runner: runner, queue: q, dir: dir}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
		bus.Close()
	})
	return h
}

func waitState(t *testing.T, s *statusstore.Store, k analysis.JobKey, want analysis.JobState) analysis.StatusRecord {
	t.Helper()
	var rec analysis.StatusRecord
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = s.Get(k)
		return ok && rec.State == want
	}, 5*time.Second, 5*time.Millisecond, "key %s never reached %s", k.FileID, want)
	return rec
}

func TestNewValidates(t *testing.T) {
	backend, err := statusstore.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store, err := statusstore.Open(context.Background(), backend)
	require.NoError(t, err)

	_, err = New(Config{}, nil, store)
	require.Error(t, err)
	_, err = New(Config{}, newFakeRunner(), nil)
	require.Error(t, err)
	_, err = New(Config{MaxConcurrent: -1}, newFakeRunner(), store)
	require.Error(t, err)

	q, err := New(Config{}, newFakeRunner(), store)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrent, q.Stats().MaxConcurrent)
	require.NoError(t, q.Close(context.Background()))
}

func TestConcurrencyBoundNeverExceeded(t *testing.T) {
	var overshoot atomic.Bool
	h := newHarness(t, 2, WithDispatchHook(func(_ analysis.JobKey, running int) {
		if running > 2 {
			overshoot.Store(true)
		}
	}))
	h.runner.auto = func(analysis.JobKey) outcome {
		time.Sleep(2 * time.Millisecond)
		return outcome{result: &analysis.Result{}}
	}

	var keys []analysis.JobKey
	for i := range 20 {
		keys = append(keys, key(string(rune('a'+i))+".svs"))
	}
	var wg sync.WaitGroup
	for _, chunk := range [][]analysis.JobKey{keys[:7], keys[7:14], keys[14:]} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.queue.Submit(context.Background(), chunk)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.queue.Stats().Completed == 20 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, overshoot.Load())
	assert.LessOrEqual(t, h.runner.maxActive.Load(), int32(2))
	assert.Equal(t, 20, h.runner.callCount())
}

func TestNoDuplicateDispatch(t *testing.T) {
	h := newHarness(t, 1)
	a, b := key("a.svs"), key("b.svs")

	first := h.queue.Submit(context.Background(), []analysis.JobKey{a, b, a})
	require.Len(t, first, 3)
	assert.Equal(t, first[0].State, first[2].State)

	waitState(t, h.store, a, analysis.StateRunning)
	again := h.queue.Submit(context.Background(), []analysis.JobKey{a, b})
	assert.Equal(t, analysis.StateRunning, again[0].State)
	assert.Equal(t, analysis.StateQueued, again[1].State)

	h.runner.finish(a, outcome{result: result(t, `{"tsr":0.1}`)})
	waitState(t, h.store, b, analysis.StateRunning)
	h.runner.finish(b, outcome{result: result(t, `{"tsr":0.2}`)})
	waitState(t, h.store, b, analysis.StateCompleted)

	assert.Equal(t, []analysis.JobKey{a, b}, h.runner.callKeys())
	assert.Equal(t, 0, h.queue.Stats().Pending)
}

func TestFIFOOrdering(t *testing.T) {
	h := newHarness(t, 1)
	h.runner.auto = func(analysis.JobKey) outcome { return outcome{result: &analysis.Result{}} }
	a, b, c := key("a.svs"), key("b.svs"), key("c.svs")

	h.queue.Submit(context.Background(), []analysis.JobKey{c})
	h.queue.Submit(context.Background(), []analysis.JobKey{a, b})
	waitState(t, h.store, b, analysis.StateCompleted)
	waitState(t, h.store, a, analysis.StateCompleted)

	assert.Equal(t, []analysis.JobKey{c, a, b}, h.runner.callKeys())
}

func TestCompletedScenario(t *testing.T) {
	h := newHarness(t, 2)
	sub := h.bus.Subscribe()
	k := analysis.JobKey{ContainerPath: "slideA", FileID: "f1.svs", Variant: analysis.VariantNormalized}

	recs := h.queue.Submit(context.Background(), []analysis.JobKey{k})
	require.Len(t, recs, 1)
	assert.Equal(t, analysis.StateQueued, recs[0].State)
	waitState(t, h.store, k, analysis.StateRunning)

	h.runner.finish(k, outcome{result: result(t, `{"tsr": 0.52}`)})
	done := waitState(t, h.store, k, analysis.StateCompleted)
	score, ok := done.Result.Score()
	require.True(t, ok)
	assert.InDelta(t, 0.52, score, 1e-9)

	var states []analysis.JobState
	completed := 0
	for len(states) < 3 {
		select {
		case e := <-sub.C:
			states = append(states, e.State)
			if e.State == analysis.StateCompleted {
				completed++
				assert.True(t, done.Result.Equal(e.Result))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %v", states)
		}
	}
	assert.Equal(t, []analysis.JobState{analysis.StateQueued, analysis.StateRunning, analysis.StateCompleted}, states)
	assert.Equal(t, 1, completed)

	// Resubmitting a completed key is answered from the store.
	again := h.queue.Submit(context.Background(), []analysis.JobKey{k})
	assert.Equal(t, analysis.StateCompleted, again[0].State)
	assert.True(t, done.Result.Equal(again[0].Result))
	assert.Equal(t, 1, h.runner.callCount())
}

func TestFailureFreesSlotAndRetryOnResubmit(t *testing.T) {
	h := newHarness(t, 1)
	a, b := key("a.svs"), key("b.svs")

	h.queue.Submit(context.Background(), []analysis.JobKey{a, b})
	waitState(t, h.store, a, analysis.StateRunning)

	failure := analysis.NewJobError("exec", a, analysis.ErrExternalProcess, errors.New("exit status 1"), "Traceback: boom")
	h.runner.finish(a, outcome{err: failure})
	failed := waitState(t, h.store, a, analysis.StateFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, analysis.KindExternalProcess, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "Traceback: boom")

	// The next queued key is dispatched right away.
	waitState(t, h.store, b, analysis.StateRunning)
	h.runner.finish(b, outcome{result: &analysis.Result{}})
	waitState(t, h.store, b, analysis.StateCompleted)

	retry := h.queue.Submit(context.Background(), []analysis.JobKey{a})
	assert.Contains(t, []analysis.JobState{analysis.StateQueued, analysis.StateRunning}, retry[0].State)
	assert.Nil(t, retry[0].Error, "prior error is superseded")
	assert.Equal(t, 2, retry[0].Attempts)

	h.runner.finish(a, outcome{result: result(t, `{"tsr":0.9}`)})
	waitState(t, h.store, a, analysis.StateCompleted)
	assert.Equal(t, 3, h.runner.callCount())
}

// runningRejectStore refuses to mark one file running, once.
type runningRejectStore struct {
	*statusstore.Store
	file     string
	rejected atomic.Bool
}

func (s *runningRejectStore) Set(ctx context.Context, rec analysis.StatusRecord) error {
	if rec.State == analysis.StateRunning && rec.Key.FileID == s.file && s.rejected.CompareAndSwap(false, true) {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, rec)
}

func TestDispatchFailureIsRecordedAndResubmittable(t *testing.T) {
	backend, err := statusstore.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	inner, err := statusstore.Open(context.Background(), backend)
	require.NoError(t, err)
	store := &runningRejectStore{Store: inner, file: "a.svs"}

	runner := newFakeRunner()
	runner.auto = func(analysis.JobKey) outcome { return outcome{result: &analysis.Result{}} }
	q, err := New(Config{MaxConcurrent: 1}, runner, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	a, b := key("a.svs"), key("b.svs")
	q.Submit(context.Background(), []analysis.JobKey{a, b})

	rec := waitState(t, inner, a, analysis.StateFailed)
	require.NotNil(t, rec.Error)
	assert.Equal(t, analysis.KindInternal, rec.Error.Kind)
	assert.Contains(t, rec.Error.Message, "disk full")
	waitState(t, inner, b, analysis.StateCompleted)

	retry := q.Submit(context.Background(), []analysis.JobKey{a})
	assert.NotEqual(t, analysis.StateFailed, retry[0].State)
	waitState(t, inner, a, analysis.StateCompleted)
}

func TestRunnerPanicBecomesFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.runner.auto = func(k analysis.JobKey) outcome {
		if k.FileID == "bad.svs" {
			panic("index out of range")
		}
		return outcome{result: &analysis.Result{}}
	}

	h.queue.Submit(context.Background(), []analysis.JobKey{key("bad.svs"), key("good.svs")})
	rec := waitState(t, h.store, key("bad.svs"), analysis.StateFailed)
	assert.Equal(t, analysis.KindInternal, rec.Error.Kind)
	assert.Contains(t, rec.Error.Message, "index out of range")
	waitState(t, h.store, key("good.svs"), analysis.StateCompleted)
}

func TestInvalidKeysAreRejectedNotStored(t *testing.T) {
	h := newHarness(t, 1)
	bad := analysis.JobKey{ContainerPath: "", FileID: "x.svs", Variant: analysis.VariantNormalized}

	recs := h.queue.Submit(context.Background(), []analysis.JobKey{bad})
	require.Len(t, recs, 1)
	assert.Equal(t, analysis.StateFailed, recs[0].State)
	assert.Equal(t, analysis.KindInvalidKey, recs[0].Error.Kind)
	assert.Zero(t, h.store.Len())
	assert.Zero(t, h.runner.callCount())
}

func TestRecoverRequeuesUnfinishedJobs(t *testing.T) {
	dir := t.TempDir()
	backend, err := statusstore.NewFileBackend(dir)
	require.NoError(t, err)
	t0 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, backend.Save(ctx, analysis.Queued(key("late.svs"), t0.Add(time.Minute), 1)))
	require.NoError(t, backend.Save(ctx, analysis.Queued(key("early.svs"), t0, 1).Running(t0)))
	require.NoError(t, backend.Save(ctx, analysis.Queued(key("done.svs"), t0, 1).Running(t0).Completed(&analysis.Result{}, t0)))

	h := newHarnessAt(t, dir, 1)
	h.runner.auto = func(analysis.JobKey) outcome { return outcome{result: result(t, `{"tsr":0.3}`)} }

	assert.Equal(t, 2, h.queue.Recover(ctx))
	waitState(t, h.store, key("late.svs"), analysis.StateCompleted)
	waitState(t, h.store, key("early.svs"), analysis.StateCompleted)
	assert.Equal(t, []analysis.JobKey{key("early.svs"), key("late.svs")}, h.runner.callKeys())

	// Nothing left to recover.
	assert.Zero(t, h.queue.Recover(ctx))
}

func TestCloseInterruptsWithoutFailing(t *testing.T) {
	dir := t.TempDir()
	h := newHarnessAt(t, dir, 1)
	a, b := key("a.svs"), key("b.svs")
	h.queue.Submit(context.Background(), []analysis.JobKey{a, b})
	waitState(t, h.store, a, analysis.StateRunning)

	require.NoError(t, h.queue.Close(context.Background()))
	rec, _ := h.store.Get(a)
	assert.Equal(t, analysis.StateRunning, rec.State)
	assert.Equal(t, int64(1), h.queue.Stats().Interrupted)

	// Submissions after close never start work.
	late := h.queue.Submit(context.Background(), []analysis.JobKey{key("c.svs")})
	assert.Equal(t, analysis.StateFailed, late[0].State)
	assert.Equal(t, 1, h.runner.callCount())

	// The interrupted and pending jobs come back on the next start.
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	_, err = os.Stat(dir)
	require.NoError(t, err)

	next := newHarnessAt(t, dir, 2)
	next.runner.auto = func(analysis.JobKey) outcome { return outcome{result: &analysis.Result{}} }
	assert.Equal(t, 2, next.queue.Recover(context.Background()))
	waitState(t, next.store, a, analysis.StateCompleted)
	waitState(t, next.store, b, analysis.StateCompleted)
}
