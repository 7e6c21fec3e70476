package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/infra/local"
	"job-dispatch/internal/jobs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newLocalDispatcher wires a dispatcher to a started local pool with the built-in jobs.
func newLocalDispatcher(t *testing.T, workers int) *Dispatcher {
	t.Helper()
	pool := local.NewPool(local.Config{WorkerCount: workers, QueueSize: 64}, setupTestLogger())
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return New(jobs.NewBuiltin(jobs.DefaultLimits()), pool, DefaultConfig(), setupTestLogger())
}

// fakeFacility completes runs only when the test says so.
type fakeFacility struct {
	mu        sync.Mutex
	next      int
	callbacks map[domain.Token][]func(domain.Outcome)
	cancelled []domain.Token
	enqueued  int
	err       error
}

func newFakeFacility() *fakeFacility {
	return &fakeFacility{callbacks: make(map[domain.Token][]func(domain.Outcome))}
}

func (f *fakeFacility) Start(context.Context) error    { return nil }
func (f *fakeFacility) Shutdown(context.Context) error { return nil }

func (f *fakeFacility) Enqueue(_ context.Context, job *domain.Descriptor, _ domain.Args) (domain.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.next++
	f.enqueued++
	token := domain.Token(fmt.Sprintf("%s-%d", job.Name, f.next))
	f.callbacks[token] = nil
	return token, nil
}

func (f *fakeFacility) OnComplete(token domain.Token, fn func(domain.Outcome)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[token] = append(f.callbacks[token], fn)
	return nil
}

func (f *fakeFacility) Cancel(token domain.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, token)
	return nil
}

// completeAll resolves every outstanding run with o.
func (f *fakeFacility) completeAll(o domain.Outcome) {
	f.mu.Lock()
	var fns []func(domain.Outcome)
	for token, cbs := range f.callbacks {
		fns = append(fns, cbs...)
		delete(f.callbacks, token)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(o)
	}
}

func TestSubmitAndAwaitFibonacci(t *testing.T) {
	d := newLocalDispatcher(t, 2)

	h, err := d.Submit(context.Background(), jobs.JobFibonacci, domain.Args{"n": 5})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, jobs.JobFibonacci, h.JobName)
	assert.False(t, h.SubmittedAt.IsZero())

	o, err := d.Await(context.Background(), h, WaitForever)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, o.Status)
	assert.Equal(t, []*big.Int{big.NewInt(0), big.NewInt(1), big.NewInt(1), big.NewInt(2), big.NewInt(3)}, o.Value)
}

func TestSubmitValidationIsSynchronous(t *testing.T) {
	f := newFakeFacility()
	d := New(jobs.NewBuiltin(jobs.DefaultLimits()), f, DefaultConfig(), setupTestLogger())

	_, err := d.Submit(context.Background(), jobs.JobFactorial, domain.Args{"n": -1})
	assert.ErrorIs(t, err, domain.ErrDomain)

	_, err = d.Submit(context.Background(), jobs.JobFactorial, domain.Args{"n": 1_000_000})
	assert.ErrorIs(t, err, domain.ErrInputTooLarge)

	_, err = d.Submit(context.Background(), jobs.JobAdd, domain.Args{"x": "1", "y": 2})
	assert.ErrorIs(t, err, domain.ErrInvalidArguments)

	_, err = d.Submit(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownJob)

	assert.Zero(t, f.enqueued, "no job reaches the facility")
	assert.Zero(t, d.Len())
}

func TestSubmitEnqueueFailure(t *testing.T) {
	f := newFakeFacility()
	f.err = domain.ErrQueueFull
	d := New(jobs.NewBuiltin(jobs.DefaultLimits()), f, DefaultConfig(), setupTestLogger())

	_, err := d.Submit(context.Background(), jobs.JobAdd, domain.Args{"x": 1, "y": 2})
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Zero(t, d.Len())
}

func TestAwaitZeroTimeoutReturnsPendingImmediately(t *testing.T) {
	d := newLocalDispatcher(t, 1)

	h, err := d.Submit(context.Background(), jobs.JobDelay, domain.Args{"seconds": 2})
	require.NoError(t, err)

	start := time.Now()
	o, err := d.Await(context.Background(), h, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, d.Cancel(context.Background(), h))
}

func TestAwaitTimeoutDoesNotCancel(t *testing.T) {
	d := newLocalDispatcher(t, 1)

	h, err := d.Submit(context.Background(), jobs.JobDelay, domain.Args{"seconds": 0.2})
	require.NoError(t, err)

	o, err := d.Await(context.Background(), h, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)

	o, err = d.Await(context.Background(), h, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, o.Status)
	assert.Equal(t, "task with 200ms delay completed", o.Value.(jobs.DelayResult).Message)
}

func TestAwaitContextCancelled(t *testing.T) {
	f := newFakeFacility()
	d := New(jobs.NewBuiltin(jobs.DefaultLimits()), f, DefaultConfig(), setupTestLogger())

	h, err := d.Submit(context.Background(), jobs.JobAdd, domain.Args{"x": 1, "y": 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	o, err := d.Await(ctx, h, WaitForever)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, 1, d.Len(), "handle stays readable")
}

func TestSingleReaderHandleIsConsumed(t *testing.T) {
	d := newLocalDispatcher(t, 1)

	h, err := d.Submit(context.Background(), jobs.JobAdd, domain.Args{"x": 2, "y": 3.5})
	require.NoError(t, err)

	o, err := d.Await(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5.5, o.Value)

	_, err = d.Await(context.Background(), h, 0)
	assert.ErrorIs(t, err, domain.ErrUnknownHandle)
	assert.ErrorIs(t, d.Cancel(context.Background(), h), domain.ErrUnknownHandle)
}

func TestMultiReadHandle(t *testing.T) {
	f := newFakeFacility()
	registry := jobs.NewRegistry().MustRegister(&domain.Descriptor{
		Name:      "shared",
		MultiRead: true,
		Compute:   func(context.Context, domain.Args) (any, error) { return "v", nil },
	})
	d := New(registry, f, DefaultConfig(), setupTestLogger())

	h, err := d.Submit(context.Background(), "shared", nil)
	require.NoError(t, err)
	f.completeAll(domain.Succeeded("v"))

	for i := 0; i < 3; i++ {
		o, err := d.Await(context.Background(), h, 0)
		require.NoError(t, err)
		assert.Equal(t, "v", o.Value)
	}
	assert.Equal(t, 1, d.Len())
}

func TestFailureIsDeliveredAsOutcome(t *testing.T) {
	boom := errors.New("boom")
	pool := local.NewPool(local.Config{WorkerCount: 1, QueueSize: 4}, setupTestLogger())
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Shutdown(context.Background())

	registry := jobs.NewRegistry().MustRegister(&domain.Descriptor{
		Name:    "broken",
		Compute: func(context.Context, domain.Args) (any, error) { return nil, boom },
	})
	d := New(registry, pool, DefaultConfig(), setupTestLogger())

	h, err := d.Submit(context.Background(), "broken", nil)
	require.NoError(t, err)

	o, err := d.Await(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, o.Status)
	assert.Equal(t, "boom", o.Reason)
	assert.ErrorIs(t, o.Err(), domain.ErrWorkerFault)
	assert.ErrorIs(t, o.Err(), boom)
}

func TestAwaitAllDoesNotSerialize(t *testing.T) {
	const n = 4
	d := newLocalDispatcher(t, n)

	handles := make([]domain.Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := d.Submit(context.Background(), jobs.JobDelay, domain.Args{"seconds": 0.3})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	start := time.Now()
	results, err := d.AwaitAll(context.Background(), handles, 5*time.Second)
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, results, n)
	for _, h := range handles {
		assert.Equal(t, domain.StatusSuccess, results[h.ID].Status)
	}
	assert.Less(t, elapsed, 900*time.Millisecond, "waits overlap")
}

func TestAwaitAllSharedDeadline(t *testing.T) {
	d := newLocalDispatcher(t, 2)

	fast, err := d.Submit(context.Background(), jobs.JobAdd, domain.Args{"x": 1, "y": 1})
	require.NoError(t, err)
	slow, err := d.Submit(context.Background(), jobs.JobDelay, domain.Args{"seconds": 2})
	require.NoError(t, err)

	start := time.Now()
	results, err := d.AwaitAll(context.Background(), []domain.Handle{fast, slow}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, domain.StatusSuccess, results[fast.ID].Status)
	assert.Equal(t, domain.StatusPending, results[slow.ID].Status)

	require.NoError(t, d.Cancel(context.Background(), slow))
}

func TestAwaitAllUnknownHandle(t *testing.T) {
	d := newLocalDispatcher(t, 1)

	h, err := d.Submit(context.Background(), jobs.JobAdd, domain.Args{"x": 1, "y": 1})
	require.NoError(t, err)

	results, err := d.AwaitAll(context.Background(), []domain.Handle{h, {ID: "missing"}}, time.Second)
	assert.ErrorIs(t, err, domain.ErrUnknownHandle)
	assert.Equal(t, domain.StatusSuccess, results[h.ID].Status)
}

func TestCancelRunningJob(t *testing.T) {
	d := newLocalDispatcher(t, 1)

	h, err := d.Submit(context.Background(), jobs.JobDelay, domain.Args{"seconds": 10})
	require.NoError(t, err)
	require.NoError(t, d.Cancel(context.Background(), h))

	o, err := d.Await(context.Background(), h, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailure, o.Status)
	assert.ErrorIs(t, o.Err(), domain.ErrCancelled)
}

func TestSweep(t *testing.T) {
	f := newFakeFacility()
	d := New(jobs.NewBuiltin(jobs.DefaultLimits()), f, Config{HandleTTL: time.Minute, PendingTTL: time.Hour}, setupTestLogger())

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	done, err := d.Submit(context.Background(), jobs.JobAdd, domain.Args{"x": 1, "y": 1})
	require.NoError(t, err)
	f.completeAll(domain.Succeeded(2.0))

	pending, err := d.Submit(context.Background(), jobs.JobAdd, domain.Args{"x": 1, "y": 1})
	require.NoError(t, err)

	assert.Zero(t, d.Sweep(base.Add(30*time.Second)))
	assert.Equal(t, 2, d.Len())

	assert.Equal(t, 1, d.Sweep(base.Add(2*time.Minute)))
	_, err = d.Await(context.Background(), done, 0)
	assert.ErrorIs(t, err, domain.ErrUnknownHandle)

	o, err := d.Await(context.Background(), pending, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)

	assert.Equal(t, 1, d.Sweep(base.Add(2*time.Hour)))
	assert.Zero(t, d.Len())
	assert.Len(t, f.cancelled, 1, "expired pending job is cancelled")
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	_, err := NewJanitor(newLocalDispatcher(t, 1), "not a schedule", setupTestLogger())
	assert.Error(t, err)

	j, err := NewJanitor(newLocalDispatcher(t, 1), DefaultSweepSchedule, setupTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, j.Start(ctx), context.Canceled)
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSweeper) Sweep(time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 0
}

func TestJanitorRunSweeps(t *testing.T) {
	s := &countingSweeper{}
	j, err := NewJanitor(s, "@every 1s", setupTestLogger())
	require.NoError(t, err)

	j.Run()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.calls)
}
