package master

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/infra/local"
	"job-dispatch/internal/jobs"
	"job-dispatch/internal/wire"
	"job-dispatch/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticPicker struct {
	info wire.WorkerInfo
	err  error
}

func (p staticPicker) Pick(string) (wire.WorkerInfo, error) { return p.info, p.err }

// newRemoteFacility starts an in-memory worker serving catalog and a facility pointed at it.
func newRemoteFacility(t *testing.T, catalog worker.Catalog) *Facility {
	t.Helper()
	logger := setupTestLogger()
	codec, err := wire.NewCodec()
	require.NoError(t, err)

	pool := local.NewPool(local.Config{WorkerCount: 2, QueueSize: 8}, logger)
	require.NoError(t, pool.Start(context.Background()))

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	wire.RegisterWorkerServer(s, worker.NewServer(catalog, pool, codec, "w-1", logger))
	go func() { _ = s.Serve(lis) }()

	f := NewFacility(
		staticPicker{info: wire.WorkerInfo{ID: "w-1", Addr: "passthrough:///bufnet"}},
		codec,
		logger,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, f.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.Shutdown(ctx)
		s.Stop()
		_ = pool.Shutdown(ctx)
	})
	return f
}

func await(t *testing.T, f *Facility, token domain.Token) domain.Outcome {
	t.Helper()
	ch := make(chan domain.Outcome, 1)
	require.NoError(t, f.OnComplete(token, func(o domain.Outcome) { ch <- o }))
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remote outcome")
		return domain.Outcome{}
	}
}

func TestRemoteRunReturnsOutcome(t *testing.T) {
	registry := jobs.NewBuiltin(jobs.DefaultLimits())
	f := newRemoteFacility(t, registry)

	desc, err := registry.Lookup(jobs.JobFibonacci)
	require.NoError(t, err)
	args, err := desc.Bind(domain.Args{"n": 5})
	require.NoError(t, err)

	token, err := f.Enqueue(context.Background(), desc, args)
	require.NoError(t, err)

	o := await(t, f, token)
	require.Equal(t, domain.StatusSuccess, o.Status)
	seq, ok := o.Value.([]any)
	require.True(t, ok, "got %T", o.Value)
	require.Len(t, seq, 5)
	for i, want := range []int64{0, 1, 1, 2, 3} {
		got, ok := seq[i].(*big.Int)
		require.True(t, ok)
		assert.Zero(t, big.NewInt(want).Cmp(got), "element %d", i)
	}
}

func TestRemoteRPCErrorBecomesFailure(t *testing.T) {
	// The worker does not know the job, so the call itself fails.
	f := newRemoteFacility(t, jobs.NewRegistry())

	desc := jobs.Add()
	args, err := desc.Bind(domain.Args{"x": 1, "y": 2})
	require.NoError(t, err)

	token, err := f.Enqueue(context.Background(), desc, args)
	require.NoError(t, err)

	o := await(t, f, token)
	assert.Equal(t, domain.StatusFailure, o.Status)
	assert.ErrorIs(t, o.Err(), domain.ErrWorkerFault)
	assert.Contains(t, o.Reason, "NotFound")
}

func TestRemoteCancel(t *testing.T) {
	registry := jobs.NewBuiltin(jobs.DefaultLimits())
	f := newRemoteFacility(t, registry)

	desc, err := registry.Lookup(jobs.JobDelay)
	require.NoError(t, err)
	args, err := desc.Bind(domain.Args{"seconds": 10})
	require.NoError(t, err)

	token, err := f.Enqueue(context.Background(), desc, args)
	require.NoError(t, err)
	require.NoError(t, f.Cancel(token))

	o := await(t, f, token)
	assert.Equal(t, domain.StatusFailure, o.Status)
	assert.ErrorIs(t, o.Err(), domain.ErrCancelled)

	assert.NoError(t, f.Cancel("unknown"))
}

func TestRemoteNoWorkers(t *testing.T) {
	codec, err := wire.NewCodec()
	require.NoError(t, err)
	f := NewFacility(staticPicker{err: domain.ErrNoWorkers}, codec, setupTestLogger())

	_, err = f.Enqueue(context.Background(), jobs.Add(), domain.Args{"x": 1.0, "y": 1.0})
	assert.True(t, errors.Is(err, domain.ErrNoWorkers))

	require.NoError(t, f.Shutdown(context.Background()))
	_, err = f.Enqueue(context.Background(), jobs.Add(), domain.Args{"x": 1.0, "y": 1.0})
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestRemoteEnqueueDuringShutdown(t *testing.T) {
	registry := jobs.NewBuiltin(jobs.DefaultLimits())
	f := newRemoteFacility(t, registry)

	desc := jobs.Add()
	args, err := desc.Bind(domain.Args{"x": 1, "y": 2})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Enqueue(context.Background(), desc, args)
			errs <- err
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Shutdown(ctx))
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrQueueClosed)
		}
	}
	_, err = f.Enqueue(context.Background(), desc, args)
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}
