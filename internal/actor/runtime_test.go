package actor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	activations   atomic.Int32
	ticks         atomic.Int32
	deactivations atomic.Int32
	activateErr   error
}

func (w *fakeWorker) Activate(context.Context) error {
	w.activations.Add(1)
	return w.activateErr
}

func (w *fakeWorker) Tick(context.Context)       { w.ticks.Add(1) }
func (w *fakeWorker) Deactivate(context.Context) { w.deactivations.Add(1) }

const testKind Kind = "widget"

func newTestRuntime(t *testing.T, syncDelay time.Duration, worker *fakeWorker) *Runtime {
	t.Helper()
	rt := NewRuntime(syncDelay)
	rt.Register(testKind, func(key Key) (Worker, error) {
		return worker, nil
	})
	t.Cleanup(func() { rt.Shutdown(context.Background()) })
	return rt
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestActivationIsIdempotent(t *testing.T) {
	worker := &fakeWorker{}
	rt := newTestRuntime(t, time.Hour, worker)
	ctx := context.Background()
	key := Key{Kind: testKind, ID: "1"}

	require.NoError(t, rt.SignalInterest(ctx, key))
	require.NoError(t, rt.SignalInterest(ctx, key))
	require.NoError(t, rt.SignalInterest(ctx, key))

	assert.True(t, rt.Active(key))
	assert.Equal(t, int32(1), worker.activations.Load())
	// Activation runs one immediate tick.
	eventually(t, func() bool { return worker.ticks.Load() == 1 }, "expected exactly one tick")
}

func TestActivationErrorSurfaces(t *testing.T) {
	boom := errors.New("no credential")
	worker := &fakeWorker{activateErr: boom}
	rt := newTestRuntime(t, time.Hour, worker)
	key := Key{Kind: testKind, ID: "1"}

	err := rt.SignalInterest(context.Background(), key)
	require.ErrorIs(t, err, boom)
	assert.False(t, rt.Active(key))
	assert.Equal(t, int32(0), worker.ticks.Load())

	// A later signal retries activation from scratch.
	worker.activateErr = nil
	require.NoError(t, rt.SignalInterest(context.Background(), key))
	assert.True(t, rt.Active(key))
}

func TestIdleDeactivation(t *testing.T) {
	worker := &fakeWorker{}
	rt := newTestRuntime(t, 10*time.Millisecond, worker)
	key := Key{Kind: testKind, ID: "1"}

	require.NoError(t, rt.SignalInterest(context.Background(), key))

	// With no further interest the actor deactivates after the idle
	// window (three sync delays) without a final poll.
	eventually(t, func() bool { return worker.deactivations.Load() == 1 }, "expected deactivation")
	assert.False(t, rt.Active(key))

	ticksAtDeactivation := worker.ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ticksAtDeactivation, worker.ticks.Load())
}

func TestInterestKeepsActorAlive(t *testing.T) {
	worker := &fakeWorker{}
	rt := newTestRuntime(t, 10*time.Millisecond, worker)
	ctx := context.Background()
	key := Key{Kind: testKind, ID: "1"}

	require.NoError(t, rt.SignalInterest(ctx, key))
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, rt.SignalInterest(ctx, key))
	}
	assert.True(t, rt.Active(key))
	assert.GreaterOrEqual(t, worker.ticks.Load(), int32(3))
	assert.Equal(t, int32(1), worker.activations.Load())
}

func TestInvokeRunsInTurn(t *testing.T) {
	worker := &fakeWorker{}
	rt := newTestRuntime(t, time.Hour, worker)
	key := Key{Kind: testKind, ID: "1"}

	var got Worker
	err := rt.Invoke(context.Background(), key, func(ctx context.Context, w Worker) error {
		got = w
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, worker, got)

	sentinel := errors.New("sentinel")
	err = rt.Invoke(context.Background(), key, func(ctx context.Context, w Worker) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestInvokeAfterDeactivationReactivates(t *testing.T) {
	worker := &fakeWorker{}
	rt := newTestRuntime(t, 10*time.Millisecond, worker)
	key := Key{Kind: testKind, ID: "1"}

	require.NoError(t, rt.SignalInterest(context.Background(), key))
	eventually(t, func() bool { return worker.deactivations.Load() == 1 }, "expected deactivation")

	err := rt.Invoke(context.Background(), key, func(ctx context.Context, w Worker) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), worker.activations.Load())
}

func TestSignalInterestAfterDeactivationReactivates(t *testing.T) {
	worker := &fakeWorker{}
	rt := newTestRuntime(t, 10*time.Millisecond, worker)
	key := Key{Kind: testKind, ID: "1"}

	require.NoError(t, rt.SignalInterest(context.Background(), key))
	eventually(t, func() bool { return worker.deactivations.Load() == 1 }, "expected deactivation")

	require.NoError(t, rt.SignalInterest(context.Background(), key))
	assert.True(t, rt.Active(key))
	assert.Equal(t, int32(2), worker.activations.Load())
}

func TestSignalInterestReportsFullMailbox(t *testing.T) {
	worker := &fakeWorker{}
	rt := newTestRuntime(t, time.Hour, worker)
	ctx := context.Background()
	key := Key{Kind: testKind, ID: "1"}

	require.NoError(t, rt.SignalInterest(ctx, key))

	rt.mu.Lock()
	mb := rt.active[key]
	rt.mu.Unlock()
	require.NotNil(t, mb)

	// Block the actor's turn, then saturate its command buffer.
	gate := make(chan struct{})
	require.True(t, mb.post(func(context.Context, bool) { <-gate }))
	for mb.post(func(context.Context, bool) {}) {
	}

	assert.ErrorIs(t, rt.SignalInterest(ctx, key), ErrMailboxFull)
	close(gate)
}

func TestShutdown(t *testing.T) {
	worker := &fakeWorker{}
	rt := NewRuntime(time.Hour)
	rt.Register(testKind, func(key Key) (Worker, error) { return worker, nil })
	ctx := context.Background()
	key := Key{Kind: testKind, ID: "1"}

	require.NoError(t, rt.SignalInterest(ctx, key))
	rt.Shutdown(ctx)

	assert.Equal(t, int32(1), worker.deactivations.Load())
	assert.ErrorIs(t, rt.SignalInterest(ctx, key), ErrRuntimeClosed)
}

func TestDetachSwallowsErrors(t *testing.T) {
	done := make(chan struct{})
	Detach(context.Background(), "test-task", func(ctx context.Context) error {
		defer close(done)
		return errors.New("logged, not propagated")
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detached task never ran")
	}
}

func TestDetachOutlivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errCh := make(chan error, 1)
	Detach(ctx, "test-task", func(ctx context.Context) error {
		errCh <- ctx.Err()
		return nil
	})
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("detached task never ran")
	}
}
