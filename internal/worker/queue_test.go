package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cai265891-design/Signalidea/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, cfg worker.Config) *worker.Queue {
	t.Helper()
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	q := worker.New(cfg)
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func TestQueue_RunsSubmittedUnits(t *testing.T) {
	q := newQueue(t, worker.Config{Concurrency: 3, QueueSize: 10})

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, q.Submit("unit", func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(5), ran.Load())
	assert.Eventually(t, func() bool { return q.Stats().Succeeded == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(5), q.Stats().Submitted)
}

func TestQueue_RetriesRetryableErrors(t *testing.T) {
	failures := make(chan error, 1)
	q := newQueue(t, worker.Config{
		Concurrency: 1,
		QueueSize:   1,
		MaxAttempts: 3,
		OnFailure:   func(name string, err error) { failures <- err },
	})

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, q.Submit("flaky", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return worker.Retryable(errors.New("store unavailable"))
		}
		close(done)
		return nil
	}))

	select {
	case <-done:
	case err := <-failures:
		t.Fatalf("unit should have succeeded on third attempt: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not complete")
	}
	assert.Equal(t, int32(3), attempts.Load())
	assert.Eventually(t, func() bool { return q.Stats().Retries == 2 }, time.Second, 5*time.Millisecond)
}

func TestQueue_GivesUpAfterMaxAttempts(t *testing.T) {
	failures := make(chan error, 1)
	q := newQueue(t, worker.Config{
		Concurrency: 1,
		QueueSize:   1,
		MaxAttempts: 2,
		OnFailure:   func(name string, err error) { failures <- err },
	})

	var attempts atomic.Int32
	require.NoError(t, q.Submit("always-failing", func(ctx context.Context) error {
		attempts.Add(1)
		return worker.Retryable(errors.New("still down"))
	}))

	select {
	case err := <-failures:
		assert.True(t, worker.IsRetryable(err))
		assert.EqualError(t, err, "still down")
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure was not called")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestQueue_PermanentErrorsAreNotRetried(t *testing.T) {
	failures := make(chan string, 1)
	q := newQueue(t, worker.Config{
		Concurrency: 1,
		QueueSize:   1,
		MaxAttempts: 5,
		OnFailure:   func(name string, err error) { failures <- name },
	})

	var attempts atomic.Int32
	require.NoError(t, q.Submit("bad-input", func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("invalid payload")
	}))

	select {
	case name := <-failures:
		assert.Equal(t, "bad-input", name)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure was not called")
	}
	assert.Equal(t, int32(1), attempts.Load())
}

func TestQueue_RecoversPanics(t *testing.T) {
	failures := make(chan error, 1)
	q := newQueue(t, worker.Config{
		Concurrency: 1,
		QueueSize:   2,
		OnFailure:   func(name string, err error) { failures <- err },
	})

	require.NoError(t, q.Submit("panicky", func(ctx context.Context) error {
		panic("nil map write")
	}))

	select {
	case err := <-failures:
		assert.Contains(t, err.Error(), "panic: nil map write")
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}

	// the worker goroutine survives the panic
	done := make(chan struct{})
	require.NoError(t, q.Submit("after", func(ctx context.Context) error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	assert.Equal(t, int64(1), q.Stats().Panics)
}

func TestQueue_FailureHookRunsOnceAfterGivingUp(t *testing.T) {
	q := newQueue(t, worker.Config{Concurrency: 1, QueueSize: 2, MaxAttempts: 3})

	var attempts, hooks atomic.Int32
	gaveUp := make(chan error, 1)
	require.NoError(t, q.Submit("flaky", func(ctx context.Context) error {
		attempts.Add(1)
		return worker.Retryable(errors.New("still down"))
	}, worker.WithFailureHook(func(ctx context.Context, err error) {
		hooks.Add(1)
		gaveUp <- err
	})))

	select {
	case err := <-gaveUp:
		assert.EqualError(t, err, "still down")
	case <-time.After(2 * time.Second):
		t.Fatal("failure hook was not called")
	}
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(1), hooks.Load())
}

func TestQueue_FailureHookSeesPanics(t *testing.T) {
	q := newQueue(t, worker.Config{Concurrency: 1, QueueSize: 1, MaxAttempts: 3})

	gaveUp := make(chan error, 1)
	require.NoError(t, q.Submit("explodes", func(ctx context.Context) error {
		panic("nil map")
	}, worker.WithFailureHook(func(ctx context.Context, err error) { gaveUp <- err })))

	select {
	case err := <-gaveUp:
		assert.EqualError(t, err, "panic: nil map")
	case <-time.After(2 * time.Second):
		t.Fatal("failure hook was not called")
	}
}

func TestQueue_FailureHookSkippedOnSuccess(t *testing.T) {
	q := newQueue(t, worker.Config{Concurrency: 1, QueueSize: 1})

	var hooks atomic.Int32
	require.NoError(t, q.Submit("fine", func(ctx context.Context) error { return nil },
		worker.WithFailureHook(func(context.Context, error) { hooks.Add(1) })))

	assert.Eventually(t, func() bool { return q.Stats().Succeeded == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, hooks.Load())
}

func TestFailureHook_DefaultsToNoop(t *testing.T) {
	assert.NotPanics(t, func() { worker.FailureHook()(context.Background(), errors.New("x")) })

	var got error
	hook := worker.FailureHook(worker.WithFailureHook(func(_ context.Context, err error) { got = err }))
	hook(context.Background(), errors.New("boom"))
	assert.EqualError(t, got, "boom")
}

func TestQueue_SubmitWhenFull(t *testing.T) {
	q := newQueue(t, worker.Config{Concurrency: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Submit("blocker", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	require.NoError(t, q.Submit("queued", func(ctx context.Context) error { return nil }))
	err := q.Submit("overflow", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, worker.ErrQueueFull)

	close(block)
}

func TestQueue_ShutdownDrainsAndRejects(t *testing.T) {
	q := worker.New(worker.Config{Concurrency: 1, QueueSize: 5})
	q.Start()

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Submit("drain", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	assert.Equal(t, int32(3), ran.Load())
	assert.ErrorIs(t, q.Submit("late", func(ctx context.Context) error { return nil }), worker.ErrQueueClosed)
	// second shutdown is harmless
	assert.NoError(t, q.Shutdown(ctx))
}

func TestQueue_ShutdownDeadlineCancelsUnits(t *testing.T) {
	q := worker.New(worker.Config{Concurrency: 1, QueueSize: 1})
	q.Start()

	started := make(chan struct{})
	require.NoError(t, q.Submit("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryable(t *testing.T) {
	assert.Nil(t, worker.Retryable(nil))

	base := errors.New("boom")
	err := worker.Retryable(base)
	assert.True(t, worker.IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, worker.IsRetryable(base))
}
