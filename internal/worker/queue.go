// Package worker runs detached units of work on a bounded pool of goroutines.
//
// Work submitted here outlives the HTTP request that created it. Each unit
// gets panic capture and optional retry; once a unit gives up, the queue's
// failure hook is called so the caller can record the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrQueueFull   = errors.New("worker queue is full")
	ErrQueueClosed = errors.New("worker queue is closed")
)

// Unit is one piece of detached work.
type Unit func(ctx context.Context) error

// RetryableError marks a unit failure as transient.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the queue runs the unit again with backoff.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Config sizes the pool and its retry policy.
type Config struct {
	Concurrency    int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnFailure is called with the task name and final error once a unit
	// has exhausted its attempts or failed permanently.
	OnFailure func(name string, err error)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"inFlight"`
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
	Panics    int64 `json:"panics"`
}

type task struct {
	name   string
	run    Unit
	giveUp func(ctx context.Context, err error)
}

// SubmitOption configures a single submission.
type SubmitOption func(*task)

// WithFailureHook registers fn to run once this unit has given up, after the
// queue-wide OnFailure hook.
func WithFailureHook(fn func(ctx context.Context, err error)) SubmitOption {
	return func(t *task) { t.giveUp = fn }
}

// FailureHook returns the hook carried by opts, or a no-op. Queue stand-ins
// in tests use it to honour WithFailureHook.
func FailureHook(opts ...SubmitOption) func(ctx context.Context, err error) {
	var t task
	for _, opt := range opts {
		opt(&t)
	}
	if t.giveUp == nil {
		return func(context.Context, error) {}
	}
	return t.giveUp
}

// Queue is a bounded work queue served by a fixed number of goroutines.
type Queue struct {
	cfg   Config
	tasks chan task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	inFlight  atomic.Int64
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
	panics    atomic.Int64
}

// New creates a queue. Call Start to launch the workers.
func New(cfg Config) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		tasks:  make(chan task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.loop()
	}
	slog.Info("worker queue started",
		"concurrency", q.cfg.Concurrency,
		"queue_size", q.cfg.QueueSize,
		"max_attempts", q.cfg.MaxAttempts,
	)
}

// Submit enqueues fn without blocking.
func (q *Queue) Submit(name string, fn Unit, opts ...SubmitOption) error {
	t := task{name: name, run: fn}
	for _, opt := range opts {
		opt(&t)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- t:
		q.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for queued and in-flight units to
// finish. If ctx expires first, running units see their context cancelled
// and Shutdown returns ctx.Err().
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Queued:    len(q.tasks),
		InFlight:  q.inFlight.Load(),
		Submitted: q.submitted.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Retries:   q.retries.Load(),
		Panics:    q.panics.Load(),
	}
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.inFlight.Add(1)
		err := q.execute(t)
		q.inFlight.Add(-1)

		if err == nil {
			q.succeeded.Add(1)
			continue
		}

		q.failed.Add(1)
		slog.Error("worker unit failed", "task", t.name, "error", err)
		if q.cfg.OnFailure != nil {
			q.cfg.OnFailure(t.name, err)
		}
		if t.giveUp != nil {
			t.giveUp(q.ctx, err)
		}
	}
}

// execute runs t with retry on RetryableError up to MaxAttempts.
func (q *Queue) execute(t task) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			q.retries.Add(1)
		}
		err := q.runSafely(t)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("worker unit attempt failed",
			"task", t.name,
			"attempt", attempt,
			"error", err,
		)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.cfg.MaxAttempts-1)), q.ctx)
	return backoff.Retry(op, policy)
}

// runSafely converts a panic inside the unit into an error.
func (q *Queue) runSafely(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			slog.Error("panic recovered in worker",
				"task", t.name,
				"error", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.run(q.ctx)
}
