package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrQueueClosed is returned by futures of tasks enqueued after Close.
var ErrQueueClosed = errors.New("dispatch queue is closed")

// Future is the pending result of a queued task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the task finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finished or ctx is done. Giving up on the
// wait does not cancel the task.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxPending bounds the number of tasks waiting to run. When the
// bound is reached Enqueue blocks the caller until a slot frees up or its
// context is done. Zero, the default, means unbounded.
func WithMaxPending(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.slots = make(chan struct{}, n)
		}
	}
}

// Queue is a serial executor. Tasks run one at a time, in the order they
// were enqueued, on a single worker goroutine. A task that stalls delays
// everything behind it; ordering is preferred over throughput.
type Queue struct {
	logger zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	slots  chan struct{}
	done   chan struct{}
}

// NewQueue starts a queue and its worker.
func NewQueue(logger zerolog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		logger: logger,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if q.slots != nil {
			<-q.slots
		}
		task()
	}
}

// Enqueue appends task to q and returns its future. The task receives a
// context that carries ctx's values but is never cancelled: once an
// operation is queued it runs to completion. ctx only bounds the wait
// for a free slot on a bounded queue.
func Enqueue[T any](ctx context.Context, q *Queue, task func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	if q.slots != nil {
		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			var zero T
			f.resolve(zero, fmt.Errorf("failed to enqueue: %w", ctx.Err()))
			return f
		}
	}

	taskCtx := context.WithoutCancel(ctx)
	wrapped := func() {
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("queued task panicked: %v", r)
					q.logger.Error().Err(err).Msg("Recovered from panic in queued task")
				}
			}()
			v, err = task(taskCtx)
		}()
		f.resolve(v, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if q.slots != nil {
			<-q.slots
		}
		var zero T
		f.resolve(zero, ErrQueueClosed)
		return f
	}
	q.tasks = append(q.tasks, wrapped)
	q.cond.Signal()
	q.mu.Unlock()
	return f
}

// Pending returns the number of tasks not yet started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and waits until every queued task ran or
// ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
