package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTasksInOrder(t *testing.T) {
	q := NewQueue(zerolog.Nop())

	var (
		mu    sync.Mutex
		order []int
	)
	futures := make([]*Future[int], 0, 50)
	for i := range 50 {
		futures = append(futures, Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
			// Earlier tasks sleep longer; they must still finish first.
			time.Sleep(time.Duration(50-i) * 10 * time.Microsecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i * 2, nil
		}))
	}

	for i, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i*2, v)
	}
	require.NoError(t, q.Close(context.Background()))

	expected := make([]int, 50)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestQueueTaskError(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	defer q.Close(context.Background())

	_, err := Enqueue(context.Background(), q, func(ctx context.Context) (string, error) {
		return "", errors.New("bad input")
	}).Wait(context.Background())
	assert.EqualError(t, err, "bad input")
}

func TestQueueRecoversPanics(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	defer q.Close(context.Background())

	_, err := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		panic("boom")
	}).Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	v, err := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		return 7, nil
	}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestQueueTaskContextIsNotCancelled(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	defer q.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	Enqueue(context.Background(), q, func(ctx context.Context) (struct{}, error) {
		<-release
		return struct{}{}, nil
	})
	f := Enqueue(ctx, q, func(ctx context.Context) (error, error) {
		return ctx.Err(), nil
	})
	cancel()
	close(release)

	taskErr, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, taskErr)
}

func TestQueueWaitGivesUpWithContext(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	release := make(chan struct{})
	f := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueueBoundedBlocksEnqueue(t *testing.T) {
	q := NewQueue(zerolog.Nop(), WithMaxPending(1))
	release := make(chan struct{})
	started := make(chan struct{})

	first := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	<-started

	// The running task freed its slot, so one more fits.
	second := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		return 2, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Enqueue(ctx, q, func(ctx context.Context) (int, error) {
		return 3, nil
	}).Wait(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = second.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueueCloseDrainsAndRejects(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	var ran []int
	for i := range 5 {
		Enqueue(context.Background(), q, func(ctx context.Context) (struct{}, error) {
			time.Sleep(time.Millisecond)
			ran = append(ran, i)
			return struct{}{}, nil
		})
	}
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ran)
	assert.Zero(t, q.Pending())

	_, err := Enqueue(context.Background(), q, func(ctx context.Context) (int, error) {
		return 1, nil
	}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}
