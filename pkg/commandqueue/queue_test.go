package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(Options{Name: "test", Buffer: 8})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueue_BasicEnqueue(t *testing.T) {
	q := newTestQueue(t)

	executed := false
	err := q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := newTestQueue(t)

	expectedErr := errors.New("task failed")
	err := q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		return expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
}

func TestQueue_SameKeyStrictOrdering(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	// The first task is slow and the second fast; the second must still wait.
	first, err := q.Submit(context.Background(), "conn:peer:root", func(ctx context.Context) error {
		record("m1:start")
		time.Sleep(50 * time.Millisecond)
		record("m1:end")
		return nil
	})
	require.NoError(t, err)
	second, err := q.Submit(context.Background(), "conn:peer:root", func(ctx context.Context) error {
		record("m2:start")
		record("m2:end")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, <-first)
	require.NoError(t, <-second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1:start", "m1:end", "m2:start", "m2:end"}, events)
}

func TestQueue_FIFOManyTasks(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	var dones []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		done, err := q.Submit(context.Background(), "k", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, d := range dones {
		<-d
	}

	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestQueue_DifferentKeysRunConcurrently(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan string, 2)

	for _, key := range []string{"a", "b"} {
		key := key
		_, err := q.Submit(context.Background(), key, func(ctx context.Context) error {
			started <- key
			<-release
			return nil
		})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-started:
			seen[k] = true
		case <-time.After(time.Second):
			t.Fatal("keys did not run concurrently")
		}
	}
	close(release)
	assert.True(t, seen["a"] && seen["b"])
}

func TestQueue_PanicDoesNotPoisonKey(t *testing.T) {
	q := newTestQueue(t)

	err := q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	ran := false
	err = q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestQueue_IdleWorkerTornDown(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(context.Background(), "k", func(ctx context.Context) error { return nil }))

	assert.Eventually(t, func() bool { return q.ActiveKeys() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Pending("k"))
	assert.Empty(t, q.GetStats())
}

func TestQueue_PendingAndStats(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		_, err := q.Submit(context.Background(), "k", func(ctx context.Context) error {
			<-release
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, q.Pending("k"))
	assert.Equal(t, map[string]int{"k": 3}, q.GetStats())
	close(release)
	assert.True(t, q.WaitForActive(time.Second))
}

func TestQueue_SubmitCancelledWhileBufferFull(t *testing.T) {
	q := New(Options{Name: "tiny", Buffer: 1})
	defer q.Close()

	release := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	_, err := q.Submit(context.Background(), "k", block)
	require.NoError(t, err)
	// Wait until the worker has taken the first task so the buffer holds the second.
	require.Eventually(t, func() bool {
		_, err := q.Submit(context.Background(), "k", block)
		return err == nil
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Submit(ctx, "k", block)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.True(t, q.WaitForActive(time.Second))
}

func TestQueue_SubmitOnce(t *testing.T) {
	q := newTestQueue(t)

	var runs atomic.Int32
	task := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}

	ok, err := q.SubmitOnce(context.Background(), "k", "msg-1", task)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.SubmitOnce(context.Background(), "k", "msg-1", task)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, q.WaitForActive(time.Second))
	assert.Equal(t, int32(1), runs.Load())
}

func TestQueue_CloseRejectsAndCancels(t *testing.T) {
	q := New(Options{Name: "closing"})

	started := make(chan struct{})
	done, err := q.Submit(context.Background(), "k", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Close())
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err = q.Submit(context.Background(), "k", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_EventEmission(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var types []string
	q.On("enqueued", func(e Event) {
		mu.Lock()
		types = append(types, e.Type+":"+e.Key)
		mu.Unlock()
	})
	q.On("completed", func(e Event) {
		mu.Lock()
		types = append(types, e.Type+":"+e.Key)
		mu.Unlock()
	})

	require.NoError(t, q.Enqueue(context.Background(), "k", func(ctx context.Context) error { return nil }))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"enqueued:k", "completed:k"}, types)
	mu.Unlock()

	q.Off("enqueued")
	q.Off("completed")
}
