package workpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_invalidConfig(t *testing.T) {
	for _, tc := range []struct {
		name                 string
		threads, maxRequests int
	}{
		{`zero threads`, 0, 10},
		{`negative threads`, -1, 10},
		{`zero requests`, 8, 0},
		{`negative requests`, 8, -5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.threads, tc.maxRequests)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPool_Submit_rejectsWithoutBlocking(t *testing.T) {
	p, err := New(1, 3)
	require.NoError(t, err)
	defer p.Close()

	// not started, so nothing drains the queue
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(TaskFunc(func() {})))
	}
	assert.Equal(t, 3, p.Len())

	done := make(chan error, 1)
	go func() { done <- p.Submit(TaskFunc(func() {})) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(5 * time.Second):
		t.Fatal("submit blocked")
	}
	assert.Equal(t, 3, p.Len())
}

func TestPool_Submit_recoversAfterDrain(t *testing.T) {
	p, err := New(1, 2)
	require.NoError(t, err)
	defer p.Close()

	release := make(chan struct{})
	var ran atomic.Int32
	blocking := TaskFunc(func() {
		<-release
		ran.Add(1)
	})
	require.NoError(t, p.Submit(blocking))
	require.NoError(t, p.Submit(blocking))
	assert.ErrorIs(t, p.Submit(blocking), ErrQueueFull)

	require.NoError(t, p.Start(context.Background()))
	close(release)
	require.Eventually(t, func() bool { return ran.Load() == 2 }, 5*time.Second, time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, p.Submit(TaskFunc(func() { close(done) })))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestPool_fifo(t *testing.T) {
	p, err := New(1, 100)
	require.NoError(t, err)
	defer p.Close()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(TaskFunc(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})))
	}
	require.NoError(t, p.Start(context.Background()))
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d", i, v)
		}
	}
}

func TestPool_concurrentSubmit(t *testing.T) {
	p, err := New(DefaultThreads, DefaultMaxRequests)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	var (
		ran      atomic.Int64
		accepted atomic.Int64
		wg       sync.WaitGroup
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if p.Submit(TaskFunc(func() { ran.Add(1) })) == nil {
					accepted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return ran.Load() == accepted.Load() }, 10*time.Second, time.Millisecond)
	assert.Zero(t, p.Len())
}

func TestPool_recoversPanic(t *testing.T) {
	p, err := New(1, 10)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	require.NoError(t, p.Submit(TaskFunc(func() { panic("boom") })))
	done := make(chan struct{})
	require.NoError(t, p.Submit(TaskFunc(func() { close(done) })))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPool_Submit_nil(t *testing.T) {
	p, err := New(1, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Submit(nil), ErrNilTask)
}

func TestPool_Close(t *testing.T) {
	p, err := New(2, 10)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(TaskFunc(func() {
		close(started)
		<-release
	})))
	<-started

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case <-closed:
		t.Fatal("close returned before the running task")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	assert.ErrorIs(t, p.Submit(TaskFunc(func() {})), ErrPoolClosed)
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolClosed)
	assert.NoError(t, p.Close())
}

func TestPool_Close_discardsQueued(t *testing.T) {
	p, err := New(1, 10)
	require.NoError(t, err)
	var ran atomic.Bool
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(TaskFunc(func() { ran.Store(true) })))
	}
	require.NoError(t, p.Close())
	assert.Zero(t, p.Len())
	assert.False(t, ran.Load())
}

func TestPool_Start_twice(t *testing.T) {
	p, err := New(1, 1)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
}

func TestPool_Start_contextCancel(t *testing.T) {
	p, err := New(4, 10)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()
	done := make(chan error, 1)
	go func() { done <- p.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}
