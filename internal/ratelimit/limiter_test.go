package ratelimit

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

func TestExecute_ReturnsValue(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	v, err := Execute(context.Background(), l, func(_ context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int64(1), l.Stats().TotalCalls)
}

func TestExecute_PropagatesErrorUnchanged(t *testing.T) {
	l := New(Config{})
	sentinel := errors.New("provider down")
	var calls int
	err := l.Do(context.Background(), func(_ context.Context) error {
		calls++
		return sentinel
	})
	assert.Same(t, sentinel, err)
	assert.Equal(t, 1, calls, "limiter must not retry")
}

func TestExecute_ConcurrencyCap(t *testing.T) {
	l := New(Config{MaxConcurrent: 2})

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(_ context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(8), l.Stats().TotalCalls)
}

func TestExecute_MinSpacing(t *testing.T) {
	l := New(Config{MaxConcurrent: 4, MinSpacing: 30 * time.Millisecond})

	var mu sync.Mutex
	var starts []time.Time
	for i := 0; i < 3; i++ {
		_ = l.Do(context.Background(), func(_ context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		})
	}
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 25*time.Millisecond)
	}
}

func TestExecute_WindowCap(t *testing.T) {
	l := New(Config{MaxConcurrent: 4, MaxPerWindow: 2, Window: 80 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Do(context.Background(), func(_ context.Context) error { return nil }))
	}
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond, "third call waits for the window to roll")
}

func TestExecute_FIFOAdmission(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})

	block := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(_ context.Context) error {
			close(running)
			<-block
			return nil
		})
	}()
	<-running

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Do(context.Background(), func(_ context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Let each waiter enqueue before the next one.
		require.Eventually(t, func() bool { return l.Stats().Queued == int64(i+1) }, time.Second, time.Millisecond)
	}
	close(block)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestExecute_ContextCancelledWhileQueued(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})

	block := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(_ context.Context) error {
			close(running)
			<-block
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var called bool
	err := l.Do(ctx, func(_ context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, called)
	close(block)

	// The slot taken by the first call is released, so the limiter still works.
	require.Eventually(t, func() bool { return l.Stats().Active == 0 }, time.Second, time.Millisecond)
	assert.NoError(t, l.Do(context.Background(), func(_ context.Context) error { return nil }))
}

func TestStats_CallsInWindow(t *testing.T) {
	l := New(Config{MaxPerWindow: 10, Window: time.Minute})
	for i := 0; i < 3; i++ {
		_ = l.Do(context.Background(), func(_ context.Context) error { return nil })
	}
	s := l.Stats()
	assert.Equal(t, 3, s.CallsInWindow)
	assert.Zero(t, s.Active)
	assert.Zero(t, s.Queued)
}
