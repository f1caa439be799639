package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunsTasks(t *testing.T) {
	e := NewExecutor()
	defer e.Shutdown(context.Background())

	var ran int64
	done := make(chan struct{})
	ok := e.Submit("work", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		close(done)
		return nil
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestExecutorSwallowsErrors(t *testing.T) {
	e := NewExecutor()
	defer e.Shutdown(context.Background())

	done := make(chan struct{})
	e.Submit("failing", func(ctx context.Context) error {
		defer close(done)
		return errors.New("boom")
	})

	<-done
	require.Eventually(t, func() bool {
		return e.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorRecoversPanic(t *testing.T) {
	e := NewExecutor()
	defer e.Shutdown(context.Background())

	done := make(chan struct{})
	e.Submit("panicking", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})

	<-done
	require.Eventually(t, func() bool {
		return e.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Worker survives, later tasks still run.
	ok := make(chan struct{})
	e.Submit("after", func(ctx context.Context) error {
		close(ok)
		return nil
	})
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not recover after panic")
	}
}

func TestExecutorDropsWhenFull(t *testing.T) {
	e := NewExecutor(func(o *Options) {
		o.Workers = 1
		o.QueueSize = 1
	})
	defer e.Shutdown(context.Background())

	block := make(chan struct{})
	e.Submit("blocker", func(ctx context.Context) error {
		<-block
		return nil
	})

	// Fill the queue, then overflow it.
	for i := 0; i < 5; i++ {
		e.Submit("fill", func(ctx context.Context) error { return nil })
	}
	close(block)

	assert.Greater(t, e.Stats().Dropped, int64(0))
}

func TestExecutorShutdownDrains(t *testing.T) {
	e := NewExecutor(func(o *Options) { o.Workers = 1 })

	var ran int64
	for i := 0; i < 3; i++ {
		e.Submit("work", func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
	}

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, int64(3), atomic.LoadInt64(&ran))

	// Post-shutdown submissions are rejected.
	assert.False(t, e.Submit("late", func(ctx context.Context) error { return nil }))
}
