package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := New(context.Background(), 4)
	defer p.Shutdown()

	var n int64
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		}))
	}
	wg.Wait()
	require.EqualValues(t, 20, atomic.LoadInt64(&n))
}

func TestPoolSubmitBlocksWhenFull(t *testing.T) {
	p := New(context.Background(), 1)
	defer p.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	// The single worker is busy and the channel buffer (size 1) is also
	// occupied by this next job, so a third submit must block until
	// ctx is cancelled.
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(ctx context.Context) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestPoolQueueDepthReflectsOutstandingWork(t *testing.T) {
	p := New(context.Background(), 2)
	defer p.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			started <- struct{}{}
			<-release
		}))
	}
	<-started
	<-started
	require.Equal(t, 2, p.QueueDepth())
	close(release)
}

func TestPoolShutdownDrainsQueuedWork(t *testing.T) {
	p := New(context.Background(), 2)

	var n int64
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			atomic.AddInt64(&n, 1)
		}))
	}
	p.Shutdown()
	require.EqualValues(t, 10, atomic.LoadInt64(&n))

	err := p.Submit(context.Background(), func(ctx context.Context) {})
	require.Error(t, err)
}
