package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_CoalescesSameKey(t *testing.T) {
	p := NewPool(2)
	release := make(chan struct{})
	var calls atomic.Int32

	first, coalesced, err := p.Submit("loc-1", "run-1", func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.False(t, coalesced)

	second, coalesced, err := p.Submit("loc-1", "run-2", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, coalesced)
	assert.Same(t, first, second)
	assert.Equal(t, "run-1", second.RunID)

	close(release)
	require.NoError(t, first.Wait(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	_, ok := p.Running("loc-1")
	assert.False(t, ok)

	// Once finished the key is free again
	third, coalesced, err := p.Submit("loc-1", "run-3", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, coalesced)
	require.NoError(t, third.Wait(context.Background()))
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var active, peak atomic.Int32
	release := make(chan struct{})

	var jobs []*Job
	for _, key := range []string{"a", "b", "c", "d"} {
		job, _, err := p.Submit(key, key, func(ctx context.Context) error {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return nil
		})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, j := range jobs {
		require.NoError(t, j.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_ReportsJobError(t *testing.T) {
	p := NewPool(1)
	boom := errors.New("boom")

	job, _, err := p.Submit("loc-1", "run-1", func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, job.Wait(context.Background()), boom)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(1)

	job, _, err := p.Submit("loc-1", "run-1", func(ctx context.Context) error { panic("bad") })
	require.NoError(t, err)
	assert.Error(t, job.Wait(context.Background()))
}

func TestPool_Shutdown(t *testing.T) {
	p := NewPool(1)

	job, _, err := p.Submit("loc-1", "run-1", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, job.Wait(context.Background()), context.Canceled)

	_, _, err = p.Submit("loc-2", "run-2", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}
