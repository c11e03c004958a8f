// Package worker runs background jobs on a bounded pool with at most one
// in-flight job per key.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Job is a submitted unit of work.
type Job struct {
	Key   string
	RunID string

	done chan struct{}
	err  error
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*Job
	closed  bool
}

// NewPool creates a pool running at most concurrency jobs at once
func NewPool(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*Job),
	}
}

// Submit schedules fn under key. When a job with the same key is queued or
// running, that job is returned with coalesced set and fn is dropped.
// fn receives a context detached from the submitter and cancelled only by Shutdown.
func (p *Pool) Submit(key, runID string, fn func(ctx context.Context) error) (job *Job, coalesced bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, ErrPoolClosed
	}
	if existing, ok := p.running[key]; ok {
		return existing, true, nil
	}

	job = &Job{Key: key, RunID: runID, done: make(chan struct{})}
	p.running[key] = job
	p.wg.Add(1)

	go p.run(job, fn)
	return job, false, nil
}

func (p *Pool) run(job *Job, fn func(ctx context.Context) error) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.Key)
		p.mu.Unlock()
		close(job.done)
	}()

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		job.err = err
		return
	}
	defer p.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("key", job.Key).Str("run_id", job.RunID).Msg("background job panicked")
			job.err = errors.New("background job panicked")
		}
	}()

	job.err = fn(p.ctx)
}

// Running returns the in-flight job for key, if any.
func (p *Pool) Running(key string) (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.running[key]
	return job, ok
}

// Shutdown stops accepting jobs and waits for running ones. If ctx expires
// first, running jobs are cancelled and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
