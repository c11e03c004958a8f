// Package writer runs local mutations in small isolated transactions and
// retries the ones that lose a concurrency race.
package writer

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/vipul43/crmsync/internal/syncerr"
)

const (
	DefaultMaxAttempts = 3
	DefaultChunkSize   = 10
)

// Options tune a Writer. Zero values select the defaults.
type Options struct {
	MaxAttempts int
	ChunkSize   int
	// Backoff returns the delay before retry number attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Writer struct {
	db          *gorm.DB
	maxAttempts int
	chunkSize   int
	backoff     func(attempt int) time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(db *gorm.DB, opts Options) *Writer {
	w := &Writer{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		chunkSize:   opts.ChunkSize,
		backoff:     opts.Backoff,
		sleep:       opts.Sleep,
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = DefaultMaxAttempts
	}
	if w.chunkSize <= 0 {
		w.chunkSize = DefaultChunkSize
	}
	if w.backoff == nil {
		w.backoff = ExponentialBackoff()
	}
	if w.sleep == nil {
		w.sleep = sleepContext
	}
	return w
}

// ExponentialBackoff picks a random base between 100ms and 300ms once and
// doubles it on every further attempt.
func ExponentialBackoff() func(attempt int) time.Duration {
	base := 100*time.Millisecond + rand.N(200*time.Millisecond)
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base << (attempt - 1)
	}
}

// Write runs fn in its own transaction. Transient failures are retried up to
// the attempt limit; anything else is returned at once. Failures come back as
// *syncerr.Error carrying the kind and the number of attempts made.
func (w *Writer) Write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err = w.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			if attempt > 1 {
				log.Debug().Str("op", op).Int("attempt", attempt).Msg("write succeeded after retry")
			}
			return nil
		}

		if !syncerr.IsRetryable(err) {
			return &syncerr.Error{Kind: syncerr.Classify(err), Op: op, Attempts: attempt, Err: err}
		}
		if attempt == w.maxAttempts {
			break
		}

		delay := w.backoff(attempt)
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient write failure, retrying")

		if serr := w.sleep(ctx, delay); serr != nil {
			return &syncerr.Error{Kind: syncerr.Classify(serr), Op: op, Attempts: attempt, Err: serr}
		}
	}

	log.Error().Err(err).Str("op", op).Int("attempts", w.maxAttempts).Msg("write failed after retries")
	return &syncerr.Error{Kind: syncerr.KindTransient, Op: op, Attempts: w.maxAttempts, Err: err}
}

// BulkResult counts the outcome of a BulkWrite.
type BulkResult struct {
	Written int
	Failed  int
	Errors  []error
}

// BulkWrite applies fn to items in chunks, one transaction per chunk. A chunk
// that still fails after retries is replayed one item per transaction so a
// single bad item only costs itself.
func BulkWrite[T any](ctx context.Context, w *Writer, op string, items []T, fn func(tx *gorm.DB, item T) error) BulkResult {
	var res BulkResult

	for start := 0; start < len(items); start += w.chunkSize {
		end := min(start+w.chunkSize, len(items))
		chunk := items[start:end]

		err := w.Write(ctx, op, func(tx *gorm.DB) error {
			for _, item := range chunk {
				if err := fn(tx, item); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			res.Written += len(chunk)
			continue
		}
		if ctx.Err() != nil {
			res.Failed += len(items) - start
			res.Errors = append(res.Errors, err)
			return res
		}

		log.Warn().Err(err).Str("op", op).Int("chunk_size", len(chunk)).Msg("chunk failed, writing items individually")

		for _, item := range chunk {
			if err := w.Write(ctx, op, func(tx *gorm.DB) error { return fn(tx, item) }); err != nil {
				res.Failed++
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Written++
		}
	}

	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
