// Package retry wraps a storage.Backend with transient-error retries driven
// by the shared backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/warden/internal/backoff"
	"pkt.systems/warden/internal/clock"
	"pkt.systems/warden/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	Policy      backoff.Policy
}

// ErrNonReplayableBody is returned when a transient upload failure cannot be
// retried because the request body is not seekable.
var ErrNonReplayableBody = errors.New("retry: request body is not replayable")

// Wrap returns a backend that retries transient errors according to cfg.
// CAS mismatches and not-found errors pass through untouched; retrying those
// would hide lost leases from callers.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

func (b *backend) LoadRecord(ctx context.Context, key string) (storage.RecordResult, error) {
	var result storage.RecordResult
	err := b.withRetry(ctx, "load_record", key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.LoadRecord(ctx, key)
		return err
	})
	return result, err
}

func (b *backend) StoreRecord(ctx context.Context, key string, rec *storage.Record, expectedETag string) (string, error) {
	var newETag string
	err := b.withRetry(ctx, "store_record", key, func(ctx context.Context) error {
		var err error
		newETag, err = b.inner.StoreRecord(ctx, key, rec, expectedETag)
		return err
	})
	return newETag, err
}

func (b *backend) DeleteRecord(ctx context.Context, key string, expectedETag string) error {
	return b.withRetry(ctx, "delete_record", key, func(ctx context.Context) error {
		return b.inner.DeleteRecord(ctx, key, expectedETag)
	})
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, opts)
		return err
	})
	return res, err
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, key)
		return err
	})
	return result, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	seeker, replayable := body.(io.Seeker)
	var info *storage.ObjectInfo
	first := true
	err := b.withRetry(ctx, "put_object", key, func(ctx context.Context) error {
		if !first {
			if _, serr := seeker.Seek(0, io.SeekStart); serr != nil {
				return fmt.Errorf("retry: rewind body: %w", serr)
			}
		}
		first = false
		res, err := b.inner.PutObject(ctx, key, body, opts)
		if err != nil {
			if storage.IsTransient(err) && !replayable {
				// Fail fast rather than replay a consumed reader.
				return fmt.Errorf("%w: %v", ErrNonReplayableBody, err)
			}
			return err
		}
		info = res
		return nil
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, key, opts)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeRecordChanges(key string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeRecordChanges(key)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) nextDelay(attempt int) time.Duration {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.cfg.Policy.Delay(attempt, b.rng)
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := b.nextDelay(attempt - 1)
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		if werr := backoff.Wait(ctx, b.clock, delay); werr != nil {
			return werr
		}
	}
	return lastErr
}
