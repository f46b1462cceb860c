package store

import (
	"context"
	"log/slog"
	"time"

	conductorerrors "github.com/tombarlow/orchestrator/pkg/errors"
)

// RetryConfig governs Retrying's backoff. Matches spec §4.1: retry <= 3,
// exponential.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig is 3 attempts, 50ms/100ms/200ms backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
}

// Retrying wraps a Store so that transient failures are retried with
// exponential backoff before surfacing as StoreUnavailableError. It never
// hides a permanent failure: once the attempt budget is exhausted the
// caller gets a typed error it can act on (the job manager keeps driving
// the job to completion and persists best-effort on next write).
type Retrying struct {
	inner  Store
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrying wraps inner with the given retry policy.
func NewRetrying(inner Store, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{inner: inner, cfg: cfg, logger: logger}
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	attempts := r.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		r.logger.Warn("store operation failed, retrying",
			slog.String("op", op), slog.Int("attempt", attempt+1), slog.Any("error", lastErr))
	}
	return &conductorerrors.StoreUnavailableError{Op: op, Attempts: attempts, Cause: lastErr}
}

func (r *Retrying) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	err = r.retry(ctx, "get", func() error {
		var e error
		value, ok, e = r.inner.Get(ctx, key)
		return e
	})
	return value, ok, err
}

func (r *Retrying) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.retry(ctx, "set", func() error { return r.inner.Set(ctx, key, value, ttl) })
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete", func() error { return r.inner.Delete(ctx, key) })
}

func (r *Retrying) Incr(ctx context.Context, key string, ttl time.Duration) (n int64, err error) {
	err = r.retry(ctx, "incr", func() error {
		var e error
		n, e = r.inner.Incr(ctx, key, ttl)
		return e
	})
	return n, err
}

func (r *Retrying) TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error) {
	err = r.retry(ctx, "ttl", func() error {
		var e error
		ttl, ok, e = r.inner.TTL(ctx, key)
		return e
	})
	return ttl, ok, err
}

func (r *Retrying) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.retry(ctx, "zadd", func() error { return r.inner.ZAdd(ctx, key, score, member) })
}

func (r *Retrying) ZRem(ctx context.Context, key string, member string) error {
	return r.retry(ctx, "zrem", func() error { return r.inner.ZRem(ctx, key, member) })
}

func (r *Retrying) ZRank(ctx context.Context, key string, member string) (rank int64, ok bool, err error) {
	err = r.retry(ctx, "zrank", func() error {
		var e error
		rank, ok, e = r.inner.ZRank(ctx, key, member)
		return e
	})
	return rank, ok, err
}

func (r *Retrying) ZCard(ctx context.Context, key string) (n int64, err error) {
	err = r.retry(ctx, "zcard", func() error {
		var e error
		n, e = r.inner.ZCard(ctx, key)
		return e
	})
	return n, err
}

func (r *Retrying) ZRange(ctx context.Context, key string, start, stop int64) (members []string, err error) {
	err = r.retry(ctx, "zrange", func() error {
		var e error
		members, e = r.inner.ZRange(ctx, key, start, stop)
		return e
	})
	return members, err
}

func (r *Retrying) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.retry(ctx, "publish", func() error { return r.inner.Publish(ctx, channel, payload) })
}

func (r *Retrying) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	var sub Subscription
	err := r.retry(ctx, "subscribe", func() error {
		var e error
		sub, e = r.inner.Subscribe(ctx, channel)
		return e
	})
	return sub, err
}

func (r *Retrying) Close() error { return r.inner.Close() }

var _ Store = (*Retrying)(nil)
