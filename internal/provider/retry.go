package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/msageha/tandem/internal/logging"
	"github.com/msageha/tandem/internal/model"
)

// RetryPolicy decides, after the given 1-based attempt failed with err,
// whether to retry and after what delay.
type RetryPolicy func(attempt int, err error) (time.Duration, bool)

// NoRetry never retries.
func NoRetry(int, error) (time.Duration, bool) { return 0, false }

// BackoffPolicy retries transient failures with exponential backoff up to
// cfg.MaxAttempts total attempts.
func BackoffPolicy(cfg model.RetryConfig) RetryPolicy {
	return func(attempt int, err error) (time.Duration, bool) {
		if attempt >= cfg.MaxAttempts || !Retryable(err) {
			return 0, false
		}
		bo := newBackOff(cfg)
		var d time.Duration
		for i := 0; i < attempt; i++ {
			d = bo.NextBackOff()
		}
		if d == backoff.Stop {
			return 0, false
		}
		return d, true
	}
}

func newBackOff(cfg model.RetryConfig) *backoff.ExponentialBackOff {
	// BackOff implementations are stateful; always build a fresh one.
	bo := backoff.NewExponentialBackOff()
	if cfg.InitialIntervalMs > 0 {
		bo.InitialInterval = time.Duration(cfg.InitialIntervalMs) * time.Millisecond
	}
	if cfg.MaxIntervalMs > 0 {
		bo.MaxInterval = time.Duration(cfg.MaxIntervalMs) * time.Millisecond
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Retryable reports whether err is a transient provider failure. Timeouts,
// missing executables and cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAPIKeyRequired) {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

type retrying struct {
	inner  Provider
	policy RetryPolicy
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps p so failed invocations are retried per policy. The
// retry budget is independent of the iteration loop's own bound.
func WithRetry(p Provider, policy RetryPolicy, logger *logging.Logger) Provider {
	if policy == nil {
		policy = NoRetry
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &retrying{inner: p, policy: policy, logger: logger, sleep: sleepCtx}
}

func (r *retrying) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	for attempt := 1; ; attempt++ {
		out, err := r.inner.Invoke(ctx, prompt, timeout)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		delay, ok := r.policy(attempt, err)
		if !ok {
			if attempt > 1 {
				return out, fmt.Errorf("failed after %d attempts: %w", attempt, err)
			}
			return out, err
		}
		r.logger.Warnf("provider_retry attempt=%d delay=%s: %v", attempt, delay, err)
		if err := r.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
