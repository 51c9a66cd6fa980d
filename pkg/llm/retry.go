package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// FallbackHandler is invoked when a model keeps being rate limited. It
// returns the model to switch to, or false to give up on fallback.
type FallbackHandler func(ctx context.Context, failedModel string, err error) (string, bool)

// RetryPolicy retries transient model failures with exponential backoff and
// escalates persistent rate limiting to a fallback handler.
type RetryPolicy struct {
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	// OnPersistentRateLimit may swap the model after repeated 429s or a
	// terminal quota error. It is invoked at most once per Do call.
	OnPersistentRateLimit FallbackHandler

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       time.Duration

	// PersistentRateLimitThreshold is the number of consecutive 429s that
	// counts as persistent.
	PersistentRateLimitThreshold int
}

// DefaultRetryPolicy returns the policy used for every direct model call.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:                  5,
		InitialDelay:                 5 * time.Second,
		MaxDelay:                     30 * time.Second,
		Jitter:                       500 * time.Millisecond,
		PersistentRateLimitThreshold: 2,
	}
}

// WithFallback returns a copy of the policy using handler for persistent
// rate limiting.
func (p *RetryPolicy) WithFallback(handler FallbackHandler) *RetryPolicy {
	c := *p
	c.OnPersistentRateLimit = handler
	return &c
}

// WithOnRetry returns a copy of the policy reporting retries to fn.
func (p *RetryPolicy) WithOnRetry(fn func(attempt int, delay time.Duration, err error)) *RetryPolicy {
	c := *p
	c.OnRetry = fn
	return &c
}

func (p *RetryPolicy) backoff(retryAfter *time.Duration, attempt *int, lastErr *error) retry.Backoff {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Millisecond
	}
	b := retry.NewExponential(initial)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	maxRetries := p.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	b = retry.WithMaxRetries(uint64(maxRetries), b)

	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if stop {
			return 0, true
		}
		if hint := *retryAfter; hint > d {
			d = hint
			if p.MaxDelay > 0 && d > p.MaxDelay {
				d = p.MaxDelay
			}
		}
		*retryAfter = 0
		if p.OnRetry != nil {
			p.OnRetry(*attempt, d, *lastErr)
		}
		return d, false
	})
}

// Do runs fn against model until it succeeds, fails permanently or the
// attempts are exhausted. fn receives the model to use for each attempt,
// which changes if the fallback handler swaps it.
func Do[T any](ctx context.Context, p *RetryPolicy, model string, fn func(ctx context.Context, model string) (T, error)) (T, error) {
	if p == nil {
		p = DefaultRetryPolicy()
	}
	threshold := p.PersistentRateLimitThreshold
	if threshold <= 0 {
		threshold = 2
	}

	var (
		result          T
		retryAfter      time.Duration
		attempt         int
		lastErr         error
		consecutive429s int
		fallbackUsed    bool
	)

	tryFallback := func(err error) bool {
		if fallbackUsed || p.OnPersistentRateLimit == nil {
			return false
		}
		fallbackUsed = true
		next, ok := p.OnPersistentRateLimit(ctx, model, err)
		if !ok || next == "" {
			return false
		}
		model = next
		consecutive429s = 0
		return true
	}

	err := retry.Do(ctx, p.backoff(&retryAfter, &attempt, &lastErr), func(ctx context.Context) error {
		attempt++
		res, err := fn(ctx, model)
		if err == nil {
			result = res
			return nil
		}
		lastErr = err

		switch {
		case IsQuotaExceeded(err):
			if tryFallback(err) {
				return retry.RetryableError(err)
			}
			return err
		case IsRateLimit(err):
			consecutive429s++
			if pe, ok := AsProviderError(err); ok {
				retryAfter = pe.RetryAfter
			}
			if consecutive429s >= threshold {
				tryFallback(err)
			}
			return retry.RetryableError(err)
		case IsRetryable(err):
			consecutive429s = 0
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err != nil {
		var zero T
		// go-retry returns ctx.Err() when cancelled during a sleep.
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return zero, errors.Join(ctxErr, err)
		}
		return zero, err
	}
	return result, nil
}
