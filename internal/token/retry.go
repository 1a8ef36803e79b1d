package token

import (
	"context"
	"time"
)

// RetryPolicy wraps an acquisition attempt in a bounded exponential
// backoff loop. Classification is the attempt's job (it returns typed
// errors); the policy only decides whether to loop.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int
	// BaseDelay is the sleep after the first failure; it doubles per
	// attempt (base, 2*base, 4*base, ...).
	BaseDelay time.Duration
	// OnRetry, if set, observes each attempt beyond the first before the
	// backoff sleep. attempt is the number of the attempt that just failed.
	OnRetry func(attempt int, err error)
	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs op until it succeeds, fails fatally, the budget is exhausted, or
// ctx is done. Exhaustion and context expiry surface as an AuthError with
// Exhausted set, matchable via errors.Is(err, ErrExhausted).
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) (Grant, error)) (Grant, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = ctxSleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if p.OnRetry != nil {
				p.OnRetry(attempt-1, lastErr)
			}
			delay := p.BaseDelay << (attempt - 2)
			if err := sleep(ctx, delay); err != nil {
				return Grant{}, &AuthError{Message: "acquisition canceled", Exhausted: true, Err: err}
			}
		}
		g, err := op(ctx)
		if err == nil {
			return g, nil
		}
		lastErr = err
		if !Retryable(err) {
			return Grant{}, err
		}
	}
	return Grant{}, &AuthError{Message: "token acquisition attempts exhausted", Exhausted: true, Err: lastErr}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
