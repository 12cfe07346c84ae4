package phases

import (
	"context"
	"time"
)

// RetryPolicy bounds the attempts made for one unit of work. Backoff[i] is
// waited before attempt i+1; missing entries mean no wait.
type RetryPolicy struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Backoff     []time.Duration `yaml:"backoff"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{0, time.Second, 2 * time.Second},
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Waits between attempts stop early when ctx is done. It
// returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		if waitErr := p.wait(ctx, attempt); waitErr != nil {
			return attempt - 1, waitErr
		}
		err = fn(ctx, attempt)
		if err == nil || !IsRetryable(err) {
			return attempt, err
		}
	}
	return limit, err
}

func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	var d time.Duration
	if idx := attempt - 1; idx < len(p.Backoff) {
		d = p.Backoff[idx]
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
