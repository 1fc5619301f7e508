// Package retry is the backoff policy shared by the sender and the lookup
// path: a fixed delay between a bounded number of attempts, and exact
// honoring of a server supplied wait.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NoRetry marks an error as permanent.
//
//	return retry.NoRetry(fmt.Errorf("bad address: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfterError is implemented by errors that carry an explicit wait,
// e.g. an HTTP 429 Retry-After header or a Telegram flood signal.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter wraps err with a wait hint. The policy waits exactly d.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	if d < 0 {
		d = 0
	}
	return retryAfterError{err: err, after: d}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Hint extracts a retry-after wait from err, if any.
func Hint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Policy describes how failed attempts are retried.
//
// MaxAttempts bounds attempts that fail without a hint (the first attempt
// counts). Hinted failures do not consume attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default is 1 attempt + 3 retries, 2s apart.
func Default() Policy { return Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second} }

// Delay returns the wait before the next attempt after the given number of
// unhinted failed attempts, or false when err should not be retried.
func (p Policy) Delay(attempt int, err error) (time.Duration, bool) {
	if err == nil || IsNoRetry(err) {
		return 0, false
	}
	if d, ok := Hint(err); ok {
		return d, true
	}
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	if attempt >= max {
		return 0, false
	}
	d := p.BaseDelay
	if d < 0 {
		d = 0
	}
	return d, true
}

// Do runs fn until it succeeds, the policy gives up or ctx is done.
// The last error from fn is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if _, hinted := Hint(err); !hinted {
			attempt++
		}
		wait, ok := p.Delay(attempt, err)
		if !ok {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if serr := Sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
