// Package transport defines the outbound messaging endpoint used by the
// dispatch sender and its error taxonomy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Endpoint delivers one text payload. It fails with a *RateLimitedError when
// the remote side asks the caller to back off; any other error is a
// transport error.
type Endpoint interface {
	Send(ctx context.Context, text string) error
}

// Splitter is implemented by endpoints that cap the size of one Send. The
// sender delivers each part as its own attempt, so a retry never repeats a
// part that already went through.
type Splitter interface {
	Split(text string) []string
}

// RateLimitedError carries the exact wait requested by the endpoint.
type RateLimitedError struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.Wait)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter lets retry.Hint pick the wait up.
func (e *RateLimitedError) RetryAfter() time.Duration { return e.Wait }

func RateLimited(after time.Duration, err error) error {
	if after < 0 {
		after = 0
	}
	return &RateLimitedError{Wait: after, Err: err}
}

// IsRateLimited reports whether err is a rate-limit signal and the wait it
// carries.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}

// Recorder is an in-memory Endpoint that keeps every delivered payload. The
// CLI uses it for dry runs.
type Recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *Recorder) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}
