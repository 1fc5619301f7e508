package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
	boom := errors.New("boom")

	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
		ok      bool
	}{
		{"first failure", 1, boom, 50 * time.Millisecond, true},
		{"last retry", 2, boom, 50 * time.Millisecond, true},
		{"exhausted", 3, boom, 0, false},
		{"permanent", 1, NoRetry(boom), 0, false},
		{"hint exact", 99, RetryAfter(boom, 5*time.Second), 5 * time.Second, true},
		{"nil", 1, nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.Delay(tt.attempt, tt.err)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Delay(%d, %v) = (%v, %v), want (%v, %v)", tt.attempt, tt.err, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if err == nil || calls != 3 {
		t.Fatalf("Do() err=%v calls=%d, want error after 3 calls", err, calls)
	}
}

func TestDoHintDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 1, BaseDelay: time.Hour}
	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return RetryAfter(errors.New("slow down"), 20*time.Millisecond)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Do() err=%v calls=%d", err, calls)
	}
	if el := time.Since(start); el < 40*time.Millisecond {
		t.Fatalf("hint not honored, elapsed %v", el)
	}
}

func TestDoHonorsCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}
	boom := errors.New("boom")
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Do() = %v, want last fn error", err)
	}
}
