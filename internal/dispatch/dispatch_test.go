package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"walletwatch/internal/eventbus"
	"walletwatch/internal/retry"
	"walletwatch/internal/transport"
	logx "walletwatch/pkg/logx"
)

type call struct {
	text string
	at   time.Time
}

// fakeEndpoint replays scripted errors (nil = success) and records every
// attempt. It fails the test if two attempts overlap.
type fakeEndpoint struct {
	t     *testing.T
	delay time.Duration

	mu     sync.Mutex
	script []error
	calls  []call

	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeEndpoint) Send(ctx context.Context, text string) error {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{text: text, at: time.Now()})
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		return err
	}
	return nil
}

func (f *fakeEndpoint) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.text
	}
	return out
}

func (f *fakeEndpoint) callsCopy() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func testConfig() Config {
	return Config{BatchSize: 1, Retry: retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond}}
}

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestOrderingAcrossProducers(t *testing.T) {
	t.Parallel()
	ep := &fakeEndpoint{t: t}
	q := New(testConfig(), ep, logx.Nop(), nil)

	// Three producers take turns under a shared sequencing lock.
	var seq sync.Mutex
	var turn int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				seq.Lock()
				if turn == i-1 {
					if err := q.Enqueue(Message{Text: fmt.Sprintf("m%d", i)}); err != nil {
						t.Errorf("Enqueue: %v", err)
					}
					turn++
					seq.Unlock()
					return
				}
				seq.Unlock()
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	q.Start(context.Background())
	stopQueue(t, q)

	got := ep.texts()
	want := []string{"m1", "m2", "m3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("arrival order = %v, want %v", got, want)
	}
}

func TestRateLimitedCooldownRetriesIdenticalPayload(t *testing.T) {
	t.Parallel()
	const unit = 60 * time.Millisecond
	ep := &fakeEndpoint{t: t, script: []error{transport.RateLimited(2*unit, errors.New("429"))}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	q := New(testConfig(), ep, logx.Nop(), bus)
	q.Start(context.Background())
	if err := q.EnqueueText("payload"); err != nil {
		t.Fatal(err)
	}

	// COOLDOWN must be observable while the sender waits.
	deadline := time.Now().Add(time.Second)
	for q.State() != StateCooldown && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if q.State() != StateCooldown {
		t.Fatalf("state = %v, want COOLDOWN", q.State())
	}
	stopQueue(t, q)

	calls := ep.callsCopy()
	if len(calls) != 2 {
		t.Fatalf("attempts = %d, want 2", len(calls))
	}
	if calls[0].text != calls[1].text {
		t.Fatalf("retried payload %q differs from %q", calls[1].text, calls[0].text)
	}
	if gap := calls[1].at.Sub(calls[0].at); gap < 2*unit {
		t.Fatalf("retry after %v, want >= %v", gap, 2*unit)
	}

	snap := q.Snapshot()
	if snap.Sent != 1 || snap.RateLimited != 1 || snap.Dropped != 0 || snap.Retried != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	var sawCooldown bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.DispatchCooldown {
			sawCooldown = true
			if ev := e.Data.(Event); ev.Wait != 2*unit {
				t.Fatalf("cooldown wait = %v", ev.Wait)
			}
		}
	}
	if !sawCooldown {
		t.Fatal("no cooldown event published")
	}
}

func TestRateLimitNeverDrops(t *testing.T) {
	t.Parallel()
	rl := transport.RateLimited(time.Millisecond, errors.New("429"))
	ep := &fakeEndpoint{t: t, script: []error{rl, rl, rl, rl, rl, rl}}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	q := New(cfg, ep, logx.Nop(), nil)
	q.Start(context.Background())
	_ = q.EnqueueText("keep me")
	stopQueue(t, q)

	if n := len(ep.texts()); n != 7 {
		t.Fatalf("attempts = %d, want 7", n)
	}
	if s := q.Snapshot(); s.Dropped != 0 || s.Sent != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestTransportErrorDroppedAfterRetriesThenContinues(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	ep := &fakeEndpoint{t: t, script: []error{boom, boom, boom}}
	q := New(testConfig(), ep, logx.Nop(), nil)
	q.Start(context.Background())
	_ = q.EnqueueAll(Message{Text: "doomed"}, Message{Text: "next"})
	stopQueue(t, q)

	got := ep.texts()
	want := []string{"doomed", "doomed", "doomed", "next"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	s := q.Snapshot()
	if s.Dropped != 1 || s.Retried != 2 || s.Sent != 1 || s.LastError == "" {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestNoConcurrentAttempts(t *testing.T) {
	t.Parallel()
	ep := &fakeEndpoint{t: t, delay: time.Millisecond}
	q := New(testConfig(), ep, logx.Nop(), nil)
	q.Start(context.Background())

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_ = q.EnqueueText(fmt.Sprintf("p%d-%d", p, i))
			}
		}(p)
	}
	wg.Wait()
	stopQueue(t, q)

	if ep.overlap.Load() {
		t.Fatal("two delivery attempts overlapped")
	}
	if n := len(ep.texts()); n != 80 {
		t.Fatalf("delivered = %d, want 80", n)
	}
}

func TestBatchingJoinsSameGroup(t *testing.T) {
	t.Parallel()
	ep := &fakeEndpoint{t: t}
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.MaxPayload = 12
	q := New(cfg, ep, logx.Nop(), nil)

	_ = q.EnqueueAll(
		Message{Text: "a1", Group: "hit"},
		Message{Text: "a2", Group: "hit"},
		Message{Text: "solo"},
		Message{Text: "b1", Group: "hit"},
		Message{Text: "b2", Group: "hit"},
		Message{Text: "b3", Group: "hit"},
		Message{Text: "b4", Group: "hit"},
		Message{Text: "b5", Group: "hit"},
	)
	q.Start(context.Background())
	stopQueue(t, q)

	got := ep.texts()
	want := []string{"a1\na2", "solo", "b1\nb2\nb3\nb4", "b5"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("payloads = %q, want %q", got, want)
	}
	if s := q.Snapshot(); s.Messages != 8 || s.Sent != 4 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestBatchMaxWaitCollectsLateMessages(t *testing.T) {
	t.Parallel()
	ep := &fakeEndpoint{t: t}
	cfg := testConfig()
	cfg.BatchSize = 3
	cfg.BatchMaxWait = 200 * time.Millisecond
	q := New(cfg, ep, logx.Nop(), nil)
	q.Start(context.Background())

	_ = q.Enqueue(Message{Text: "x1", Group: "g"})
	time.Sleep(20 * time.Millisecond)
	_ = q.Enqueue(Message{Text: "x2", Group: "g"})
	_ = q.Enqueue(Message{Text: "x3", Group: "g"})
	stopQueue(t, q)

	if got := ep.texts(); len(got) != 1 || got[0] != "x1\nx2\nx3" {
		t.Fatalf("payloads = %q", got)
	}
}

func TestMinGapPacesAttempts(t *testing.T) {
	t.Parallel()
	ep := &fakeEndpoint{t: t}
	cfg := testConfig()
	cfg.MinGap = 40 * time.Millisecond
	q := New(cfg, ep, logx.Nop(), nil)
	_ = q.EnqueueAll(Message{Text: "1"}, Message{Text: "2"}, Message{Text: "3"})
	q.Start(context.Background())
	stopQueue(t, q)

	calls := ep.callsCopy()
	if len(calls) != 3 {
		t.Fatalf("calls = %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		// Allow a little scheduler slack below the nominal gap.
		if gap := calls[i].at.Sub(calls[i-1].at); gap < 30*time.Millisecond {
			t.Fatalf("gap %d = %v, want about 40ms", i, gap)
		}
	}
}

func TestEnqueueCapacityAndStopped(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Capacity = 2
	q := New(cfg, &fakeEndpoint{t: t}, logx.Nop(), nil)

	if err := q.EnqueueAll(Message{Text: "a"}, Message{Text: "b"}, Message{Text: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("EnqueueAll over capacity = %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("partial enqueue: len = %d", q.Len())
	}
	_ = q.EnqueueText("a")
	_ = q.EnqueueText("b")
	if err := q.EnqueueText("c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue at capacity = %v", err)
	}
	stopQueue(t, q)
	if err := q.EnqueueText("late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v", err)
	}
	if q.State() != StateStopped {
		t.Fatalf("state = %v", q.State())
	}
}

func TestStopAbandonsCooldownAtDeadline(t *testing.T) {
	t.Parallel()
	ep := &fakeEndpoint{t: t, script: []error{transport.RateLimited(time.Hour, errors.New("429"))}}
	q := New(testConfig(), ep, logx.Nop(), nil)
	q.Start(context.Background())
	_ = q.EnqueueText("stuck")

	deadline := time.Now().Add(time.Second)
	for q.State() != StateCooldown && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() = %v, want deadline exceeded", err)
	}
	if n := len(ep.texts()); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestApplyUpdatesPacing(t *testing.T) {
	t.Parallel()
	q := New(testConfig(), &fakeEndpoint{t: t}, logx.Nop(), nil)
	cfg := testConfig()
	cfg.MinGap = time.Second
	q.Apply(cfg)
	c, lim := q.config()
	if c.MinGap != time.Second || lim.Limit() != 1 {
		t.Fatalf("config = %+v, limit = %v", c, lim.Limit())
	}
}

// splitEndpoint caps one call at the text between '|' separators.
type splitEndpoint struct {
	*fakeEndpoint
}

func (s splitEndpoint) Split(text string) []string { return strings.Split(text, "|") }

func TestSplitPayloadRetriesOnlyFailedPart(t *testing.T) {
	t.Parallel()
	ep := &fakeEndpoint{t: t, script: []error{nil, transport.RateLimited(10*time.Millisecond, errors.New("429"))}}
	q := New(testConfig(), splitEndpoint{ep}, logx.Nop(), nil)
	q.Start(context.Background())
	_ = q.EnqueueText("A|B|C")
	stopQueue(t, q)

	got := ep.texts()
	want := []string{"A", "B", "B", "C"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	if s := q.Snapshot(); s.Sent != 3 || s.Messages != 1 || s.RateLimited != 1 || s.Dropped != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestSplitPayloadDroppedPartKeepsOthers(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	ep := &fakeEndpoint{t: t, script: []error{nil, boom, boom, boom}}
	q := New(testConfig(), splitEndpoint{ep}, logx.Nop(), nil)
	q.Start(context.Background())
	_ = q.EnqueueText("A|B|C")
	stopQueue(t, q)

	got := ep.texts()
	want := []string{"A", "B", "B", "B", "C"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	if s := q.Snapshot(); s.Sent != 2 || s.Messages != 0 || s.Dropped != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestStartWaitsForDrainingSender(t *testing.T) {
	t.Parallel()
	ep := &fakeEndpoint{t: t, delay: 30 * time.Millisecond}
	q := New(testConfig(), ep, logx.Nop(), nil)
	q.Start(context.Background())
	_ = q.EnqueueAll(Message{Text: "m1"}, Message{Text: "m2"}, Message{Text: "m3"})

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- q.Stop(ctx)
	}()
	deadline := time.Now().Add(time.Second)
	for !q.isStopping() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Start must not launch a second sender while the first still drains.
	q.Start(context.Background())
	if n := len(ep.texts()); n != 3 {
		t.Fatalf("Start returned with %d of 3 drained", n)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	if err := q.EnqueueText("after"); err != nil {
		t.Fatalf("Enqueue after restart: %v", err)
	}
	stopQueue(t, q)
	if got := ep.texts(); fmt.Sprint(got) != fmt.Sprint([]string{"m1", "m2", "m3", "after"}) {
		t.Fatalf("calls = %q", got)
	}
	if ep.overlap.Load() {
		t.Fatal("two delivery attempts overlapped")
	}
	if s := q.Snapshot(); s.Dropped != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
}
