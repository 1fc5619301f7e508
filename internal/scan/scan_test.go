package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"walletwatch/internal/dispatch"
	"walletwatch/internal/eventbus"
	"walletwatch/internal/pool"
	"walletwatch/internal/stats"
	logx "walletwatch/pkg/logx"
)

type staticSource []string

func (s staticSource) Addresses(context.Context) ([]string, error) { return s, nil }

type memSink struct {
	mu      sync.Mutex
	results []stats.CheckResult
	checked map[string]struct{}
}

func (m *memSink) PutResult(_ context.Context, r stats.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *memSink) Checked(context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]struct{}{}
	for k := range m.checked {
		out[k] = struct{}{}
	}
	return out, nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type memQueue struct {
	mu   sync.Mutex
	msgs []dispatch.Message
}

func (q *memQueue) Enqueue(m dispatch.Message) error {
	q.mu.Lock()
	q.msgs = append(q.msgs, m)
	q.mu.Unlock()
	return nil
}

type checkerFunc func(ctx context.Context, address string) (float64, error)

func (f checkerFunc) Check(ctx context.Context, address string) (float64, error) { return f(ctx, address) }

func scenarioChecker() checkerFunc {
	return func(ctx context.Context, addr string) (float64, error) {
		switch addr {
		case "a1":
			return 1.5, nil
		case "a2":
			return 0, nil
		default:
			return 0, errors.New("boom")
		}
	}
}

func newOrchestrator(cfg Config, src Source, c pool.Checker, sink *memSink, q *memQueue, agg *stats.Aggregator, bus eventbus.Bus) *Orchestrator {
	return New(cfg, Deps{
		Source: src,
		Sink:   sink,
		Pool:   pool.New(pool.Config{Workers: 2, Timeout: time.Second}, c, logx.Nop()),
		Stats:  agg,
		Out:    q,
		Bus:    bus,
		Log:    logx.Nop(),
	})
}

func TestStartScenario(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	q := &memQueue{}
	agg := stats.New()
	o := newOrchestrator(Config{}, staticSource{"a1", "a2", "a3"}, scenarioChecker(), sink, q, agg, nil)

	sum, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.Checked != 3 || sum.Positive != 1 || sum.Zero != 1 || sum.Error != 1 || sum.RunID == "" {
		t.Fatalf("summary = %+v", sum)
	}
	want := stats.Snapshot{Total: 3, Checked: 3, Positive: 1, Zero: 1, Error: 1}
	if got := agg.Snapshot(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
	if sink.count() != 3 {
		t.Fatalf("persisted = %d, want 3", sink.count())
	}
	// Only the positive result is announced by default.
	if len(q.msgs) != 1 || q.msgs[0].Text == "" {
		t.Fatalf("messages = %+v", q.msgs)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v after scan", o.State())
	}
	if last, ok := o.LastSummary(); !ok || last.RunID != sum.RunID {
		t.Fatalf("LastSummary = %+v, %v", last, ok)
	}
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := checkerFunc(func(ctx context.Context, addr string) (float64, error) {
		<-release
		return 1, nil
	})
	sink := &memSink{}
	agg := stats.New()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	o := newOrchestrator(Config{}, staticSource{"x1", "x2", "x3"}, c, sink, &memQueue{}, agg, bus)

	type res struct {
		sum Summary
		err error
	}
	first := make(chan res, 1)
	go func() {
		s, err := o.Start(context.Background())
		first <- res{s, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !o.Busy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := o.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if err := o.Trigger(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Trigger while running = %v", err)
	}
	close(release)

	r := <-first
	if r.err != nil || r.sum.Checked != 3 {
		t.Fatalf("first scan = %+v, %v", r.sum, r.err)
	}
	if sink.count() != 3 {
		t.Fatalf("results persisted %d times, want 3", sink.count())
	}
	if s := agg.Snapshot(); s.Total != 3 || s.Checked != 3 {
		t.Fatalf("stats = %+v", s)
	}

	var rejected int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.ScanRejected {
			rejected++
		}
	}
	if rejected != 2 {
		t.Fatalf("rejected events = %d, want 2", rejected)
	}
}

func TestRestartSkipsCheckedAddresses(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	seen := map[string]int{}
	c := checkerFunc(func(ctx context.Context, addr string) (float64, error) {
		mu.Lock()
		seen[addr]++
		mu.Unlock()
		return 0, nil
	})
	sink := &memSink{checked: map[string]struct{}{"b1": {}, "b3": {}}}
	agg := stats.New()
	o := newOrchestrator(Config{NotifyAll: true}, staticSource{"b1", "b2", "b3", "b4"}, c, sink, &memQueue{}, agg, nil)

	sum, err := o.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Addresses != 4 || sum.Skipped != 2 || sum.Checked != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if seen["b1"] != 0 || seen["b3"] != 0 || seen["b2"] != 1 || seen["b4"] != 1 {
		t.Fatalf("lookups = %v", seen)
	}
	if s := agg.Snapshot(); s.Total != 2 {
		t.Fatalf("total = %d, want 2", s.Total)
	}
}

func TestNotifyAllEnqueuesEveryResult(t *testing.T) {
	t.Parallel()
	q := &memQueue{}
	o := newOrchestrator(Config{NotifyAll: true}, staticSource{"a1", "a2", "a3"}, scenarioChecker(), &memSink{}, q, stats.New(), nil)
	if _, err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(q.msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(q.msgs))
	}
}

type failingSource struct{}

func (failingSource) Addresses(context.Context) ([]string, error) { return nil, errors.New("no file") }

func TestSourceFailureReturnsToIdle(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(Config{}, failingSource{}, scenarioChecker(), &memSink{}, &memQueue{}, stats.New(), nil)
	sum, err := o.Start(context.Background())
	if err == nil || sum.Err == "" {
		t.Fatalf("Start = %+v, %v; want error", sum, err)
	}
	if o.State() != StateIdle {
		t.Fatal("state stuck in RUNNING")
	}
	if _, err := o.Start(context.Background()); err == nil {
		t.Fatal("a finished scan should be restartable (and fail again here)")
	}
}

func TestTriggerRunsInBackground(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(Config{}, staticSource{"a1", "a2"}, scenarioChecker(), &memSink{}, &memQueue{}, stats.New(), nil)
	if err := o.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sum, ok := o.LastSummary(); ok {
			if sum.Checked != 2 {
				t.Fatalf("summary = %+v", sum)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("triggered scan never finished")
}

func TestWaitIdle(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := checkerFunc(func(ctx context.Context, addr string) (float64, error) {
		<-release
		return 0, nil
	})
	o := newOrchestrator(Config{}, staticSource{"a1"}, c, &memSink{}, &memQueue{}, stats.New(), nil)
	if err := o.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle on idle orchestrator: %v", err)
	}
	if err := o.Trigger(context.Background()); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.WaitIdle(short); err == nil {
		t.Fatal("WaitIdle returned while scan was running")
	}

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := o.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if o.State() != StateIdle {
		t.Fatalf("state = %v", o.State())
	}
}

func TestFormatResult(t *testing.T) {
	t.Parallel()
	pos := FormatResult(stats.CheckResult{Address: "bc1q", Outcome: stats.Positive(0.25)})
	if pos.Group != "" || pos.Text != "💰 Balance found\nAddress: bc1q\nAmount: 0.25" {
		t.Fatalf("positive = %+v", pos)
	}
	if m := FormatResult(stats.CheckResult{Address: "x", Outcome: stats.Error("timeout")}); m.Group != "checked" {
		t.Fatalf("error = %+v", m)
	}
}
