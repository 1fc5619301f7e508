// Package scan coordinates one pass over the address list: load, filter
// against the already-checked set, fan out lookups, record, persist and
// notify.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"walletwatch/internal/dispatch"
	"walletwatch/internal/eventbus"
	rtsup "walletwatch/internal/runtime/supervisor"
	"walletwatch/internal/stats"
	logx "walletwatch/pkg/logx"
)

var ErrAlreadyRunning = errors.New("scan already running")

type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "RUNNING"
	}
	return "IDLE"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Source supplies the candidate addresses, already trimmed and deduplicated.
type Source interface {
	Addresses(ctx context.Context) ([]string, error)
}

// Sink persists finished results and knows which addresses were checked by
// earlier scans. Error results are stored but do not count as checked.
type Sink interface {
	PutResult(ctx context.Context, r stats.CheckResult) error
	Checked(ctx context.Context) (map[string]struct{}, error)
}

// Runner is the bounded lookup pool.
type Runner interface {
	Run(ctx context.Context, addresses []string) <-chan stats.CheckResult
}

type Enqueuer interface {
	Enqueue(m dispatch.Message) error
}

type Recorder interface {
	AddTotal(n int)
	Record(o stats.Outcome)
}

type Config struct {
	// NotifyAll also enqueues zero and error results; positives are always sent.
	NotifyAll bool
	// SinkTimeout bounds one PutResult call.
	SinkTimeout time.Duration
}

type Deps struct {
	Source Source
	Sink   Sink
	Pool   Runner
	Stats  Recorder
	Out    Enqueuer
	// Format renders a result; FormatResult is used when nil.
	Format func(r stats.CheckResult) dispatch.Message
	// Sup runs triggered scans; a private supervisor is used when nil.
	Sup *rtsup.Supervisor
	Bus eventbus.Bus
	Log logx.Logger
}

// Summary is the terminal report of one scan.
type Summary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Addresses  int           `json:"addresses"`
	Skipped    int           `json:"skipped"`
	Checked    int           `json:"checked"`
	Positive   int           `json:"positive"`
	Zero       int           `json:"zero"`
	Error      int           `json:"error"`
	SinkErrors int           `json:"sink_errors,omitempty"`
	Unsent     int           `json:"unsent,omitempty"`
	Err        string        `json:"err,omitempty"`
}

// Orchestrator owns the IDLE/RUNNING state. At most one scan runs at a
// time; a start request while RUNNING is rejected, not queued.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu    sync.Mutex
	state State
	runID string
	last  *Summary
	runs  uint64
	// idle is closed when the current scan finishes.
	idle chan struct{}
}

func New(cfg Config, deps Deps) *Orchestrator {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Format == nil {
		deps.Format = FormatResult
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: log}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Busy reports whether a scan is running.
func (o *Orchestrator) Busy() bool { return o.State() == StateRunning }

// LastSummary returns the summary of the most recent finished scan.
func (o *Orchestrator) LastSummary() (Summary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Summary{}, false
	}
	return *o.last, true
}

// WaitIdle blocks until no scan is running or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return nil
	}
	idle := o.idle
	o.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs one scan and blocks until it finishes. It returns
// ErrAlreadyRunning without side effects when a scan is in progress.
func (o *Orchestrator) Start(ctx context.Context) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runID, err := o.begin()
	if err != nil {
		return Summary{}, err
	}
	return o.run(ctx, runID)
}

// Trigger starts a scan in the background and returns once the scan has
// moved to RUNNING.
func (o *Orchestrator) Trigger(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runID, err := o.begin()
	if err != nil {
		return err
	}
	body := func(c context.Context) error {
		sum, err := o.run(c, runID)
		if err != nil && !errors.Is(err, context.Canceled) {
			o.log.Warn("triggered scan failed", logx.String("run_id", sum.RunID), logx.Err(err))
		}
		return nil
	}
	if o.deps.Sup != nil {
		o.deps.Sup.Go("scan."+runID[:8], body)
		return nil
	}
	go func() { _ = body(ctx) }()
	return nil
}

func (o *Orchestrator) begin() (string, error) {
	o.mu.Lock()
	if o.state == StateRunning {
		cur := o.runID
		o.mu.Unlock()
		o.log.Info("scan start rejected", logx.String("running", cur))
		o.deps.Bus.Publish(eventbus.Event{Type: eventbus.ScanRejected, Data: cur})
		return "", ErrAlreadyRunning
	}
	o.state = StateRunning
	o.idle = make(chan struct{})
	o.runID = uuid.NewString()
	o.runs++
	id := o.runID
	o.mu.Unlock()
	return id, nil
}

func (o *Orchestrator) finish(sum Summary) {
	o.mu.Lock()
	o.state = StateIdle
	o.runID = ""
	o.last = &sum
	close(o.idle)
	o.mu.Unlock()
	o.deps.Bus.Publish(eventbus.Event{Type: eventbus.ScanFinished, Time: sum.FinishedAt, Data: sum})
}

func (o *Orchestrator) run(ctx context.Context, runID string) (sum Summary, err error) {
	log := o.log.With(logx.String("run_id", runID))
	sum = Summary{RunID: runID, StartedAt: time.Now()}
	o.deps.Bus.Publish(eventbus.Event{Type: eventbus.ScanStarted, Time: sum.StartedAt, Data: runID})
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panic: %v", r)
		}
		sum.FinishedAt = time.Now()
		sum.Duration = sum.FinishedAt.Sub(sum.StartedAt)
		if err != nil {
			sum.Err = err.Error()
		}
		o.finish(sum)
	}()

	addrs, err := o.deps.Source.Addresses(ctx)
	if err != nil {
		return sum, fmt.Errorf("load addresses: %w", err)
	}
	sum.Addresses = len(addrs)

	todo := addrs
	if o.deps.Sink != nil {
		done, err := o.deps.Sink.Checked(ctx)
		if err != nil {
			return sum, fmt.Errorf("load checked set: %w", err)
		}
		todo = filter(addrs, done)
	}
	sum.Skipped = len(addrs) - len(todo)
	log.Info("scan started", logx.Int("addresses", len(addrs)), logx.Int("skipped", sum.Skipped))

	o.deps.Stats.AddTotal(len(todo))
	for r := range o.deps.Pool.Run(ctx, todo) {
		o.deps.Stats.Record(r.Outcome)
		sum.Checked++
		switch r.Outcome.Kind {
		case stats.KindPositive:
			sum.Positive++
			log.Info("positive balance", logx.String("address", r.Address), logx.Float64("amount", r.Outcome.Amount))
		case stats.KindZero:
			sum.Zero++
		default:
			sum.Error++
			log.Debug("lookup failed", logx.String("address", r.Address), logx.String("reason", r.Outcome.Reason))
		}

		if o.deps.Sink != nil {
			if perr := o.persist(ctx, r); perr != nil {
				sum.SinkErrors++
				log.Warn("persist result failed", logx.String("address", r.Address), logx.Err(perr))
			}
		}
		if o.deps.Out != nil && (o.cfg.NotifyAll || r.Outcome.Kind == stats.KindPositive) {
			if qerr := o.deps.Out.Enqueue(o.deps.Format(r)); qerr != nil {
				sum.Unsent++
				log.Warn("enqueue result failed", logx.String("address", r.Address), logx.Err(qerr))
			}
		}
	}

	log.Info("scan finished",
		logx.Int("checked", sum.Checked),
		logx.Int("positive", sum.Positive),
		logx.Int("zero", sum.Zero),
		logx.Int("error", sum.Error),
	)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (o *Orchestrator) persist(ctx context.Context, r stats.CheckResult) error {
	// A cancelled scan still records what it finished.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SinkTimeout)
	defer cancel()
	return o.deps.Sink.PutResult(pctx, r)
}

func filter(addrs []string, done map[string]struct{}) []string {
	if len(done) == 0 {
		return addrs
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := done[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// FormatResult is the default notification text for a result.
func FormatResult(r stats.CheckResult) dispatch.Message {
	switch r.Outcome.Kind {
	case stats.KindPositive:
		return dispatch.Message{Text: fmt.Sprintf("💰 Balance found\nAddress: %s\nAmount: %g", r.Address, r.Outcome.Amount)}
	case stats.KindZero:
		return dispatch.Message{Text: fmt.Sprintf("📌 Checked %s: empty", r.Address), Group: "checked"}
	default:
		return dispatch.Message{Text: fmt.Sprintf("⚠️ Lookup failed for %s: %s", r.Address, r.Outcome.Reason), Group: "checked"}
	}
}
