// Package report periodically enqueues a stats and host report through the
// dispatch queue.
package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"walletwatch/internal/dispatch"
	"walletwatch/internal/eventbus"
	"walletwatch/internal/stats"
	logx "walletwatch/pkg/logx"
)

const (
	DefaultInterval      = 600 * time.Second
	DefaultShutdownGrace = 5 * time.Second

	// Group marks report messages in the dispatch queue.
	Group = "report"
)

type Config struct {
	Interval      time.Duration
	ShutdownGrace time.Duration
	// MetricsTimeout bounds one MetricsProvider call.
	MetricsTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.MetricsTimeout <= 0 {
		c.MetricsTimeout = 3 * time.Second
	}
	return c
}

type StatsSource interface {
	Snapshot() stats.Snapshot
}

type Enqueuer interface {
	Enqueue(m dispatch.Message) error
}

// Deps are the collaborators of a Reporter. Metrics, Queue and ScanBusy are
// optional.
type Deps struct {
	Stats    StatsSource
	Out      Enqueuer
	Metrics  MetricsProvider
	Queue    func() dispatch.Snapshot
	ScanBusy func() bool
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Reporter fires on a fixed interval driven by a cron schedule. Firings
// never overlap; a firing that is still running when the next one is due
// makes the scheduler skip that tick.
type Reporter struct {
	deps Deps
	log  logx.Logger

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	fired   uint64
	lastAt  time.Time
	lastErr error
}

func New(cfg Config, deps Deps) *Reporter {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	return &Reporter{deps: deps, log: log, cfg: cfg.withDefaults()}
}

// Start schedules firings. It is idempotent while running.
func (r *Reporter) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.scheduleLocked()
	r.log.Info("reporter started", logx.Duration("interval", r.cfg.Interval))
}

func (r *Reporter) scheduleLocked() {
	cl := cronLogger{log: r.log}
	r.c = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	fireCtx := r.ctx
	r.c.Schedule(cron.Every(r.cfg.Interval), cron.FuncJob(func() {
		if err := r.fire(fireCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("report firing failed", logx.Err(err))
		}
	}))
	r.c.Start()
}

// Apply changes the interval and grace period. A running schedule is
// replaced only after its firing in progress, if any, has returned, so the
// old and new schedules never fire at the same time. A firing is bounded
// by MetricsTimeout.
func (r *Reporter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	changed := cfg.Interval != r.cfg.Interval
	r.cfg = cfg
	old := r.c
	r.mu.Unlock()
	if old == nil || !changed {
		return
	}

	<-old.Stop().Done()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != old {
		// stopped or replaced meanwhile
		return
	}
	r.scheduleLocked()
	r.log.Info("reporter interval changed", logx.Duration("interval", r.cfg.Interval))
}

// Stop removes the schedule and waits up to ShutdownGrace for a firing in
// progress. After the grace period that firing's context is cancelled.
func (r *Reporter) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	c, cancel, grace := r.c, r.cancel, r.cfg.ShutdownGrace
	r.c, r.cancel = nil, nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop().Done()
	t := time.NewTimer(grace)
	defer t.Stop()
	var err error
	select {
	case <-done:
	case <-t.C:
		r.log.Warn("report firing abandoned", logx.Duration("grace", grace))
		err = context.DeadlineExceeded
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	r.log.Info("reporter stopped")
	return err
}

// FireNow builds and enqueues one report immediately.
func (r *Reporter) FireNow(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.fire(ctx)
}

func (r *Reporter) fire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	in := Input{At: time.Now(), Stats: r.deps.Stats.Snapshot()}
	if r.deps.Queue != nil {
		qs := r.deps.Queue()
		in.Queue = &qs
	}
	if r.deps.ScanBusy != nil {
		in.ScanBusy = r.deps.ScanBusy()
	}
	if r.deps.Metrics != nil {
		mctx, cancel := context.WithTimeout(ctx, cfg.MetricsTimeout)
		hm, err := r.deps.Metrics.HostMetrics(mctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.HostErr = err
		} else {
			in.Host = &hm
		}
	}

	err := r.deps.Out.Enqueue(dispatch.Message{Text: Format(in), Group: Group})

	r.mu.Lock()
	r.fired++
	r.lastAt = in.At
	r.lastErr = err
	r.mu.Unlock()
	r.deps.Bus.Publish(eventbus.Event{Type: eventbus.ReportFired, Time: in.At, Data: in.Stats})
	return err
}

// Status is a point-in-time view of the reporter.
type Status struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	Fired    uint64        `json:"fired"`
	LastAt   time.Time     `json:"last_at,omitempty"`
	LastErr  string        `json:"last_err,omitempty"`
	NextAt   time.Time     `json:"next_at,omitempty"`
}

func (r *Reporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Running: r.c != nil, Interval: r.cfg.Interval, Fired: r.fired, LastAt: r.lastAt}
	if r.lastErr != nil {
		st.LastErr = r.lastErr.Error()
	}
	if r.c != nil {
		if es := r.c.Entries(); len(es) > 0 {
			st.NextAt = es[0].Next
		}
	}
	return st
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
