package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"walletwatch/internal/config"
	"walletwatch/internal/dispatch"
	"walletwatch/internal/eventbus"
	"walletwatch/internal/lookup"
	"walletwatch/internal/observability/status"
	"walletwatch/internal/pool"
	"walletwatch/internal/report"
	rtsup "walletwatch/internal/runtime/supervisor"
	"walletwatch/internal/scan"
	"walletwatch/internal/stats"
	"walletwatch/internal/storage"
	"walletwatch/internal/transport"
	"walletwatch/internal/transport/telegram"
	logx "walletwatch/pkg/logx"
)

// Options select the config and override collaborators.
type Options struct {
	ConfigPath string
	// DryRun records messages in memory instead of sending them; the bot
	// token and chat id are then optional.
	DryRun bool
	// Endpoint replaces the Telegram endpoint (tests, alternative sinks).
	Endpoint transport.Endpoint
	// HTTPClient replaces the lookup client.
	HTTPClient *http.Client
	// Env replaces os.LookupEnv.
	Env func(string) (string, bool)
	// Notify replaces the systemd notifier.
	Notify func(state string)
}

// App owns every long-lived service and their start/stop order.
type App struct {
	opts    Options
	started time.Time

	cfgm *config.ConfigManager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	endpoint transport.Endpoint
	recorder *transport.Recorder

	stats    *stats.Aggregator
	queue    *dispatch.Queue
	pool     *pool.Pool
	scanner  *scan.Orchestrator
	schedule *scan.Schedule
	reporter *report.Reporter
	status   *status.Service

	notify func(string)

	// mu guards the fields below; reloads change drain and reportOn.
	mu       sync.Mutex
	sup      *rtsup.Supervisor
	drain    time.Duration
	reportOn bool

	stopOnce sync.Once
}

func NewApp(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	if opts.Env != nil {
		cfgm.SetEnv(opts.Env)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	dryRun := opts.DryRun || opts.Endpoint != nil
	if err := config.Validate(cfg, dryRun); err != nil {
		return nil, err
	}
	t, err := cfg.Timings()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	a := &App{
		opts:    opts,
		started: time.Now(),
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		stats:   stats.New(),
		drain:   t.DispatchDrainTimeout,
		notify:  opts.Notify,
	}
	if a.notify == nil {
		a.notify = sdNotify
	}
	if a.drain <= 0 {
		a.drain = 30 * time.Second
	}

	switch {
	case opts.Endpoint != nil:
		a.endpoint = opts.Endpoint
	case opts.DryRun:
		a.recorder = &transport.Recorder{}
		a.endpoint = a.recorder
	default:
		ep, err := telegram.New(mapTelegramConfig(cfg, t), log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}
		a.endpoint = ep
	}

	a.queue = dispatch.New(mapDispatchConfig(cfg, t), a.endpoint, log.With(logx.String("comp", "dispatch")), bus)
	// dispatch and telegram failures would loop back into the failing channel
	logSvc.SetAlertSink(func(text string) error {
		return a.queue.Enqueue(dispatch.Message{Text: text, Group: alertGroup})
	}, "dispatch", "telegram")

	store, err := storage.Open(mapStorageConfig(cfg, t), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.store = store
	if store != nil {
		a.log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	client := opts.HTTPClient
	if client == nil {
		client = lookupClient(t)
	}
	checker, err := lookup.NewHTTPChecker(mapLookupConfig(cfg, t), client, log.With(logx.String("comp", "lookup")))
	if err != nil {
		a.closeEarly()
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	a.pool = pool.New(mapPoolConfig(cfg, t), checker, log.With(logx.String("comp", "pool")))

	var sink scan.Sink
	if store != nil {
		sink = store
	}
	a.scanner = scan.New(mapScanConfig(cfg, t), scan.Deps{
		Source: mapSource(cfg),
		Sink:   sink,
		Pool:   a.pool,
		Stats:  a.stats,
		Out:    a.queue,
		Bus:    bus,
		Log:    log.With(logx.String("comp", "scan")),
	})
	if t.ScanEvery > 0 {
		a.schedule = scan.NewSchedule(a.scanner, t.ScanEvery, log.With(logx.String("comp", "scan")))
	}

	a.reporter = report.New(mapReportConfig(t), report.Deps{
		Stats:    a.stats,
		Out:      a.queue,
		Metrics:  report.NewRuntimeMetrics(),
		Queue:    a.queue.Snapshot,
		ScanBusy: a.scanner.Busy,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "report")),
	})

	a.status = status.New(mapStatusConfig(cfg, t), status.Sources{
		Report: a.statusReport,
		Health: a.health,
	}, log.With(logx.String("comp", "status")))

	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

func (a *App) Log() logx.Logger            { return a.log }
func (a *App) Config() *config.Config      { return a.cfgm.Get() }
func (a *App) Store() storage.Store        { return a.store }
func (a *App) Stats() stats.Snapshot       { return a.stats.Snapshot() }
func (a *App) Queue() dispatch.Snapshot    { return a.queue.Snapshot() }
func (a *App) Scanner() *scan.Orchestrator { return a.scanner }

// Recorder holds the messages of a dry run; nil otherwise.
func (a *App) Recorder() *transport.Recorder { return a.recorder }

func (a *App) drainTimeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drain
}

func (a *App) supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	sup := a.supervisor()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if sup := a.supervisor(); sup != nil {
		return sup.Err()
	}
	return nil
}

func (a *App) statusReport() status.Report {
	r := status.Report{
		At:     time.Now(),
		Uptime: time.Since(a.started).Round(time.Second).String(),
		Stats:  a.stats.Snapshot(),
		Queue:  a.queue.Snapshot(),
		Scan:   status.ScanInfo{State: a.scanner.State().String()},
	}
	if last, ok := a.scanner.LastSummary(); ok {
		r.Scan.Last = &last
	}
	rs := a.reporter.Status()
	r.Reporter = &rs
	if sup := a.supervisor(); sup != nil {
		snap := sup.Snapshot()
		r.Tasks = &snap
	}
	return r
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if a.queue.State() == dispatch.StateStopped {
		return dispatch.ErrStopped
	}
	return nil
}

// Start launches the daemon: sender, status server, reporter, scans and
// config hot reload. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sup = sup
	a.reportOn = a.cfg.Report.Enabled
	reportOn := a.reportOn
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	dryRun := a.opts.DryRun || a.opts.Endpoint != nil
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg, dryRun)
	})

	// The sender outlives the app context so Stop can drain the queue.
	a.queue.Start(context.WithoutCancel(ctx))
	a.status.Start(sup.Context())
	if reportOn {
		a.reporter.Start(sup.Context())
	}

	switch {
	case a.schedule != nil:
		a.schedule.Start(sup.Context(), a.cfg.Scan.RunOnStart)
	case a.cfg.Scan.RunOnStart:
		if err := a.scanner.Trigger(sup.Context()); err != nil {
			a.log.Warn("initial scan not started", logx.Err(err))
		}
	}

	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if sum, ok := e.Data.(scan.Summary); ok && e.Type == eventbus.ScanFinished {
					a.notify(fmt.Sprintf("STATUS=last scan: %d checked, %d positive, %d errors", sum.Checked, sum.Positive, sum.Error))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify("READY=1")
	a.notify("STATUS=watching")
	a.log.Info("app started",
		logx.Bool("dry_run", a.opts.DryRun),
		logx.Bool("report", reportOn),
		logx.String("status_addr", a.cfg.Status.Addr),
	)
	return nil
}

// RunOnce performs a single scan without the daemon surfaces, waits for the
// queued messages to drain and shuts down. With reports enabled a final
// report is queued after the scan.
func (a *App) RunOnce(ctx context.Context) (scan.Summary, error) {
	a.queue.Start(context.WithoutCancel(ctx))
	sum, err := a.scanner.Start(ctx)
	if err == nil && a.cfg.Report.Enabled {
		if rerr := a.reporter.FireNow(ctx); rerr != nil {
			a.log.Warn("final report failed", logx.Err(rerr))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.drainTimeout()+5*time.Second)
	defer cancel()
	if serr := a.Stop(stopCtx, StopScanDone); serr != nil && err == nil {
		err = serr
	}
	return sum, err
}

// Stop shuts down in order: reporter, scans, status, dispatch drain,
// storage, supervisor. Each step is bounded; Stop is safe to call once Start
// or RunOnce has run, or never.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify("STOPPING=1")
	sup := a.supervisor()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = max0(rem)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	if a.schedule != nil {
		step("schedule", time.Second, func(context.Context) error { a.schedule.Stop(); return nil })
	}
	step("reporter", 0, func(c context.Context) error { return a.reporter.Stop(c) })
	step("scan", 5*time.Second, func(c context.Context) error {
		if sup != nil {
			sup.Cancel()
		}
		return a.scanner.WaitIdle(c)
	})
	step("status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("dispatch", a.drainTimeout(), func(c context.Context) error { return a.queue.Stop(c) })
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}
	if sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return sup.Wait(c) })
	}

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func max0(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// IsConfigError reports whether err means the process cannot start.
func IsConfigError(err error) bool { return errors.Is(err, config.ErrConfiguration) }

// ExitCode maps a startup or run error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsConfigError(err):
		return 2
	default:
		return 1
	}
}
