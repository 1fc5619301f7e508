package app

import (
	"context"
	"strings"
	"time"

	"walletwatch/internal/config"
	logx "walletwatch/pkg/logx"
)

// applyConfig fans a validated reload out to the live services. Sections
// that cannot change at runtime are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Changed, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	t, err := newCfg.Timings()
	if err != nil {
		// the validator rejects this before publish; keep running as is
		a.log.Warn("invalid config durations; keeping previous", logx.Err(err))
		return
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if ch.Has("dispatch") {
		a.queue.Apply(mapDispatchConfig(newCfg, t))
		if t.DispatchDrainTimeout > 0 {
			a.mu.Lock()
			a.drain = t.DispatchDrainTimeout
			a.mu.Unlock()
		}
	}
	if ch.Has("report") {
		a.applyReport(ctx, newCfg, t)
	}
	if ch.Has("status") {
		a.status.Reconfigure(ctx, mapStatusConfig(newCfg, t))
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyReport(ctx context.Context, cfg *config.Config, t config.Timings) {
	a.reporter.Apply(mapReportConfig(t))

	a.mu.Lock()
	prev := a.reportOn
	a.reportOn = cfg.Report.Enabled
	a.mu.Unlock()

	switch {
	case prev && !cfg.Report.Enabled:
		a.log.Info("reporter disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.reporter.Stop(stopCtx); err != nil {
			a.log.Warn("reporter stop", logx.Err(err))
		}
		cancel()
	case !prev && cfg.Report.Enabled:
		a.log.Info("reporter enabled via config")
		a.reporter.Start(ctx)
	}
}
