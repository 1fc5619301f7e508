package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Timings holds every duration of a Config, parsed. Zero means "use the
// component default" except where noted.
type Timings struct {
	TelegramHTTPTimeout time.Duration

	ScanTimeout     time.Duration
	ScanEvery       time.Duration // 0 disables the schedule
	ScanSinkTimeout time.Duration

	LookupRetryBase   time.Duration
	LookupHTTPTimeout time.Duration

	DispatchMinGap       time.Duration // 0 disables pacing
	DispatchBatchMaxWait time.Duration
	DispatchBatchPause   time.Duration // 0 disables the pause
	DispatchSendTimeout  time.Duration
	DispatchRetryBase    time.Duration
	DispatchDrainTimeout time.Duration

	ReportInterval      time.Duration
	ReportShutdownGrace time.Duration

	StorageBusyTimeout time.Duration

	StatusReadTimeout  time.Duration
	StatusWriteTimeout time.Duration
	StatusIdleTimeout  time.Duration
}

// Timings parses all duration fields and reports every invalid one.
func (c *Config) Timings() (Timings, error) {
	var (
		t    Timings
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string) {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}

	parse(&t.TelegramHTTPTimeout, "telegram.http_timeout", c.Telegram.HTTPTimeout)

	parse(&t.ScanTimeout, "scan.timeout", c.Scan.Timeout)
	parse(&t.ScanEvery, "scan.every", c.Scan.Every)
	parse(&t.ScanSinkTimeout, "scan.sink_timeout", c.Scan.SinkTimeout)

	parse(&t.LookupRetryBase, "lookup.retry_base", c.Lookup.RetryBase)
	parse(&t.LookupHTTPTimeout, "lookup.http_timeout", c.Lookup.HTTPTimeout)

	parse(&t.DispatchMinGap, "dispatch.min_gap", c.Dispatch.MinGap)
	parse(&t.DispatchBatchMaxWait, "dispatch.batch_max_wait", c.Dispatch.BatchMaxWait)
	parse(&t.DispatchBatchPause, "dispatch.batch_pause", c.Dispatch.BatchPause)
	parse(&t.DispatchSendTimeout, "dispatch.send_timeout", c.Dispatch.SendTimeout)
	parse(&t.DispatchRetryBase, "dispatch.retry_base", c.Dispatch.RetryBase)
	parse(&t.DispatchDrainTimeout, "dispatch.drain_timeout", c.Dispatch.DrainTimeout)

	parse(&t.ReportInterval, "report.interval", c.Report.Interval)
	parse(&t.ReportShutdownGrace, "report.shutdown_grace", c.Report.ShutdownGrace)

	if c.Storage != nil {
		parse(&t.StorageBusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout)
	}

	parse(&t.StatusReadTimeout, "status.read_timeout", c.Status.ReadTimeout)
	parse(&t.StatusWriteTimeout, "status.write_timeout", c.Status.WriteTimeout)
	parse(&t.StatusIdleTimeout, "status.idle_timeout", c.Status.IdleTimeout)

	return t, errors.Join(errs...)
}
