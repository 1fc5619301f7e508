package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrConfiguration marks a configuration the process cannot start with.
var ErrConfiguration = errors.New("configuration error")

// MaxPayloadLimit is the largest dispatch.max_payload: one Telegram message.
const MaxPayloadLimit = 4000

// Validate reports every problem in cfg, wrapped in ErrConfiguration.
// A missing bot token or chat id is fatal unless dryRun is set (messages
// are then recorded instead of sent).
func Validate(cfg *Config, dryRun bool) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfiguration)
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !dryRun {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add("telegram.token is required (or set %s)", EnvBotToken)
		}
		if strings.TrimSpace(cfg.Telegram.ChatID) == "" {
			add("telegram.chat_id is required (or set %s)", EnvChannelID)
		}
	}
	if cfg.Telegram.ThreadID < 0 {
		add("telegram.thread_id must be >= 0")
	}

	if t, err := cfg.Timings(); err != nil {
		errs = append(errs, err)
	} else {
		// cron schedules have one second resolution
		if t.ScanEvery > 0 && t.ScanEvery < time.Second {
			add("scan.every must be at least 1s")
		}
		if t.ReportInterval > 0 && t.ReportInterval < time.Second {
			add("report.interval must be at least 1s")
		}
	}

	if cfg.Scan.Workers < 0 {
		add("scan.workers must be >= 0")
	}
	if u := strings.TrimSpace(cfg.Lookup.URL); u == "" {
		add("lookup.url is required")
	} else if !strings.Contains(u, "{address}") {
		add("lookup.url must contain {address}")
	}
	if strings.TrimSpace(cfg.Lookup.AmountPath) == "" {
		add("lookup.amount_path is required")
	}
	if cfg.Lookup.Divisor < 0 {
		add("lookup.divisor must be >= 0")
	}
	if cfg.Lookup.RetryMax < 0 || cfg.Dispatch.RetryMax < 0 {
		add("retry_max must be >= 0")
	}

	if cfg.Dispatch.Capacity < 0 || cfg.Dispatch.BatchSize < 0 || cfg.Dispatch.MaxPayload < 0 {
		add("dispatch sizes must be >= 0")
	}
	if cfg.Dispatch.MaxPayload > MaxPayloadLimit {
		add("dispatch.max_payload must be <= %d", MaxPayloadLimit)
	}

	if strings.TrimSpace(cfg.Addresses.Path) == "" && len(cfg.Addresses.List) == 0 {
		add("addresses.path or addresses.list is required")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required for driver %q", s.Driver)
			}
		case "redis":
			if s.Redis == nil || strings.TrimSpace(s.Redis.Addr) == "" {
				add("storage.redis.addr is required for driver redis")
			}
		default:
			add("storage.driver %q is unknown", s.Driver)
		}
	}

	if cfg.Status.Enabled {
		if _, port, err := net.SplitHostPort(strings.TrimSpace(cfg.Status.Addr)); err != nil {
			add("status.addr %q: %v", cfg.Status.Addr, err)
		} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			add("status.addr %q: invalid port", cfg.Status.Addr)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
}
