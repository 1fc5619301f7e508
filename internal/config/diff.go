package config

import (
	"reflect"
	"sort"
	"strings"

	logx "walletwatch/pkg/logx"
)

// Reloadable sections are applied to the running process; changes to any
// other section are logged and take effect on restart.
var reloadable = map[string]bool{
	"logging":  true,
	"dispatch": true,
	"report":   true,
	"status":   true,
}

// ConfigChange describes a reload.
type ConfigChange struct {
	Changed []string // sorted section names
	Restart []string // changed sections that need a restart
	Attrs   []logx.Field
}

func (c ConfigChange) Has(section string) bool {
	for _, s := range c.Changed {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section. Attrs are
// safe to log: tokens and passwords are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch ConfigChange
	mark := func(section string, attrs ...logx.Field) {
		ch.Changed = append(ch.Changed, section)
		if !reloadable[section] {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	// never log the token
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		mark("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Int("telegram.thread_id", newCfg.Telegram.ThreadID),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scan, newCfg.Scan) {
		mark("scan",
			logx.Int("scan.workers", newCfg.Scan.Workers),
			logx.String("scan.timeout", newCfg.Scan.Timeout),
			logx.String("scan.every", newCfg.Scan.Every),
		)
	}
	if !reflect.DeepEqual(oldCfg.Lookup, newCfg.Lookup) {
		mark("lookup",
			logx.Int("lookup.header_count", len(newCfg.Lookup.Headers)),
			logx.String("lookup.amount_path", newCfg.Lookup.AmountPath),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch",
			logx.String("dispatch.min_gap", newCfg.Dispatch.MinGap),
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.String("dispatch.batch_pause", newCfg.Dispatch.BatchPause),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		mark("report",
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.interval", newCfg.Report.Interval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var driver string
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", logx.String("storage.driver", driver))
	}
	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		mark("status",
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Addresses, newCfg.Addresses) {
		mark("addresses",
			logx.String("addresses.path", newCfg.Addresses.Path),
			logx.Int("addresses.inline", len(newCfg.Addresses.List)),
		)
	}

	sort.Strings(ch.Changed)
	sort.Strings(ch.Restart)
	return ch
}
