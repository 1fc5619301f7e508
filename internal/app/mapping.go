package app

import (
	"net/http"
	"strings"
	"time"

	"walletwatch/internal/config"
	"walletwatch/internal/dispatch"
	"walletwatch/internal/lookup"
	"walletwatch/internal/observability/status"
	"walletwatch/internal/pool"
	"walletwatch/internal/report"
	"walletwatch/internal/retry"
	"walletwatch/internal/scan"
	"walletwatch/internal/source"
	"walletwatch/internal/storage"
	"walletwatch/internal/transport/telegram"
	logx "walletwatch/pkg/logx"
)

// alertGroup marks log alerts in the dispatch queue so bursts are joined.
const alertGroup = "alert"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config, t config.Timings) telegram.Config {
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		ChatID:         cfg.Telegram.ChatID,
		ThreadID:       cfg.Telegram.ThreadID,
		ParseMode:      cfg.Telegram.ParseMode,
		DisablePreview: cfg.Telegram.DisablePreview,
		APIURL:         cfg.Telegram.APIURL,
		HTTPTimeout:    t.TelegramHTTPTimeout,
	}
}

// policy maps retry_max/retry_base. retry_max is the attempt limit,
// first attempt included; 0 keeps the default.
func policy(retryMax int, base time.Duration) retry.Policy {
	p := retry.Default()
	if retryMax > 0 {
		p.MaxAttempts = retryMax
	}
	if base > 0 {
		p.BaseDelay = base
	}
	return p
}

func mapDispatchConfig(cfg *config.Config, t config.Timings) dispatch.Config {
	d := cfg.Dispatch
	return dispatch.Config{
		Capacity:     d.Capacity,
		MinGap:       t.DispatchMinGap,
		BatchSize:    d.BatchSize,
		BatchMaxWait: t.DispatchBatchMaxWait,
		BatchPause:   t.DispatchBatchPause,
		MaxPayload:   d.MaxPayload,
		SendTimeout:  t.DispatchSendTimeout,
		Retry:        policy(d.RetryMax, t.DispatchRetryBase),
	}
}

func mapReportConfig(t config.Timings) report.Config {
	return report.Config{
		Interval:      t.ReportInterval,
		ShutdownGrace: t.ReportShutdownGrace,
	}
}

func mapPoolConfig(cfg *config.Config, t config.Timings) pool.Config {
	return pool.Config{Workers: cfg.Scan.Workers, Timeout: t.ScanTimeout}
}

func mapScanConfig(cfg *config.Config, t config.Timings) scan.Config {
	return scan.Config{NotifyAll: cfg.Scan.NotifyAll, SinkTimeout: t.ScanSinkTimeout}
}

func mapLookupConfig(cfg *config.Config, t config.Timings) lookup.Config {
	l := cfg.Lookup
	return lookup.Config{
		URL:          strings.TrimSpace(l.URL),
		AmountPath:   l.AmountPath,
		SubtractPath: l.SubtractPath,
		Divisor:      l.Divisor,
		Headers:      l.Headers,
		Retry:        policy(l.RetryMax, t.LookupRetryBase),
	}
}

// lookupClient bounds one HTTP exchange; the pool's per-lookup timeout
// still bounds the whole retry sequence.
func lookupClient(t config.Timings) *http.Client {
	timeout := t.LookupHTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     60 * time.Second,
		},
	}
}

func mapSource(cfg *config.Config) source.Merge {
	var m source.Merge
	if p := strings.TrimSpace(cfg.Addresses.Path); p != "" {
		m = append(m, source.FileSource{Path: p})
	}
	if len(cfg.Addresses.List) > 0 {
		m = append(m, source.StaticSource(cfg.Addresses.List))
	}
	return m
}

func mapStorageConfig(cfg *config.Config, t config.Timings) storage.Config {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}
	}
	sc := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: t.StorageBusyTimeout,
	}
	if r := cfg.Storage.Redis; r != nil {
		sc.Redis = storage.RedisConfig{
			Addr:     strings.TrimSpace(r.Addr),
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		}
	}
	return sc
}

func mapStatusConfig(cfg *config.Config, t config.Timings) status.Config {
	s := cfg.Status
	return status.Config{
		Enabled:       s.Enabled,
		Addr:          strings.TrimSpace(s.Addr),
		Token:         s.Token,
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
		PprofPrefix:   s.PprofPrefix,
		ReadTimeout:   t.StatusReadTimeout,
		WriteTimeout:  t.StatusWriteTimeout,
		IdleTimeout:   t.StatusIdleTimeout,
	}
}

// OpenStore opens the result store named by cfg without starting the app.
// It returns storage.ErrDisabled when no driver is configured.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	t, err := cfg.Timings()
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(mapStorageConfig(cfg, t), log)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, storage.ErrDisabled
	}
	return st, nil
}
