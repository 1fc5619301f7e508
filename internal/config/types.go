package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("300ms", "10s", "10m"); empty means the default.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scan      ScanConfig      `json:"scan"`
	Lookup    LookupConfig    `json:"lookup"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Report    ReportConfig    `json:"report"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    StatusConfig    `json:"status"`
	Addresses AddressesConfig `json:"addresses"`
}

// TelegramConfig selects the channel that receives notifications.
// BOT_TOKEN and CHANNEL_ID override Token and ChatID.
type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is a numeric chat id or a public "@channel" username.
	ChatID         string `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
	HTTPTimeout    string `json:"http_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards WARN+ log lines into the notification channel.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type ScanConfig struct {
	Workers int    `json:"workers"`
	Timeout string `json:"timeout"`
	// Every schedules repeated scans in the daemon; empty runs one scan at
	// start (when RunOnStart) and none afterwards.
	Every       string `json:"every,omitempty"`
	RunOnStart  bool   `json:"run_on_start"`
	NotifyAll   bool   `json:"notify_all,omitempty"`
	SinkTimeout string `json:"sink_timeout,omitempty"`
}

type LookupConfig struct {
	// URL must contain the literal {address}.
	URL          string            `json:"url"`
	AmountPath   string            `json:"amount_path"`
	SubtractPath string            `json:"subtract_path,omitempty"`
	Divisor      float64           `json:"divisor,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	RetryMax     int               `json:"retry_max,omitempty"`
	RetryBase    string            `json:"retry_base,omitempty"`
	HTTPTimeout  string            `json:"http_timeout,omitempty"`
}

type DispatchConfig struct {
	Capacity     int    `json:"capacity,omitempty"`
	MinGap       string `json:"min_gap"`
	BatchSize    int    `json:"batch_size"`
	BatchMaxWait string `json:"batch_max_wait,omitempty"`
	BatchPause   string `json:"batch_pause"`
	MaxPayload   int    `json:"max_payload,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	RetryMax     int    `json:"retry_max"`
	RetryBase    string `json:"retry_base"`
	// DrainTimeout bounds how long shutdown waits for queued messages.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

type ReportConfig struct {
	Enabled       bool   `json:"enabled"`
	Interval      string `json:"interval"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// StorageConfig controls result persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/results.db" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// StatusConfig controls the HTTP status surface. PORT overrides the port
// of Addr.
//
// pprof is only mounted on loopback addresses unless a token is set or
// allow_insecure is true.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// AddressesConfig names the candidate addresses: a file with one address per
// line, an inline list, or both.
type AddressesConfig struct {
	Path string   `json:"path,omitempty"`
	List []string `json:"list,omitempty"`
}

// Default returns the configuration used for omitted fields: 20 lookup
// workers, 30 messages per batch 300ms apart, a report every 10 minutes and
// the status page on port 1000.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Alert:   LoggingAlert{MinLevel: "error", RatePerSec: 1},
		},
		Scan: ScanConfig{
			Workers:     20,
			Timeout:     "15s",
			RunOnStart:  true,
			SinkTimeout: "5s",
		},
		Lookup: LookupConfig{
			RetryMax:    4,
			RetryBase:   "2s",
			HTTPTimeout: "10s",
		},
		Dispatch: DispatchConfig{
			MinGap:       "300ms",
			BatchSize:    30,
			BatchPause:   "3s",
			MaxPayload:   4000,
			SendTimeout:  "30s",
			RetryMax:     4,
			RetryBase:    "2s",
			DrainTimeout: "30s",
		},
		Report: ReportConfig{
			Enabled:       true,
			Interval:      "10m",
			ShutdownGrace: "5s",
		},
		Status: StatusConfig{
			Enabled:     true,
			Addr:        ":" + DefaultPort,
			PprofPrefix: "/debug/pprof/",
		},
	}
}
