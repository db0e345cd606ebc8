package config

// Config is the daemon's configuration. It decodes strictly from JSON, or
// from YAML coerced to JSON, so typos fail loudly instead of being ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Rate     RateConfig     `json:"rate"`
	Dispatch DispatchConfig `json:"dispatch"`
	Campaign CampaignConfig `json:"campaign"`
	Metrics  *MetricsConfig `json:"metrics,omitempty"`
	Pprof    *PprofConfig   `json:"pprof,omitempty"`

	// Schedules trigger recurring campaigns engine-side (cron specs,
	// optionally with seconds). The admin surface normally creates jobs
	// directly; schedules cover standing announcements.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// SendTimeout bounds one API call.
	SendTimeout Duration `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
	// Leases bounds concurrent persistence access; waiters block.
	Leases int `json:"leases,omitempty"`
	// LeaseWarnAfter surfaces long lease waits as operational warnings.
	LeaseWarnAfter Duration `json:"lease_warn_after,omitempty"`
}

// RateConfig calibrates the account-wide token bucket. The ceiling belongs
// to the upstream account, so one bucket is shared by all running jobs.
type RateConfig struct {
	PerSecond    int      `json:"per_second,omitempty"`
	BackoffFloor Duration `json:"backoff_floor,omitempty"`
	BackoffCap   Duration `json:"backoff_cap,omitempty"`
}

type DispatchConfig struct {
	Workers       int      `json:"workers,omitempty"`
	QueueSize     int      `json:"queue_size,omitempty"`
	RetryMax      int      `json:"retry_max,omitempty"`
	RetryBase     Duration `json:"retry_base,omitempty"`
	RetryMaxDelay Duration `json:"retry_max_delay,omitempty"`
}

type CampaignConfig struct {
	BatchSize     int      `json:"batch_size,omitempty"`
	ProgressEvery Duration `json:"progress_every,omitempty"`
	SweepPause    Duration `json:"sweep_pause,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

// PprofConfig gates the live-profiling endpoint. A non-loopback addr
// requires a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
}

// ScheduleConfig describes one recurring campaign: a cron spec plus an
// inline recipient list and message text.
type ScheduleConfig struct {
	Name       string   `json:"name"`
	Spec       string   `json:"spec"`
	Recipients []string `json:"recipients"`
	Text       string   `json:"text"`
	ParseMode  string   `json:"parse_mode,omitempty"`
}
