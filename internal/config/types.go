package config

// Config is the on-disk configuration (JSON or YAML). All durations are Go
// duration strings ("500ms", "2s", "1m"). Environment variables override
// selected fields; see ApplyEnv.
type Config struct {
	// Timezone is the IANA zone used for sent_at stamps and display times.
	Timezone string `json:"timezone,omitempty"`

	Gateway  GatewayConfig  `json:"gateway"`
	Storage  StorageConfig  `json:"storage"`
	Journal  *JournalConfig `json:"journal,omitempty"`
	Poller   PollerConfig   `json:"poller"`
	Dispatch DispatchConfig `json:"dispatch"`
	Fanout   FanoutConfig   `json:"fanout"`
	HTTP     HTTPConfig     `json:"http"`
	Webhook  WebhookConfig  `json:"webhook"`
	Logging  LoggingConfig  `json:"logging"`
	Alerts   *AlertsConfig  `json:"alerts,omitempty"`
}

// GatewayConfig points at the WhatsApp HTTP gateway.
type GatewayConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	Token      string `json:"token,omitempty"` // never logged
	Timeout    string `json:"timeout,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
}

// StorageConfig locates the task and subgroup CSV files.
type StorageConfig struct {
	TasksPath     string `json:"tasks_path,omitempty"`
	SubgroupsPath string `json:"subgroups_path,omitempty"`
}

// JournalConfig enables the delivery journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./data/journal.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Retention is how long deliveries are kept, e.g. "720h". Empty keeps all.
	Retention string `json:"retention,omitempty"`
}

type PollerConfig struct {
	// Spec is a robfig/cron spec for the tick, "@every 1s" by default.
	Spec string `json:"spec,omitempty"`
}

// DispatchConfig bounds outbound sends. Hot-reloadable.
type DispatchConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
	// RatePerSec caps gateway requests per second; 0 disables the cap.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// FanoutConfig holds default inter-recipient delays. Hot-reloadable.
type FanoutConfig struct {
	SendDelay   string `json:"send_delay,omitempty"`
	ResendDelay string `json:"resend_delay,omitempty"`
}

type HTTPConfig struct {
	Addr        string   `json:"addr,omitempty"`
	StaticDir   string   `json:"static_dir,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
	Pprof       bool     `json:"pprof,omitempty"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Components overrides Level per component, e.g. {"gateway": "debug"}.
	Components map[string]string `json:"components,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// AlertsConfig sends a Telegram message for failed deliveries. Hot-reloadable.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"` // never logged
	ChatID      int64  `json:"chat_id"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}
