package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"wasched/internal/dispatch"
	"wasched/internal/poller"
	logx "wasched/pkg/logx"
)

const (
	DefaultBaseURL       = "https://gate.whapi.cloud"
	DefaultTasksPath     = "./schedule.csv"
	DefaultSubgroupsPath = "./subgroups.csv"
	DefaultHTTPAddr      = ":3001"
	DefaultWebhookAddr   = ":3000"
	DefaultTimezone      = "Asia/Kolkata"
	DefaultConcurrency   = 15
)

// ApplyEnv overlays environment variables onto c. lookup is usually os.LookupEnv.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error
	if v, ok := get("WHAPI_TOKEN"); ok {
		c.Gateway.Token = v
	}
	if v, ok := get("WHAPI_BASE_URL"); ok {
		c.Gateway.BaseURL = v
	}
	if v, ok := get("CSV_PATH"); ok {
		c.Storage.TasksPath = v
	}
	if v, ok := get("SUBGROUPS_PATH"); ok {
		c.Storage.SubgroupsPath = v
	}
	if v, ok := get("CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("CONCURRENCY: invalid value %q", v))
		} else {
			c.Dispatch.Concurrency = n
		}
	}
	if v, ok := get("SERVER_PORT"); ok {
		c.HTTP.Addr = portAddr(v)
	}
	if v, ok := get("WEBHOOK_PORT"); ok {
		c.Webhook.Addr = portAddr(v)
		c.Webhook.Enabled = true
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	return errors.Join(errs...)
}

func portAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

// ApplyDefaults fills zero fields.
func ApplyDefaults(c *Config) {
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = DefaultTimezone
	}
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		c.Gateway.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Storage.TasksPath) == "" {
		c.Storage.TasksPath = DefaultTasksPath
	}
	if strings.TrimSpace(c.Storage.SubgroupsPath) == "" {
		c.Storage.SubgroupsPath = DefaultSubgroupsPath
	}
	if strings.TrimSpace(c.Poller.Spec) == "" {
		c.Poller.Spec = poller.DefaultSpec
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = DefaultConcurrency
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if strings.TrimSpace(c.Webhook.Addr) == "" {
		c.Webhook.Addr = DefaultWebhookAddr
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

// Resolved holds the parsed forms of string-typed settings.
type Resolved struct {
	Location           *time.Location
	GatewayTimeout     time.Duration
	MaxRetries         int
	RetryBase          time.Duration
	SendDelay          time.Duration
	ResendDelay        time.Duration
	JournalBusyTimeout time.Duration
	JournalRetention   time.Duration
	AlertDedupWindow   time.Duration
}

// Resolve validates c and parses its durations. Zero durations mean
// "component default" and are passed through as zero.
func Resolve(c *Config) (Resolved, error) {
	var (
		r    Resolved
		errs []error
		err  error
	)
	if c == nil {
		return r, errors.New("config is nil")
	}
	if strings.TrimSpace(c.Gateway.Token) == "" {
		errs = append(errs, errors.New("gateway.token is required (or WHAPI_TOKEN)"))
	}
	if r.Location, err = time.LoadLocation(strings.TrimSpace(c.Timezone)); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if err := poller.ValidateSpec(c.Poller.Spec); err != nil {
		errs = append(errs, fmt.Errorf("poller.spec: %w", err))
	}
	if _, ok := logx.ParseLevel(c.Logging.Level); !ok && strings.TrimSpace(c.Logging.Level) != "" {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	for name, lvl := range c.Logging.Components {
		if _, ok := logx.ParseLevel(lvl); !ok {
			errs = append(errs, fmt.Errorf("logging.components.%s: unknown level %q", name, lvl))
		}
	}

	parse := func(path, raw string, out *time.Duration) {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*out = d
	}
	parse("gateway.timeout", c.Gateway.Timeout, &r.GatewayTimeout)
	parse("gateway.retry_base", c.Gateway.RetryBase, &r.RetryBase)
	parse("fanout.send_delay", c.Fanout.SendDelay, &r.SendDelay)
	parse("fanout.resend_delay", c.Fanout.ResendDelay, &r.ResendDelay)

	r.MaxRetries = -1
	if c.Gateway.MaxRetries != nil {
		if *c.Gateway.MaxRetries < 0 {
			errs = append(errs, errors.New("gateway.max_retries must be >= 0"))
		}
		r.MaxRetries = *c.Gateway.MaxRetries
	}
	if c.Dispatch.Concurrency > dispatch.MaxLimit {
		errs = append(errs, fmt.Errorf("dispatch.concurrency must be <= %d", dispatch.MaxLimit))
	}
	if c.Dispatch.RatePerSec < 0 || c.Dispatch.Burst < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec and dispatch.burst must be >= 0"))
	}

	if j := c.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "jsonl", "sqlite", "sqlite3":
			if strings.TrimSpace(j.Path) == "" {
				errs = append(errs, errors.New("journal.path is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", j.Driver))
		}
		parse("journal.busy_timeout", j.BusyTimeout, &r.JournalBusyTimeout)
		parse("journal.retention", j.Retention, &r.JournalRetention)
	}
	if a := c.Alerts; a != nil {
		if a.Enabled && (strings.TrimSpace(a.Token) == "" || a.ChatID == 0) {
			errs = append(errs, errors.New("alerts: token and chat_id are required when enabled"))
		}
		parse("alerts.dedup_window", a.DedupWindow, &r.AlertDedupWindow)
	}
	return r, errors.Join(errs...)
}

// ParseDurationField parses a non-negative Go duration. Empty means zero.
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
