package app

import (
	"strings"
	"time"

	"wasched/internal/alert"
	"wasched/internal/config"
	"wasched/internal/gateway"
	"wasched/internal/storage"
	logx "wasched/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Components: cfg.Logging.Components,
	}
}

func mapGateway(cfg *config.Config, res config.Resolved) gateway.Config {
	var retries *int
	if res.MaxRetries >= 0 {
		n := res.MaxRetries
		retries = &n
	}
	return gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		Token:      cfg.Gateway.Token,
		Timeout:    res.GatewayTimeout,
		MaxRetries: retries,
		RetryBase:  res.RetryBase,
	}
}

// mapJournal reports whether a journal is configured.
func mapJournal(cfg *config.Config, res config.Resolved) (storage.Config, bool) {
	j := cfg.Journal
	if j == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(j.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(j.Path),
		BusyTimeout: res.JournalBusyTimeout,
		Retention:   res.JournalRetention,
	}, true
}

func mapAlerts(cfg *config.Config, res config.Resolved) alert.Config {
	a := cfg.Alerts
	if a == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:     a.Enabled,
		Token:       a.Token,
		ChatID:      a.ChatID,
		RatePerSec:  a.RatePerSec,
		DedupWindow: res.AlertDedupWindow,
	}
}

// delayOrDefault maps an unset delay to the component default.
func delayOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}
	return d
}
