package config

import (
	"maps"
	"reflect"
	"slices"
	"strings"

	logx "wasched/pkg/logx"
)

// hotSections can be applied without a restart.
var hotSections = []string{"logging", "dispatch", "fanout", "alerts"}

// IsHot reports whether a changed section is applied in place.
func IsHot(section string) bool { return slices.Contains(hotSections, section) }

// SummarizeChange returns the changed sections and safe structured attrs for
// logging. Tokens are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !sameLogging(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Strings("logging.components", slices.Sorted(maps.Keys(newCfg.Logging.Components))),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency),
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.burst", newCfg.Dispatch.Burst),
		)
	}

	if oldCfg.Fanout != newCfg.Fanout {
		changed = append(changed, "fanout")
		attrs = append(attrs,
			logx.String("fanout.send_delay", strings.TrimSpace(newCfg.Fanout.SendDelay)),
			logx.String("fanout.resend_delay", strings.TrimSpace(newCfg.Fanout.ResendDelay)),
		)
	}

	oa, na := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if oa != na {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", na.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(na.Token) != ""),
			logx.Int64("alerts.chat_id", na.ChatID),
		)
	}

	og, ng := oldCfg.Gateway, newCfg.Gateway
	og.Token, ng.Token = "", ""
	tokenChanged := oldCfg.Gateway.Token != newCfg.Gateway.Token
	if tokenChanged || !reflect.DeepEqual(og, ng) {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.base_url", strings.TrimSpace(newCfg.Gateway.BaseURL)),
			logx.Bool("gateway.token_changed", tokenChanged),
		)
	}

	if oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.tasks_path", newCfg.Storage.TasksPath),
			logx.String("storage.subgroups_path", newCfg.Storage.SubgroupsPath),
		)
	}
	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
	}
	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs, logx.String("poller.spec", newCfg.Poller.Spec))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.enabled", newCfg.Webhook.Enabled),
			logx.String("webhook.addr", newCfg.Webhook.Addr),
		)
	}

	return changed, attrs
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func sameLogging(a, b LoggingConfig) bool {
	return a.Level == b.Level && a.Console == b.Console && a.File == b.File &&
		maps.Equal(a.Components, b.Components)
}
