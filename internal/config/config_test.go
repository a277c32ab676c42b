package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", `
timezone: Europe/Berlin
gateway:
  token: abc
  timeout: 10s
  max_retries: 2
dispatch:
  concurrency: 4
  rate_per_sec: 2.5
fanout:
  send_delay: 1s
journal:
  driver: sqlite
  path: ./j.db
`)
	m := NewManager(p)
	m.SetLookup(envOf(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timezone != "Europe/Berlin" || cfg.Gateway.Token != "abc" || cfg.Dispatch.Concurrency != 4 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Dispatch.RatePerSec != 2.5 {
		t.Fatalf("rate: %v", cfg.Dispatch.RatePerSec)
	}
	if cfg.Storage.TasksPath != DefaultTasksPath || cfg.HTTP.Addr != DefaultHTTPAddr {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	r, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.GatewayTimeout != 10*time.Second || r.MaxRetries != 2 || r.SendDelay != time.Second || r.ResendDelay != 0 {
		t.Fatalf("resolved: %+v", r)
	}
	if r.Location.String() != "Europe/Berlin" {
		t.Fatalf("location: %v", r.Location)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, "config.json", `{"gateway":{"token":"x"},"bogus":1}`)
	m := NewManager(p)
	m.SetLookup(envOf(nil))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	p := writeFile(t, "config.json", `{"gateway":{"token":"x"}} {}`)
	m := NewManager(p)
	m.SetLookup(envOf(nil))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestMissingFileUsesEnvironment(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	m.SetLookup(envOf(map[string]string{
		"WHAPI_TOKEN":  "tok",
		"CSV_PATH":     "/data/s.csv",
		"CONCURRENCY":  "7",
		"SERVER_PORT":  "8080",
		"WEBHOOK_PORT": "9090",
		"LOG_LEVEL":    "debug",
	}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Gateway.Token != "tok" || cfg.Storage.TasksPath != "/data/s.csv" || cfg.Dispatch.Concurrency != 7 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Webhook.Addr != ":9090" || !cfg.Webhook.Enabled {
		t.Fatalf("ports: %+v %+v", cfg.HTTP, cfg.Webhook)
	}
	if cfg.Logging.Level != "debug" || cfg.Timezone != DefaultTimezone || cfg.Gateway.BaseURL != DefaultBaseURL {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "config.yaml", "gateway:\n  token: from-file\n")
	m := NewManager(p)
	m.SetLookup(envOf(map[string]string{"WHAPI_TOKEN": "from-env"}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Gateway.Token)
	}
}

func TestInvalidConcurrencyEnv(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	m.SetLookup(envOf(map[string]string{"CONCURRENCY": "zero"}))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error")
	}
}

func TestResolveErrors(t *testing.T) {
	neg := -1
	cfg := &Config{
		Timezone: "Mars/Olympus",
		Gateway:  GatewayConfig{Timeout: "soon", MaxRetries: &neg},
		Poller:   PollerConfig{Spec: "not a spec"},
		Journal:  &JournalConfig{Driver: "mongo"},
		Alerts:   &AlertsConfig{Enabled: true},
		Logging:  LoggingConfig{Components: map[string]string{"poller": "chatty"}},
		Dispatch: DispatchConfig{Concurrency: 1 << 30},
	}
	_, err := Resolve(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"gateway.token", "timezone", "poller.spec", "gateway.timeout", "max_retries", "journal.driver", "alerts", "logging.components.poller", "dispatch.concurrency"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestSummarizeChangeHidesTokens(t *testing.T) {
	old := &Config{Gateway: GatewayConfig{Token: "a"}, Dispatch: DispatchConfig{Concurrency: 1}}
	nw := &Config{Gateway: GatewayConfig{Token: "b"}, Dispatch: DispatchConfig{Concurrency: 2}, Alerts: &AlertsConfig{Token: "secret"}}
	changed, attrs := SummarizeChange(old, nw)
	for _, want := range []string{"dispatch", "alerts", "gateway"} {
		if !slices.Contains(changed, want) {
			t.Errorf("changed %v missing %q", changed, want)
		}
	}
	if slices.Contains(changed, "logging") {
		t.Errorf("logging unexpectedly changed: %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if !IsHot("dispatch") || IsHot("gateway") {
		t.Fatal("hot section classification")
	}
}

func TestSummarizeChangeComponentLevels(t *testing.T) {
	old := &Config{Logging: LoggingConfig{Level: "info"}}
	same := &Config{Logging: LoggingConfig{Level: "info", Components: map[string]string{}}}
	if changed, _ := SummarizeChange(old, same); len(changed) != 0 {
		t.Fatalf("nil and empty components should compare equal: %v", changed)
	}
	nw := &Config{Logging: LoggingConfig{Level: "info", Components: map[string]string{"gateway": "debug"}}}
	if changed, _ := SummarizeChange(old, nw); !slices.Equal(changed, []string{"logging"}) {
		t.Fatalf("changed = %v", changed)
	}
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	p := writeFile(t, "config.yaml", "gateway:\n  token: t\n")
	m := NewManager(p)
	m.SetLookup(envOf(nil))
	first, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ok, err := m.Reload(context.Background())
	if err != nil || ok {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(p, []byte("gateway:\n  token: t\ndispatch:\n  concurrency: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err = m.Reload(context.Background())
	if err != nil || !ok {
		t.Fatalf("changed reload: ok=%v err=%v", ok, err)
	}
	select {
	case c := <-ch:
		if c.Old != first || c.New.Dispatch.Concurrency != 3 {
			t.Fatalf("change = %+v", c)
		}
	default:
		t.Fatal("no config published")
	}
}

func TestSubscribeCoalescesUnreadChanges(t *testing.T) {
	p := writeFile(t, "config.yaml", "gateway:\n  token: t\n")
	m := NewManager(p)
	m.SetLookup(envOf(nil))
	first, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	ch, unsubscribe := m.Subscribe()

	for _, n := range []int{2, 4} {
		body := fmt.Sprintf("gateway:\n  token: t\ndispatch:\n  concurrency: %d\n", n)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Reload(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	c := <-ch
	if c.Old != first || c.New.Dispatch.Concurrency != 4 {
		t.Fatalf("change = old %p new %+v", c.Old, c.New.Dispatch)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second change %+v", extra)
	default:
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	p := writeFile(t, "config.yaml", "gateway:\n  token: t\n")
	m := NewManager(p)
	m.SetLookup(envOf(nil))
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for n := 2; ; n++ {
		// Rewrite until the watcher has registered and seen one.
		body := fmt.Sprintf("gateway:\n  token: t\ndispatch:\n  concurrency: %d\n", n)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case c := <-ch:
			if c.New.Dispatch.Concurrency < 2 {
				t.Fatalf("change = %+v", c.New.Dispatch)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watch did not publish")
		}
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	p := writeFile(t, "config.yaml", "gateway:\n  token: t\n")
	m := NewManager(p)
	m.SetLookup(envOf(nil))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		_, err := Resolve(c)
		return err
	})
	if err := os.WriteFile(p, []byte("gateway:\n  token: t\ntimezone: Nowhere/Land\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(context.Background()); err == nil || ok {
		t.Fatalf("expected rejection, ok=%v err=%v", ok, err)
	}
	if m.Get().Timezone == "Nowhere/Land" {
		t.Fatal("rejected config was committed")
	}
}
