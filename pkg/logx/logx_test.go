package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped")
	l.Named("x").Error("dropped", Err(errors.New("boom")))
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestNamedWritesComponentAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Named("poller").With(String("task", "t1"))
	log.Info("tick", Int("due", 2))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["comp"] != "poller" || rec["task"] != "t1" || rec["due"] != float64(2) || rec["message"] != "tick" {
		t.Fatalf("record = %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", rec["caller"])
	}
}

func TestComponentLevelOverride(t *testing.T) {
	var out bytes.Buffer
	_, root := newService(Config{
		Level:      "warn",
		Console:    true,
		Components: map[string]string{"poller": "debug", "gateway": "nonsense"},
	}, &out)

	root.Named("poller").Debug("poller-debug")
	root.Named("gateway").Debug("gateway-debug")
	root.Named("gateway").Warn("gateway-warn")
	root.Info("root-info")

	got := out.String()
	for _, want := range []string{"poller-debug", "gateway-warn"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	for _, unwanted := range []string{"gateway-debug", "root-info"} {
		if strings.Contains(got, unwanted) {
			t.Errorf("unexpected %q in %q", unwanted, got)
		}
	}
	if !root.Named("poller").Enabled(LevelDebug) || root.Enabled(LevelInfo) {
		t.Fatal("Enabled does not follow component levels")
	}
}

func TestApplyIsLiveForExistingLoggers(t *testing.T) {
	var out bytes.Buffer
	svc, root := newService(Config{Level: "error", Console: true}, &out)
	log := root.Named("dispatch")

	log.Info("before")
	if err := svc.Apply(Config{Level: "info", Console: true}); err != nil {
		t.Fatal(err)
	}
	log.Info("after")

	if strings.Contains(out.String(), "before") || !strings.Contains(out.String(), "after") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestFileSink(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	svc, root := newService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, &out)

	root.Named("journal").Info("to-file")
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	root.Info("after-close")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"message":"to-file"`) || strings.Contains(string(b), "after-close") {
		t.Fatalf("file = %q", b)
	}
	if strings.Contains(out.String(), "to-file") || !strings.Contains(out.String(), "after-close") {
		t.Fatalf("console = %q", out.String())
	}
}

func TestParseLevel(t *testing.T) {
	if l, ok := ParseLevel(" WARNING "); !ok || l != LevelWarn {
		t.Fatalf("got %v %v", l, ok)
	}
	if _, ok := ParseLevel("verbose"); ok {
		t.Fatal("unknown level accepted")
	}
}
