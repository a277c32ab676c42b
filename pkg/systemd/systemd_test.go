package systemd

import (
	"context"
	"testing"
	"time"

	logx "wasched/pkg/logx"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if Ready() || Stopping() || Status("x") {
		t.Fatal("notify without socket should report false")
	}
	if WatchdogInterval() != 0 {
		t.Fatal("watchdog should be disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, nil, logx.Nop()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-ctx.Done():
		t.Fatal("Watchdog should return immediately without WATCHDOG_USEC")
	}
}
