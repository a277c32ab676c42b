package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func stopWithin(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.Stop(ctx)
}

func routine(snap Snapshot, name string) (RoutineStats, bool) {
	for _, r := range snap.Routines {
		if r.Name == name {
			return r, true
		}
	}
	return RoutineStats{}, false
}

func TestBestEffortFailuresAreRecordedNotFatal(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	s.Go0("panics", func(ctx context.Context) { panic("oops") })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	time.Sleep(20 * time.Millisecond)
	if s.Context().Err() != nil {
		t.Fatal("best-effort failure cancelled the supervisor")
	}
	if err := stopWithin(t, s); err != nil {
		t.Fatalf("stop: %v", err)
	}

	snap := s.Snapshot()
	if snap.Counters.Started != 3 || snap.Counters.Active != 0 {
		t.Fatalf("counters=%+v", snap.Counters)
	}
	if r, _ := routine(snap, "fails"); r.State != StateFailed || r.LastErr != "boom" {
		t.Fatalf("fails = %+v", r)
	}
	if r, _ := routine(snap, "panics"); r.Panics != 1 || r.State != StateFailed {
		t.Fatalf("panics = %+v", r)
	}
	if r, _ := routine(snap, "waits"); r.State != StateStopped {
		t.Fatalf("waits = %+v", r)
	}
}

func TestCriticalFailureCancelsAndIsReported(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("sibling", func(ctx context.Context) { <-ctx.Done() })
	s.Go("server", func(ctx context.Context) error { return errors.New("listener closed") }, Critical())

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("critical failure did not cancel")
	}
	err := stopWithin(t, s)
	if err == nil || err.Error() != "server: listener closed" {
		t.Fatalf("err = %v", err)
	}
	if snap := s.Snapshot(); snap.Fatal == "" {
		t.Fatal("snapshot lacks fatal error")
	}
}

func TestRestartRerunsUntilClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.Go("loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("again")
		}
		return nil
	}, Restart(time.Millisecond, 2*time.Millisecond), Critical())

	deadline := time.Now().Add(time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := stopWithin(t, s); err != nil {
		t.Fatalf("a restarting routine must not be fatal: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs=%d want 3", runs.Load())
	}
	if r, _ := routine(s.Snapshot(), "loop"); r.Runs != 3 || r.Restarts != 2 || r.State != StateStopped {
		t.Fatalf("loop = %+v", r)
	}
}

func TestCanceledIsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("ctx", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Critical())
	if err := stopWithin(t, s); err != nil {
		t.Fatalf("cancellation should not count as failure: %v", err)
	}
}
