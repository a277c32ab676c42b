package dispatch

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

func makeTasks(n int) []schedule.Task {
	out := make([]schedule.Task, n)
	for i := range out {
		out[i] = schedule.Task{ID: strconv.Itoa(i), Kind: schedule.KindText, Recipient: "r", Body: "b", SendAt: 1}
	}
	return out
}

func TestRunBatchRespectsConcurrencyCap(t *testing.T) {
	t.Parallel()

	var cur, peak atomic.Int32
	sender := SenderFunc(func(ctx context.Context, task schedule.Task) schedule.Outcome {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return schedule.Outcome{Success: true, MessageID: task.ID}
	})

	d := New(sender, 4, logx.Nop())
	tasks := makeTasks(40)
	out := d.RunBatch(context.Background(), tasks)

	if got := peak.Load(); got > 4 {
		t.Fatalf("peak in-flight=%d exceeds cap 4", got)
	}
	if d.InFlightMax() > 4 {
		t.Fatalf("dispatcher observed %d in flight", d.InFlightMax())
	}
	for i, o := range out {
		if !o.Success || o.MessageID != tasks[i].ID {
			t.Fatalf("outcome %d misaligned: %+v", i, o)
		}
	}
}

func TestRunBatchIsolatesFailuresAndPanics(t *testing.T) {
	t.Parallel()

	sender := SenderFunc(func(ctx context.Context, task schedule.Task) schedule.Outcome {
		switch task.ID {
		case "1":
			return schedule.Failure(500, "boom")
		case "2":
			panic("kaboom")
		}
		return schedule.Outcome{Success: true}
	})

	d := New(sender, 2, logx.Nop())
	out := d.RunBatch(context.Background(), makeTasks(5))
	if len(out) != 5 {
		t.Fatalf("got %d outcomes", len(out))
	}
	for i, o := range out {
		switch i {
		case 1:
			if o.Success || o.Error != "boom" {
				t.Fatalf("outcome 1: %+v", o)
			}
		case 2:
			if o.Success || o.Error != "panic: kaboom" {
				t.Fatalf("outcome 2: %+v", o)
			}
		default:
			if !o.Success {
				t.Fatalf("outcome %d should succeed: %+v", i, o)
			}
		}
	}
}

func TestRunBatchEmpty(t *testing.T) {
	t.Parallel()

	d := New(SenderFunc(func(context.Context, schedule.Task) schedule.Outcome {
		t.Fatal("sender must not be called")
		return schedule.Outcome{}
	}), 0, logx.Nop())
	if out := d.RunBatch(context.Background(), nil); len(out) != 0 {
		t.Fatalf("expected no outcomes")
	}
	if d.Limit() != DefaultLimit {
		t.Fatalf("limit=%d want default", d.Limit())
	}
}

func TestRateLimiterCancelledContext(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := New(SenderFunc(func(context.Context, schedule.Task) schedule.Outcome {
		calls.Add(1)
		return schedule.Outcome{Success: true}
	}), 2, logx.Nop())
	d.SetRate(0.001, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := d.RunBatch(ctx, makeTasks(3))
	for i, o := range out {
		if o.Success {
			t.Fatalf("outcome %d should fail when the limiter cannot wait", i)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("sender called %d times", calls.Load())
	}
}

func TestSetLimitBounds(t *testing.T) {
	t.Parallel()

	d := New(nil, 0, logx.Nop())
	for _, tc := range []struct{ in, want int }{
		{0, DefaultLimit},
		{-4, DefaultLimit},
		{7, 7},
		{MaxLimit, MaxLimit},
		{MaxLimit + 1, MaxLimit},
		{1 << 30, MaxLimit},
	} {
		d.SetLimit(tc.in)
		if got := d.Limit(); got != tc.want {
			t.Fatalf("SetLimit(%d): Limit()=%d want %d", tc.in, got, tc.want)
		}
	}
}
