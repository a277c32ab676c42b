package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"wasched/internal/schedule"
	"wasched/internal/taskstore"
	logx "wasched/pkg/logx"
)

type recordSender struct {
	sent []schedule.Task
	out  schedule.Outcome
}

func (r *recordSender) Send(_ context.Context, t schedule.Task) schedule.Outcome {
	r.sent = append(r.sent, t)
	return r.out
}

func newService(t *testing.T, now int64) (*Service, *taskstore.Store, *recordSender) {
	t.Helper()
	store := taskstore.New(filepath.Join(t.TempDir(), "tasks.csv"), logx.Nop())
	snd := &recordSender{out: schedule.Outcome{Success: true, Status: 200, MessageID: "m"}}
	clock := schedule.ClockFunc(func() time.Time { return time.Unix(now, 0) })
	return New(store, snd, clock, time.UTC, logx.Nop()), store, snd
}

func TestCreateListUpdateDelete(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, 1000)
	ctx := context.Background()

	created, err := svc.Create(ctx, Input{Kind: schedule.KindText, Recipient: "1205550001", Body: "hi", SendAt: 1600})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := svc.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list=%v err=%v", list, err)
	}
	if list[0].RuntimeStatus != schedule.RuntimeScheduled || list[0].TimeUntilSend != 600 || list[0].ScheduledTime == "" {
		t.Fatalf("enriched=%+v", list[0])
	}

	upd, err := svc.Update(ctx, created.ID, Input{Kind: schedule.KindPoll, Recipient: "1205550001", Body: "q", PollOptions: []string{"a", "b"}, SendAt: 900})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.ID != created.ID || upd.Kind != schedule.KindPoll || upd.Status != schedule.StatusPending {
		t.Fatalf("updated=%+v", upd)
	}
	list, _ = svc.List(ctx)
	if list[0].RuntimeStatus != schedule.RuntimeProcessing {
		t.Fatalf("runtime=%s", list[0].RuntimeStatus)
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, created.ID); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestUpdateRejectsSentTask(t *testing.T) {
	t.Parallel()

	svc, store, _ := newService(t, 1000)
	ctx := context.Background()
	sent := schedule.Task{ID: "s", Kind: schedule.KindText, Recipient: "r", Body: "b", SendAt: 1, Sent: schedule.SentTrue, Status: schedule.StatusSuccess}
	if err := store.Save(ctx, []schedule.Task{sent}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Update(ctx, "s", Input{Kind: schedule.KindText, Recipient: "r", Body: "new", SendAt: 5})
	if !errors.Is(err, schedule.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Update(ctx, "missing", Input{Kind: schedule.KindText, Recipient: "r", Body: "new", SendAt: 5}); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	svc, store, _ := newService(t, 1000)
	ctx := context.Background()
	bad := []Input{
		{Kind: schedule.KindText, Recipient: "r", SendAt: 5},
		{Kind: schedule.KindPoll, Recipient: "r", Body: "q", SendAt: 5},
		{Kind: schedule.KindPicture, Recipient: "r", SendAt: 5},
		{Kind: schedule.KindText, Body: "b", SendAt: 5},
		{Kind: schedule.KindText, Recipient: "r", Body: "b"},
	}
	for i, in := range bad {
		if _, err := svc.Create(ctx, in); !errors.Is(err, schedule.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	got, _ := store.Load(ctx)
	if len(got) != 0 {
		t.Fatalf("invalid input reached the store")
	}
}

func TestSendNowBypassesStore(t *testing.T) {
	t.Parallel()

	svc, store, snd := newService(t, 1000)
	ctx := context.Background()
	o, err := svc.TestMessage(ctx, "1205550001", "ping")
	if err != nil || !o.Success {
		t.Fatalf("outcome=%+v err=%v", o, err)
	}
	if len(snd.sent) != 1 || snd.sent[0].Kind != schedule.KindText || snd.sent[0].Body != "ping" {
		t.Fatalf("sent=%+v", snd.sent)
	}
	if _, err := svc.TestMessage(ctx, "", "x"); !errors.Is(err, schedule.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := store.Load(ctx)
	if len(got) != 0 {
		t.Fatalf("direct sends must not be stored")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	svc, store, _ := newService(t, 1000)
	ctx := context.Background()
	_ = store.Save(ctx, []schedule.Task{
		{ID: "1", Kind: schedule.KindText, Recipient: "r", Body: "b", SendAt: 1, Sent: schedule.SentTrue, Status: schedule.StatusSuccess},
		{ID: "2", Kind: schedule.KindText, Recipient: "r", Body: "b", SendAt: 1, Sent: schedule.SentFalse, Status: schedule.StatusFailed, ErrorDetails: "x"},
		{ID: "3", Kind: schedule.KindText, Recipient: "r", Body: "b", SendAt: 5000, Status: schedule.StatusPending},
	})
	st, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.SentSuccessfully != 1 || st.Failed != 1 || st.Scheduled != 1 || len(st.RecentFailures) != 1 {
		t.Fatalf("stats=%+v", st)
	}
}
