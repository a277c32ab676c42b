package taskstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

func sampleTasks() []schedule.Task {
	return []schedule.Task{
		{
			ID: "a", Kind: schedule.KindText, Recipient: "1205550001",
			Body: "hello, \"world\"\nsecond line", SendAt: 1700000000,
			Status: schedule.StatusPending,
		},
		{
			ID: "b", Kind: schedule.KindPoll, Recipient: "120363000000000000",
			Body: "lunch?", PollOptions: []string{"pizza", "sushi, maybe"}, SendAt: 1700000010,
			Sent: schedule.SentTrue, Status: schedule.StatusSuccess, MessageID: "wamid.1",
			SentAt: "2024-01-01T00:00:00Z", SubgroupID: "sg-1",
		},
		{
			ID: "c", Kind: schedule.KindPicture, Recipient: "120363000000000001@g.us",
			ImageURL: "https://example.com/p.png", SendAt: 1700000020,
			Sent: schedule.SentFalse, Status: schedule.StatusFailed,
			ErrorDetails: `{"error":"bad"}`, SentAt: "2024-01-01T00:00:05Z",
		},
		{
			ID: "d", Kind: schedule.KindText, Recipient: "1205550002",
			Body: "line1\nline2, \"q\"\r", SendAt: 1700000030,
			Sent: schedule.SentFalse, Status: schedule.StatusFailed,
			ErrorDetails: "{\n  \"error\": \"a, b\"\n}", SentAt: "2024-01-01T00:00:06Z",
		},
	}
}

func TestSaveFoldsCRLFToStoredForm(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "tasks.csv"), logx.Nop())
	ctx := context.Background()

	raw := schedule.Task{
		ID: "w", Kind: schedule.KindText, Recipient: "1", SendAt: 1700000000,
		Body: "line1\r\nline2, \"q\"", ErrorDetails: "x\r\ny", Status: schedule.StatusPending,
	}
	if err := s.Save(ctx, []schedule.Task{raw}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("load: %v %v", got, err)
	}
	if got[0].Body != "line1\nline2, \"q\"" || got[0].ErrorDetails != "x\ny" {
		t.Fatalf("got body %q details %q", got[0].Body, got[0].ErrorDetails)
	}

	// A task built through NewTask is already in stored form.
	built := schedule.NewTask(schedule.Message{Kind: schedule.KindText, Body: raw.Body}, "1", 1700000000)
	if err := s.Save(ctx, []schedule.Task{built}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Load(ctx)
	if len(got) != 1 || !reflect.DeepEqual(got[0], built) {
		t.Fatalf("round trip mismatch\n got: %#v\nwant: %#v", got, built)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "tasks.csv"), logx.Nop())
	ctx := context.Background()

	want := sampleTasks()
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch\n got: %#v\nwant: %#v", got, want)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "nope.csv"), logx.Nop())
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no tasks, got %d", len(got))
	}
}

func TestLoadUnreadablePathIsStorageError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A directory cannot be parsed as CSV.
	s := New(dir, logx.Nop())
	_, err := s.Load(context.Background())
	if !errors.Is(err, schedule.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestSaveWritesBackupAndHeader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.csv")
	s := New(path, logx.Nop())
	ctx := context.Background()

	if err := s.Save(ctx, sampleTasks()[:1]); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if _, err := os.Stat(path + ".backup"); !os.IsNotExist(err) {
		t.Fatalf("first save must not create a backup, stat err=%v", err)
	}
	first, _ := os.ReadFile(path)

	if err := s.Save(ctx, sampleTasks()); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	backup, err := os.ReadFile(path + ".backup")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(backup) != string(first) {
		t.Fatalf("backup should hold the previous version")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}

	cur, _ := os.ReadFile(path)
	line := strings.SplitN(string(cur), "\n", 2)[0]
	if line != strings.Join(Header, ",") {
		t.Fatalf("header=%q", line)
	}
}

func TestLegacyFileWithoutIDs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.csv")
	legacy := "type,group_id,body,poll_options,image_url,send_at,sent,status,message_id,error_details,sent_at,subgroup_id\n" +
		"text,1205550001,hi,,,100,,pending,,,,\n" +
		"dp,120363000000000000,,,https://x/y.png,100,false,failed,,boom,,\n" +
		"text,1205550001,hi,,,100,,pending,,,,\n"
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(path, logx.Nop())
	ctx := context.Background()
	first, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("got %d tasks", len(first))
	}
	if first[1].Kind != schedule.KindPicture || !first[1].IsFailed() {
		t.Fatalf("legacy picture row parsed wrong: %+v", first[1])
	}
	if first[0].ID == "" || first[0].ID == first[2].ID {
		t.Fatalf("identical rows need distinct ids: %q %q", first[0].ID, first[2].ID)
	}

	again, _ := s.Load(ctx)
	for i := range first {
		if first[i].ID != again[i].ID {
			t.Fatalf("derived ids must be stable across loads")
		}
	}

	// A no-op update still persists the derived ids.
	if err := s.Update(ctx, func(ts []schedule.Task) ([]schedule.Task, bool, error) {
		return ts, false, nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), first[0].ID) {
		t.Fatalf("derived id not persisted")
	}
}

func TestUpdateSkipsSaveWhenUnchanged(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.csv")
	s := New(path, logx.Nop())
	ctx := context.Background()
	if err := s.Save(ctx, sampleTasks()); err != nil {
		t.Fatal(err)
	}
	before, _ := os.Stat(path)

	err := s.Update(ctx, func(ts []schedule.Task) ([]schedule.Task, bool, error) {
		return ts, false, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := os.Stat(path + ".backup"); !os.IsNotExist(err) {
		t.Fatalf("unchanged update must not save")
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatalf("file rewritten")
	}

	sentinel := errors.New("nope")
	if err := s.Update(ctx, func(ts []schedule.Task) ([]schedule.Task, bool, error) {
		return nil, true, sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _ := s.Load(ctx)
	if len(got) != 3 {
		t.Fatalf("failed update must not write, got %d tasks", len(got))
	}
}

func TestUpdateAppends(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "tasks.csv"), logx.Nop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := s.Update(ctx, func(ts []schedule.Task) ([]schedule.Task, bool, error) {
			return append(ts, schedule.NewTask(schedule.Message{Kind: schedule.KindText, Body: "x"}, "r", 10)), true, nil
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	got, _ := s.Load(ctx)
	if len(got) != 3 {
		t.Fatalf("got %d tasks", len(got))
	}
}
