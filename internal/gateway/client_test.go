package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestFormatRecipient(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"1205550001":              "1205550001@s.whatsapp.net",
		"123456789012345":         "123456789012345@s.whatsapp.net", // exactly 15
		"1234567890123456":        "1234567890123456@g.us",
		"120363000000000000@g.us": "120363000000000000@g.us",
		"x@c.us":                  "x@c.us",
	}
	for in, want := range cases {
		if got := FormatRecipient(in); got != want {
			t.Fatalf("FormatRecipient(%q)=%q want %q", in, got, want)
		}
	}
}

func TestSendTextSuccess(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/text" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sent":true,"message":{"id":"wamid.ABC"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "tok"}, logx.Nop())
	out := c.Send(context.Background(), schedule.Task{Kind: schedule.KindText, Recipient: "1205550001", Body: "hi"})
	if !out.Success || out.MessageID != "wamid.ABC" || out.Status != 200 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if got["to"] != "1205550001@s.whatsapp.net" || got["body"] != "hi" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestSendPollAndPicturePaths(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths = map[string]map[string]any{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths[r.URL.Path] = body
		mu.Unlock()
		_, _ = w.Write([]byte(`{"id":"top-level"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	ctx := context.Background()

	poll := c.Send(ctx, schedule.Task{Kind: schedule.KindPoll, Recipient: "120363000000000000", Body: "q?", PollOptions: []string{" a ", "b"}})
	if !poll.Success || poll.MessageID != "top-level" {
		t.Fatalf("poll outcome: %+v", poll)
	}
	pic := c.Send(ctx, schedule.Task{Kind: schedule.KindPicture, Recipient: "120363000000000000", ImageURL: "https://x/p.png"})
	if !pic.Success {
		t.Fatalf("picture outcome: %+v", pic)
	}

	mu.Lock()
	defer mu.Unlock()
	pb := paths["/messages/poll"]
	if pb["to"] != "120363000000000000@g.us" || pb["title"] != "q?" {
		t.Fatalf("poll payload: %v", pb)
	}
	if opts, _ := pb["options"].([]any); len(opts) != 2 || opts[0] != "a" {
		t.Fatalf("poll options: %v", pb["options"])
	}
	if paths["/groups/120363000000000000/picture"]["url"] != "https://x/p.png" {
		t.Fatalf("picture payload: %v", paths)
	}
}

func TestSendRetriesThenFails(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"attempt ` + string(rune('0'+n)) + `"}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{BaseURL: srv.URL}, logx.Nop(), WithSleep(rec.sleep))
	out := c.Send(context.Background(), schedule.Task{Kind: schedule.KindText, Recipient: "1", Body: "x"})

	if out.Success {
		t.Fatalf("expected failure")
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts=%d want 3", calls.Load())
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Second || rec.delays[1] != 2*time.Second {
		t.Fatalf("delays=%v want [1s 2s]", rec.delays)
	}
	if out.Error != `{"error":"attempt 3"}` || out.Status != http.StatusBadGateway {
		t.Fatalf("expected last payload, got %+v", out)
	}
}

func TestSendRetryBudget(t *testing.T) {
	t.Parallel()

	zero, negative, one := 0, -3, 1
	for _, tc := range []struct {
		name     string
		retries  *int
		attempts int32
	}{
		{"default", nil, 3},
		{"disabled", &zero, 1},
		{"negative clamps to none", &negative, 1},
		{"explicit", &one, 2},
	} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		rec := &sleepRecorder{}
		c := New(Config{BaseURL: srv.URL, MaxRetries: tc.retries}, logx.Nop(), WithSleep(rec.sleep))
		out := c.Send(context.Background(), schedule.Task{Kind: schedule.KindText, Recipient: "1", Body: "x"})
		srv.Close()
		if out.Success || calls.Load() != tc.attempts || len(rec.delays) != int(tc.attempts-1) {
			t.Fatalf("%s: attempts=%d delays=%v", tc.name, calls.Load(), rec.delays)
		}
	}
}

func TestSendRecoversOnRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"messageId":"m-2"}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{BaseURL: srv.URL}, logx.Nop(), WithSleep(rec.sleep))
	out := c.Send(context.Background(), schedule.Task{Kind: schedule.KindText, Recipient: "1", Body: "x"})
	if !out.Success || out.MessageID != "m-2" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(rec.delays) != 1 {
		t.Fatalf("delays=%v", rec.delays)
	}
}

func TestSendNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	rec := &sleepRecorder{}
	c := New(Config{BaseURL: base}, logx.Nop(), WithSleep(rec.sleep))
	out := c.Send(context.Background(), schedule.Task{Kind: schedule.KindText, Recipient: "1", Body: "x"})
	if out.Success || out.Status != 0 || out.Error == "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(rec.delays) != 2 {
		t.Fatalf("network errors must be retried, delays=%v", rec.delays)
	}
}

func TestLookups(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/groups":
			if r.URL.Query().Get("count") != "50" {
				t.Errorf("count=%q", r.URL.Query().Get("count"))
			}
			_, _ = w.Write([]byte(`{"groups":[{"id":"120363@g.us","subject":"Team","participants":[{},{}]},{"id":"9@g.us"}]}`))
		case "/contacts":
			_, _ = w.Write([]byte(`[{"id":"62811@c.us","pushname":"Ana","is_business":true}]`))
		case "/health":
			if r.URL.Query().Get("wakeup") != "true" || r.URL.Query().Get("channel_type") != "web" {
				t.Errorf("health query=%v", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"status":{"text":"AUTH"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	ctx := context.Background()

	groups, err := c.Groups(ctx, 50)
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 2 || groups[0].ID != "120363" || groups[0].Name != "Team" || groups[0].Participants != 2 || groups[1].Name != "Unnamed Group" {
		t.Fatalf("groups=%+v", groups)
	}

	contacts, err := c.Contacts(ctx, 100)
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Phone != "62811" || contacts[0].Name != "Ana" || !contacts[0].IsBusiness {
		t.Fatalf("contacts=%+v", contacts)
	}

	if _, err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, err := c.Settings(ctx); !errors.Is(err, schedule.ErrTransport) {
		t.Fatalf("settings should fail with transport error, got %v", err)
	}
}
