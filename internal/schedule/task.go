package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the message variant of a task. It determines the payload shape.
type Kind string

const (
	KindText    Kind = "text"
	KindPoll    Kind = "poll"
	KindPicture Kind = "picture"
)

// ParseKind normalizes a stored or user-supplied kind.
// "dp" is the legacy spelling of the picture variant.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "text":
		return KindText, nil
	case "poll":
		return KindPoll, nil
	case "picture", "dp":
		return KindPicture, nil
	default:
		return "", &ValidationError{Field: "type", Reason: "unknown message type " + strconv.Quote(raw)}
	}
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusSuccess:
		return StatusSuccess
	case StatusFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Sent is the stored "sent" flag. Storage distinguishes unset from false:
// freshly created rows are unset, rows whose attempt failed are false.
type Sent uint8

const (
	SentUnset Sent = iota
	SentTrue
	SentFalse
)

func ParseSent(raw string) Sent {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return SentTrue
	case "false":
		return SentFalse
	default:
		return SentUnset
	}
}

func (s Sent) String() string {
	switch s {
	case SentTrue:
		return "true"
	case SentFalse:
		return "false"
	default:
		return ""
	}
}

func (s Sent) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Sent) UnmarshalText(b []byte) error {
	*s = ParseSent(string(b))
	return nil
}

// Message is the payload part of a task: what to send, not to whom or when.
type Message struct {
	Kind        Kind     `json:"type"`
	Body        string   `json:"body"`
	PollOptions []string `json:"poll_options"`
	ImageURL    string   `json:"image_url"`
}

// Task is one scheduled send attempt with its own lifecycle.
type Task struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"type"`
	Recipient    string   `json:"group_id"`
	Body         string   `json:"body"`
	PollOptions  []string `json:"poll_options"`
	ImageURL     string   `json:"image_url"`
	SendAt       int64    `json:"send_at"`
	Sent         Sent     `json:"sent"`
	Status       Status   `json:"status"`
	MessageID    string   `json:"message_id"`
	ErrorDetails string   `json:"error_details"`
	SentAt       string   `json:"sent_at"`
	SubgroupID   string   `json:"subgroup_id"`
}

// NewID returns a fresh immutable task identity.
func NewID() string { return uuid.NewString() }

// NormalizeNewlines turns CRLF into LF. The CSV reader folds a quoted CRLF
// to LF, so text is stored in that form to load back unchanged.
func NormalizeNewlines(s string) string {
	if !strings.Contains(s, "\r\n") {
		return s
	}
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// NewTask builds a pending task for recipient with a fresh ID.
func NewTask(msg Message, recipient string, sendAt int64) Task {
	var opts []string
	for _, o := range msg.PollOptions {
		opts = append(opts, NormalizeNewlines(o))
	}
	return Task{
		ID:          NewID(),
		Kind:        msg.Kind,
		Recipient:   strings.TrimSpace(recipient),
		Body:        NormalizeNewlines(msg.Body),
		PollOptions: opts,
		ImageURL:    msg.ImageURL,
		SendAt:      sendAt,
		Status:      StatusPending,
	}
}

func (t Task) Message() Message {
	return Message{Kind: t.Kind, Body: t.Body, PollOptions: t.PollOptions, ImageURL: t.ImageURL}
}

// IsDue reports whether the poller must pick the task up at now (unix seconds).
// A task without a parseable send_at is never due.
func (t Task) IsDue(now int64) bool {
	return t.SendAt > 0 && t.SendAt <= now && t.Sent != SentTrue
}

// IsFailed reports whether the task resolved as a failure.
func (t Task) IsFailed() bool {
	return t.Sent == SentFalse && t.Status == StatusFailed
}

// ApplyOutcome records the resolution of a dispatch attempt.
func (t *Task) ApplyOutcome(o Outcome, sentAt string) {
	t.SentAt = sentAt
	if o.Success {
		t.Sent = SentTrue
		t.Status = StatusSuccess
		t.MessageID = o.MessageID
		t.ErrorDetails = ""
		return
	}
	t.Sent = SentFalse
	t.Status = StatusFailed
	t.MessageID = ""
	t.ErrorDetails = NormalizeNewlines(o.Error)
}

// Reset puts a task back into the pending state at sendAt.
func (t *Task) Reset(sendAt int64) {
	t.SendAt = sendAt
	t.Sent = SentFalse
	t.Status = StatusPending
	t.MessageID = ""
	t.ErrorDetails = ""
	t.SentAt = ""
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// FormatSentAt renders the resolution timestamp stored in sent_at.
func FormatSentAt(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(time.RFC3339)
}
