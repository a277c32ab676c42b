package tasks

import (
	"context"
	"strings"
	"time"

	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

type Store interface {
	Load(ctx context.Context) ([]schedule.Task, error)
	Update(ctx context.Context, fn func([]schedule.Task) ([]schedule.Task, bool, error)) error
}

type Sender interface {
	Send(ctx context.Context, t schedule.Task) schedule.Outcome
}

// Input is a caller-supplied task definition.
type Input struct {
	Kind        schedule.Kind
	Recipient   string
	Body        string
	PollOptions []string
	ImageURL    string
	SendAt      int64
}

func (in Input) message() schedule.Message {
	return schedule.Message{Kind: in.Kind, Body: in.Body, PollOptions: in.PollOptions, ImageURL: in.ImageURL}
}

// Enriched is a stored task plus display-only fields derived at read time.
type Enriched struct {
	schedule.Task
	RuntimeStatus schedule.RuntimeStatus `json:"runtime_status"`
	ScheduledTime string                 `json:"scheduled_time"`
	TimeUntilSend int64                  `json:"time_until_send"`
}

// Service is the task CRUD surface used by the HTTP layer.
type Service struct {
	store  Store
	sender Sender
	clock  schedule.Clock
	loc    *time.Location
	log    logx.Logger
}

func New(store Store, sender Sender, clock schedule.Clock, loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: store, sender: sender, clock: clock, loc: loc, log: log.Named("tasks")}
}

func (s *Service) List(ctx context.Context) ([]Enriched, error) {
	all, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().Unix()
	out := make([]Enriched, 0, len(all))
	for _, t := range all {
		e := Enriched{Task: t, RuntimeStatus: t.RuntimeStatus(now)}
		if t.SendAt > 0 {
			e.ScheduledTime = time.Unix(t.SendAt, 0).In(s.loc).Format("2006-01-02 15:04:05 MST")
		}
		if t.SendAt > now {
			e.TimeUntilSend = t.SendAt - now
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context) (schedule.Stats, error) {
	all, err := s.store.Load(ctx)
	if err != nil {
		return schedule.Stats{}, err
	}
	return schedule.ComputeStats(all, s.clock.Now().Unix()), nil
}

func (s *Service) Create(ctx context.Context, in Input) (schedule.Task, error) {
	t := schedule.NewTask(in.message(), in.Recipient, in.SendAt)
	if err := t.Validate(); err != nil {
		return schedule.Task{}, err
	}
	err := s.store.Update(ctx, func(cur []schedule.Task) ([]schedule.Task, bool, error) {
		return append(cur, t), true, nil
	})
	if err != nil {
		return schedule.Task{}, err
	}
	s.log.Info("task created", logx.String("id", t.ID), logx.String("kind", string(t.Kind)), logx.String("recipient", t.Recipient), logx.Int64("send_at", t.SendAt))
	return t, nil
}

// Update rewrites a not-yet-sent task and puts it back to pending.
func (s *Service) Update(ctx context.Context, id string, in Input) (schedule.Task, error) {
	id = strings.TrimSpace(id)
	probe := schedule.NewTask(in.message(), in.Recipient, in.SendAt)
	if err := probe.Validate(); err != nil {
		return schedule.Task{}, err
	}

	var out schedule.Task
	err := s.store.Update(ctx, func(cur []schedule.Task) ([]schedule.Task, bool, error) {
		for i := range cur {
			if cur[i].ID != id {
				continue
			}
			if cur[i].Sent == schedule.SentTrue {
				return nil, false, &schedule.ValidationError{Reason: "cannot edit message that has already been sent"}
			}
			t := &cur[i]
			t.Kind = probe.Kind
			t.Recipient = probe.Recipient
			t.Body = probe.Body
			t.PollOptions = probe.PollOptions
			t.ImageURL = probe.ImageURL
			t.SendAt = probe.SendAt
			t.Status = schedule.StatusPending
			t.MessageID = ""
			t.ErrorDetails = ""
			t.SentAt = ""
			out = *t
			return cur, true, nil
		}
		return nil, false, &schedule.NotFoundError{What: "task", ID: id}
	})
	if err != nil {
		return schedule.Task{}, err
	}
	s.log.Info("task updated", logx.String("id", id))
	return out, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	err := s.store.Update(ctx, func(cur []schedule.Task) ([]schedule.Task, bool, error) {
		for i := range cur {
			if cur[i].ID == id {
				return append(cur[:i], cur[i+1:]...), true, nil
			}
		}
		return nil, false, &schedule.NotFoundError{What: "task", ID: id}
	})
	if err != nil {
		return err
	}
	s.log.Info("task deleted", logx.String("id", id))
	return nil
}

// SendNow delivers a message directly through the transport without
// touching the store.
func (s *Service) SendNow(ctx context.Context, msg schedule.Message, recipient string) (schedule.Outcome, error) {
	t := schedule.NewTask(msg, recipient, s.clock.Now().Unix())
	if err := t.Validate(); err != nil {
		return schedule.Outcome{}, err
	}
	o := s.sender.Send(ctx, t)
	if o.Success {
		s.log.Info("direct send ok", logx.String("recipient", t.Recipient), logx.String("kind", string(t.Kind)), logx.String("message_id", o.MessageID))
	} else {
		s.log.Warn("direct send failed", logx.String("recipient", t.Recipient), logx.String("kind", string(t.Kind)), logx.String("err", o.Error))
	}
	return o, nil
}

// TestMessage sends a plain text message to one recipient.
func (s *Service) TestMessage(ctx context.Context, to, message string) (schedule.Outcome, error) {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(message) == "" {
		return schedule.Outcome{}, &schedule.ValidationError{Reason: "missing required fields: to, message"}
	}
	return s.SendNow(ctx, schedule.Message{Kind: schedule.KindText, Body: message}, to)
}
