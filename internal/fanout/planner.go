package fanout

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"wasched/internal/eventbus"
	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

const (
	DefaultSendDelay   = 2000 * time.Millisecond
	DefaultResendDelay = 3000 * time.Millisecond
)

// Resolver yields a subgroup's recipients in stored order.
type Resolver interface {
	Resolve(ctx context.Context, subgroupID string) ([]string, error)
}

type Store interface {
	Update(ctx context.Context, fn func([]schedule.Task) ([]schedule.Task, bool, error)) error
}

// Trigger asks the poller for an out-of-band cycle.
type Trigger interface {
	TriggerNow()
}

// Stagger returns the send time for position i of a batch:
// base + floor(i*delay/1s).
func Stagger(base int64, i int, delay time.Duration) int64 {
	if delay < 0 {
		delay = 0
	}
	return base + int64(i)*delay.Milliseconds()/1000
}

// Expand gives every recipient its staggered send time, in order.
func Expand(recipients []string, base int64, delay time.Duration) []int64 {
	out := make([]int64, len(recipients))
	for i := range recipients {
		out[i] = Stagger(base, i, delay)
	}
	return out
}

type Request struct {
	SubgroupID string
	Message    schedule.Message
	// SendAt is the unix time of the first send; ignored when Immediate.
	SendAt    int64
	Immediate bool
	// Delay between consecutive recipients. Negative selects the planner default.
	Delay time.Duration
}

// Planner expands one subgroup send into one task per recipient.
type Planner struct {
	store    Store
	resolver Resolver
	trigger  Trigger
	bus      eventbus.Bus
	log      logx.Logger
	clock    schedule.Clock

	delay atomic.Int64
}

func New(store Store, resolver Resolver, trigger Trigger, bus eventbus.Bus, log logx.Logger, clock schedule.Clock) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	p := &Planner{
		store:    store,
		resolver: resolver,
		trigger:  trigger,
		bus:      bus,
		log:      log.Named("fanout"),
		clock:    clock,
	}
	p.SetDefaultDelay(DefaultSendDelay)
	return p
}

func (p *Planner) SetDefaultDelay(d time.Duration) {
	if d < 0 {
		d = DefaultSendDelay
	}
	p.delay.Store(int64(d))
}

func (p *Planner) DefaultDelay() time.Duration { return time.Duration(p.delay.Load()) }

// Plan resolves the subgroup, validates the message, appends all tasks in
// one store update and, when Immediate, triggers a cycle after persisting.
func (p *Planner) Plan(ctx context.Context, req Request) ([]schedule.Task, error) {
	req.SubgroupID = strings.TrimSpace(req.SubgroupID)
	if req.SubgroupID == "" {
		return nil, &schedule.ValidationError{Field: "subgroup_id", Reason: "subgroup id is required"}
	}
	if err := req.Message.Validate(); err != nil {
		return nil, err
	}
	base := req.SendAt
	if req.Immediate {
		base = p.clock.Now().Unix()
	} else if base <= 0 {
		return nil, &schedule.ValidationError{Field: "send_at", Reason: "send_at is required unless sending immediately"}
	}
	delay := req.Delay
	if delay < 0 {
		delay = p.DefaultDelay()
	}

	recipients, err := p.resolver.Resolve(ctx, req.SubgroupID)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, &schedule.ValidationError{Field: "group_ids", Reason: "subgroup has no recipients"}
	}

	times := Expand(recipients, base, delay)
	tasks := make([]schedule.Task, 0, len(recipients))
	for i, r := range recipients {
		t := schedule.NewTask(req.Message, r, times[i])
		t.SubgroupID = req.SubgroupID
		if err := t.Validate(); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	err = p.store.Update(ctx, func(cur []schedule.Task) ([]schedule.Task, bool, error) {
		return append(cur, tasks...), true, nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("subgroup send planned",
		logx.String("subgroup", req.SubgroupID),
		logx.Int("tasks", len(tasks)),
		logx.Int64("first_send_at", times[0]),
		logx.Duration("delay", delay),
		logx.Bool("immediate", req.Immediate),
	)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeTasksQueued, Data: eventbus.Queued{Source: "fanout", SubgroupID: req.SubgroupID, Count: len(tasks)}})
	}
	if req.Immediate && p.trigger != nil {
		p.trigger.TriggerNow()
	}
	return tasks, nil
}
