package failures

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"wasched/internal/eventbus"
	"wasched/internal/fanout"
	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

type Store interface {
	Load(ctx context.Context) ([]schedule.Task, error)
	Update(ctx context.Context, fn func([]schedule.Task) ([]schedule.Task, bool, error)) error
}

// Registry is a view over failed tasks with selective requeue.
type Registry struct {
	store   Store
	trigger fanout.Trigger
	bus     eventbus.Bus
	log     logx.Logger
	clock   schedule.Clock

	delay atomic.Int64
}

func New(store Store, trigger fanout.Trigger, bus eventbus.Bus, log logx.Logger, clock schedule.Clock) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	r := &Registry{
		store:   store,
		trigger: trigger,
		bus:     bus,
		log:     log.Named("failures"),
		clock:   clock,
	}
	r.SetDefaultDelay(fanout.DefaultResendDelay)
	return r
}

func (r *Registry) SetDefaultDelay(d time.Duration) {
	if d < 0 {
		d = fanout.DefaultResendDelay
	}
	r.delay.Store(int64(d))
}

func (r *Registry) DefaultDelay() time.Duration { return time.Duration(r.delay.Load()) }

// ListFailed returns failed tasks in stored order, optionally limited to one subgroup.
func (r *Registry) ListFailed(ctx context.Context, subgroupID string) ([]schedule.Task, error) {
	tasks, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	subgroupID = strings.TrimSpace(subgroupID)
	out := make([]schedule.Task, 0)
	for _, t := range tasks {
		if !t.IsFailed() {
			continue
		}
		if subgroupID != "" && t.SubgroupID != subgroupID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Requeue resets the named failed tasks to pending, staggering them in the
// given order from now. Any unknown, duplicate or non-failed id rejects the
// whole request without writing. A negative delay selects the default.
func (r *Registry) Requeue(ctx context.Context, ids []string, delay time.Duration) ([]schedule.Task, error) {
	if len(ids) == 0 {
		return nil, &schedule.ValidationError{Field: "ids", Reason: "at least one task id is required"}
	}
	if delay < 0 {
		delay = r.DefaultDelay()
	}

	var out []schedule.Task
	err := r.store.Update(ctx, func(cur []schedule.Task) ([]schedule.Task, bool, error) {
		pos := make(map[string]int, len(cur))
		for i, t := range cur {
			pos[t.ID] = i
		}
		seen := make(map[string]struct{}, len(ids))
		sel := make([]int, 0, len(ids))
		for _, id := range ids {
			id = strings.TrimSpace(id)
			i, ok := pos[id]
			if !ok {
				return nil, false, &schedule.NotFoundError{What: "task", ID: id}
			}
			if _, dup := seen[id]; dup {
				return nil, false, &schedule.ValidationError{Field: "ids", Reason: "duplicate task id " + id}
			}
			seen[id] = struct{}{}
			if !cur[i].IsFailed() {
				return nil, false, &schedule.ValidationError{Field: "ids", Reason: "task " + id + " is not failed"}
			}
			sel = append(sel, i)
		}
		out = r.reset(cur, sel, delay)
		return cur, true, nil
	})
	if err != nil {
		return nil, err
	}
	r.after("requeue", "", out, delay)
	return out, nil
}

// RequeueSubgroup resends every failed task of a subgroup in stored order.
// It writes and triggers nothing when the subgroup has no failures.
func (r *Registry) RequeueSubgroup(ctx context.Context, subgroupID string, delay time.Duration) ([]schedule.Task, error) {
	subgroupID = strings.TrimSpace(subgroupID)
	if subgroupID == "" {
		return nil, &schedule.ValidationError{Field: "subgroup_id", Reason: "subgroup id is required"}
	}
	if delay < 0 {
		delay = r.DefaultDelay()
	}

	out := []schedule.Task{}
	err := r.store.Update(ctx, func(cur []schedule.Task) ([]schedule.Task, bool, error) {
		var sel []int
		for i, t := range cur {
			if t.SubgroupID == subgroupID && t.IsFailed() {
				sel = append(sel, i)
			}
		}
		if len(sel) == 0 {
			return cur, false, nil
		}
		out = r.reset(cur, sel, delay)
		return cur, true, nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		r.after("resend", subgroupID, out, delay)
	}
	return out, nil
}

func (r *Registry) reset(cur []schedule.Task, sel []int, delay time.Duration) []schedule.Task {
	now := r.clock.Now().Unix()
	out := make([]schedule.Task, 0, len(sel))
	for n, i := range sel {
		cur[i].Reset(fanout.Stagger(now, n, delay))
		out = append(out, cur[i])
	}
	return out
}

func (r *Registry) after(source, subgroupID string, tasks []schedule.Task, delay time.Duration) {
	r.log.Info("failed tasks requeued",
		logx.String("source", source),
		logx.String("subgroup", subgroupID),
		logx.Int("tasks", len(tasks)),
		logx.Duration("delay", delay),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeTasksQueued, Data: eventbus.Queued{Source: source, SubgroupID: subgroupID, Count: len(tasks)}})
	}
	if r.trigger != nil {
		r.trigger.TriggerNow()
	}
}
