package poller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wasched/internal/eventbus"
	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

const DefaultSpec = "@every 1s"

// Store is the slice of the task store the poller needs.
type Store interface {
	Load(ctx context.Context) ([]schedule.Task, error)
	Update(ctx context.Context, fn func([]schedule.Task) ([]schedule.Task, bool, error)) error
}

type Dispatcher interface {
	RunBatch(ctx context.Context, tasks []schedule.Task) []schedule.Outcome
}

type Config struct {
	// Spec is a cron spec (seconds optional) or descriptor such as "@every 1s".
	Spec     string
	Location *time.Location
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Poller periodically sends due tasks. At most one cycle runs at a time:
// timer ticks that find a cycle running are dropped, while TriggerNow and
// ProcessNow wait for it to finish.
type Poller struct {
	cfg   Config
	store Store
	disp  Dispatcher
	bus   eventbus.Bus
	log   logx.Logger
	clock schedule.Clock

	running sync.Mutex
	trigger chan struct{}

	smu  sync.Mutex
	snap Snapshot
}

type Snapshot struct {
	State       State                 `json:"state"`
	Spec        string                `json:"spec"`
	Cycles      uint64                `json:"cycles"`
	Skipped     uint64                `json:"skipped"`
	Triggered   uint64                `json:"triggered"`
	TotalSent   uint64                `json:"total_sent"`
	TotalFailed uint64                `json:"total_failed"`
	LastCycleAt time.Time             `json:"last_cycle_at"`
	LastReport  *eventbus.CycleReport `json:"last_report,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	LastErrorAt time.Time             `json:"last_error_at"`
}

type Option func(*Poller)

func WithClock(c schedule.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

func New(cfg Config, store Store, disp Dispatcher, bus eventbus.Bus, log logx.Logger, opts ...Option) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Spec = strings.TrimSpace(cfg.Spec)
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	p := &Poller{
		cfg:     cfg,
		store:   store,
		disp:    disp,
		bus:     bus,
		log:     log.Named("poller"),
		clock:   schedule.SystemClock{},
		trigger: make(chan struct{}, 1),
	}
	p.snap.State = StateIdle
	p.snap.Spec = cfg.Spec
	for _, o := range opts {
		o(p)
	}
	return p
}

func newParser() cron.Parser {
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateSpec reports whether spec can drive the poller.
func ValidateSpec(spec string) error {
	_, err := newParser().Parse(strings.TrimSpace(spec))
	return err
}

// Run drives the poller until ctx ends. It owns the cron timer and the
// out-of-band trigger loop.
func (p *Poller) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(newParser()), cron.WithLocation(p.cfg.Location))
	if _, err := c.AddFunc(p.cfg.Spec, func() { p.tick(ctx) }); err != nil {
		return err
	}
	c.Start()
	p.log.Info("poller started", logx.String("spec", p.cfg.Spec))

	defer func() {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			p.log.Warn("poller stop timed out waiting for running cycle")
		}
		p.log.Info("poller stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.trigger:
			p.running.Lock()
			_, _ = p.cycle(ctx, "trigger")
			p.running.Unlock()
		}
	}
}

// tick is the timer path: skip entirely when a cycle is running.
func (p *Poller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !p.running.TryLock() {
		p.smu.Lock()
		p.snap.Skipped++
		p.smu.Unlock()
		return
	}
	defer p.running.Unlock()
	_, _ = p.cycle(ctx, "tick")
}

// TriggerNow requests one extra cycle. Requests made while one is already
// pending coalesce.
func (p *Poller) TriggerNow() {
	select {
	case p.trigger <- struct{}{}:
		p.smu.Lock()
		p.snap.Triggered++
		p.smu.Unlock()
	default:
	}
}

// ProcessNow runs a cycle synchronously, waiting for any running one first.
func (p *Poller) ProcessNow(ctx context.Context) (eventbus.CycleReport, error) {
	p.running.Lock()
	defer p.running.Unlock()
	return p.cycle(ctx, "manual")
}

func (p *Poller) Snapshot() Snapshot {
	p.smu.Lock()
	defer p.smu.Unlock()
	s := p.snap
	if s.LastReport != nil {
		r := *s.LastReport
		s.LastReport = &r
	}
	return s
}

func (p *Poller) setState(st State) {
	p.smu.Lock()
	p.snap.State = st
	p.smu.Unlock()
}

// cycle must be called with p.running held. Once started it is not cancelled:
// every selected task runs to completion before outcomes are persisted.
func (p *Poller) cycle(parent context.Context, trigger string) (eventbus.CycleReport, error) {
	p.setState(StateRunning)
	defer p.setState(StateIdle)

	ctx := context.WithoutCancel(parent)
	start := p.clock.Now()
	rep := eventbus.CycleReport{Trigger: trigger}

	tasks, err := p.store.Load(ctx)
	if err != nil {
		p.log.Error("load failed", logx.Err(err))
		return p.finish(rep, start, err), err
	}

	now := start.Unix()
	due := make([]schedule.Task, 0)
	for _, t := range tasks {
		if t.IsDue(now) {
			due = append(due, t)
		}
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return p.finish(rep, start, nil), nil
	}

	p.log.Info("processing due tasks", logx.Int("due", len(due)), logx.String("trigger", trigger))
	outcomes := p.disp.RunBatch(ctx, due)

	sentAt := schedule.FormatSentAt(p.clock.Now(), p.cfg.Location)
	byID := make(map[string]schedule.Outcome, len(due))
	for i, o := range outcomes {
		t := due[i]
		byID[t.ID] = o
		if o.Success {
			rep.Sent++
			p.log.Info("task sent", logx.String("recipient", t.Recipient), logx.String("kind", string(t.Kind)), logx.String("message_id", o.MessageID))
		} else {
			rep.Failed++
			p.log.Warn("task failed", logx.String("recipient", t.Recipient), logx.String("kind", string(t.Kind)), logx.Int("status", o.Status), logx.String("err", o.Error))
		}
	}

	// Apply by id onto a fresh load so tasks written during the batch survive.
	err = p.store.Update(ctx, func(cur []schedule.Task) ([]schedule.Task, bool, error) {
		changed := false
		for i := range cur {
			if o, ok := byID[cur[i].ID]; ok {
				cur[i].ApplyOutcome(o, sentAt)
				changed = true
			}
		}
		return cur, changed, nil
	})
	if err != nil {
		p.log.Error("save failed", logx.Err(err))
	} else {
		rep.Saved = true
	}

	for i, o := range outcomes {
		p.publishOutcome(due[i], o, sentAt)
	}
	return p.finish(rep, start, err), err
}

func (p *Poller) publishOutcome(t schedule.Task, o schedule.Outcome, sentAt string) {
	if p.bus == nil {
		return
	}
	typ := eventbus.TypeTaskSent
	if !o.Success {
		typ = eventbus.TypeTaskFailed
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.TaskOutcome{
		TaskID:     t.ID,
		Kind:       string(t.Kind),
		Recipient:  t.Recipient,
		SubgroupID: t.SubgroupID,
		Status:     o.Status,
		MessageID:  o.MessageID,
		Error:      o.Error,
		SentAt:     sentAt,
	}})
}

func (p *Poller) finish(rep eventbus.CycleReport, start time.Time, err error) eventbus.CycleReport {
	rep.Finished = p.clock.Now()
	rep.Took = rep.Finished.Sub(start)
	if err != nil {
		rep.Err = err.Error()
	}

	p.smu.Lock()
	p.snap.Cycles++
	p.snap.LastCycleAt = rep.Finished
	if rep.Due > 0 || err != nil {
		r := rep
		p.snap.LastReport = &r
	}
	p.snap.TotalSent += uint64(rep.Sent)
	p.snap.TotalFailed += uint64(rep.Failed)
	if err != nil {
		p.snap.LastError = err.Error()
		p.snap.LastErrorAt = rep.Finished
	}
	p.smu.Unlock()

	if p.bus != nil && (rep.Due > 0 || err != nil) {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleCompleted, Time: rep.Finished, Data: rep})
	}
	return rep
}
