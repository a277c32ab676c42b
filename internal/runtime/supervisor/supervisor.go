package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "wasched/pkg/logx"
)

// Routine states reported in Snapshot.
const (
	StateRunning = "running"
	StateBackoff = "backoff"
	StateStopped = "stopped"
	StateFailed  = "failed"
)

// Supervisor runs named goroutines bound to one context. Every run is
// panic-safe and tracked per name. Only routines started with Critical can
// fail the supervisor; the first such failure cancels the context and is
// returned by Err and Wait.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	waitOnce sync.Once

	mu       sync.Mutex
	routines map[string]*RoutineStats
	fatal    error
	spawned  uint64
	live     int64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// RoutineStats aggregates every run started under one name.
type RoutineStats struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Critical  bool      `json:"critical,omitempty"`
	Runs      uint64    `json:"runs"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

type Snapshot struct {
	Counters Counters       `json:"counters"`
	Fatal    string         `json:"fatal,omitempty"`
	Routines []RoutineStats `json:"routines"`
}

// RunOption tunes one routine.
type RunOption func(*runSpec)

type runSpec struct {
	critical bool
	restart  bool
	min, max time.Duration
}

// Critical makes a failure of the routine fatal for the supervisor.
func Critical() RunOption {
	return func(r *runSpec) { r.critical = true }
}

// Restart reruns the routine after an error or panic, backing off from min
// to max. A clean return ends it. A restarting routine is never fatal.
func Restart(lo, hi time.Duration) RunOption {
	return func(r *runSpec) {
		if lo <= 0 {
			lo = 250 * time.Millisecond
		}
		r.restart, r.min, r.max = true, lo, max(hi, lo)
	}
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		routines: map[string]*RoutineStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.Named("supervisor")
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first critical failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{Counters: Counters{Active: s.live, Started: s.spawned}}
	if s.fatal != nil {
		snap.Fatal = s.fatal.Error()
	}
	for _, r := range s.routines {
		snap.Routines = append(snap.Routines, *r)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Routines, func(a, b RoutineStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// Go runs fn under name. context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error, opts ...RunOption) {
	if fn == nil {
		return
	}
	var spec runSpec
	for _, o := range opts {
		o(&spec)
	}

	s.mu.Lock()
	s.spawned++
	s.live++
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.live--
			s.mu.Unlock()
		}()
		if spec.restart {
			s.loop(name, spec, fn)
			return
		}
		if err := s.runOnce(name, spec.critical, false, fn); err != nil {
			if spec.critical {
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			s.log.Warn("routine failed", logx.String("name", name), logx.Err(err))
		}
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context), opts ...RunOption) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

func (s *Supervisor) loop(name string, spec runSpec, fn func(ctx context.Context) error) {
	wait := spec.min
	for attempt := 0; ; attempt++ {
		err := s.runOnce(name, false, attempt > 0, fn)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		s.setState(name, StateBackoff)
		s.log.Warn("routine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			s.setState(name, StateStopped)
			return
		case <-t.C:
		}
		wait = min(wait*2, spec.max)
	}
}

func (s *Supervisor) runOnce(name string, critical, restart bool, fn func(ctx context.Context) error) (err error) {
	s.mu.Lock()
	r := s.routines[name]
	if r == nil {
		r = &RoutineStats{Name: name}
		s.routines[name] = r
	}
	r.Critical = r.Critical || critical
	r.State = StateRunning
	r.Runs++
	if restart {
		r.Restarts++
	}
	r.StartedAt = time.Now()
	s.mu.Unlock()

	panicked := false
	defer func() {
		if p := recover(); p != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", p)
			s.log.Error("routine panicked", logx.String("name", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		s.mu.Lock()
		r.StoppedAt = time.Now()
		r.State = StateStopped
		if panicked {
			r.Panics++
		}
		if err != nil {
			r.State = StateFailed
			r.LastErr = err.Error()
		}
		s.mu.Unlock()
	}()
	return fn(s.ctx)
}

func (s *Supervisor) setState(name, state string) {
	s.mu.Lock()
	if r := s.routines[name]; r != nil {
		r.State = state
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	first := s.fatal == nil
	if first {
		s.fatal = err
	}
	s.mu.Unlock()
	if first {
		s.log.Error("critical routine failed; stopping", logx.Err(err))
	}
	s.cancel()
}

// Stop cancels the context and waits for every routine, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every routine returned or ctx ends. It returns the
// critical failure, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
