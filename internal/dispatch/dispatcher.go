package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

const (
	DefaultLimit = 15
	// MaxLimit bounds the worker pool; larger values are clamped.
	MaxLimit     = 1024
)

// Sender delivers one task. It reports transport failures inside the outcome.
type Sender interface {
	Send(ctx context.Context, t schedule.Task) schedule.Outcome
}

type SenderFunc func(ctx context.Context, t schedule.Task) schedule.Outcome

func (f SenderFunc) Send(ctx context.Context, t schedule.Task) schedule.Outcome { return f(ctx, t) }

// Dispatcher runs batches of sends with a hard ceiling on in-flight calls.
type Dispatcher struct {
	sender Sender
	log    logx.Logger

	limit   atomic.Int32
	limiter atomic.Pointer[rate.Limiter]

	inFlight    atomic.Int32
	inFlightMax atomic.Int32
}

func New(sender Sender, limit int, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sender: sender, log: log.Named("dispatch")}
	d.SetLimit(limit)
	return d
}

// SetLimit changes the concurrency ceiling for subsequent batches.
func (d *Dispatcher) SetLimit(n int) {
	switch {
	case n <= 0:
		n = DefaultLimit
	case n > MaxLimit:
		d.log.Warn("concurrency clamped", logx.Int("requested", n), logx.Int("max", MaxLimit))
		n = MaxLimit
	}
	d.limit.Store(int32(n))
}

func (d *Dispatcher) Limit() int { return int(d.limit.Load()) }

// SetRate caps send starts per second across all workers. perSec <= 0 removes the cap.
func (d *Dispatcher) SetRate(perSec float64, burst int) {
	if perSec <= 0 {
		d.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	d.limiter.Store(rate.NewLimiter(rate.Limit(perSec), burst))
}

// InFlightMax is the highest number of simultaneous sends observed.
func (d *Dispatcher) InFlightMax() int { return int(d.inFlightMax.Load()) }

// RunBatch sends every task and returns outcomes aligned with tasks. A failing
// or panicking send only affects its own position.
func (d *Dispatcher) RunBatch(ctx context.Context, tasks []schedule.Task) []schedule.Outcome {
	out := make([]schedule.Outcome, len(tasks))
	if len(tasks) == 0 {
		return out
	}

	workers := d.Limit()
	if workers > len(tasks) {
		workers = len(tasks)
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range idx {
				out[i] = d.sendOne(ctx, tasks[i])
			}
		}()
	}
	for i := range tasks {
		idx <- i
	}
	close(idx)
	wg.Wait()
	return out
}

func (d *Dispatcher) sendOne(ctx context.Context, t schedule.Task) (o schedule.Outcome) {
	if lim := d.limiter.Load(); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return schedule.Failure(0, "rate limit wait: "+err.Error())
		}
	}

	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		cur := d.inFlightMax.Load()
		if n <= cur || d.inFlightMax.CompareAndSwap(cur, n) {
			break
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("send panic", logx.String("task", t.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			o = schedule.Failure(0, fmt.Sprintf("panic: %v", r))
		}
	}()
	return d.sender.Send(ctx, t)
}
