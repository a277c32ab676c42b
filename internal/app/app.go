package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wasched/internal/alert"
	"wasched/internal/config"
	"wasched/internal/dispatch"
	"wasched/internal/eventbus"
	"wasched/internal/failures"
	"wasched/internal/fanout"
	"wasched/internal/gateway"
	"wasched/internal/httpapi"
	"wasched/internal/poller"
	"wasched/internal/runtime/supervisor"
	"wasched/internal/storage"
	"wasched/internal/subgroup"
	"wasched/internal/tasks"
	"wasched/internal/taskstore"
	"wasched/internal/webhook"
	logx "wasched/pkg/logx"
	"wasched/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	journal storage.Store
	keepFor time.Duration

	taskStore *taskstore.Store
	groups    *subgroup.Store
	gw        *gateway.Client
	disp      *dispatch.Dispatcher
	poller    *poller.Poller
	planner   *fanout.Planner
	failures  *failures.Registry
	tasks     *tasks.Service
	alerts    *alert.Service

	handler     http.Handler
	hookHandler http.Handler
	api         *httpapi.Server
	hook        *httpapi.Server

	startedAt time.Time
}

type Option func(*options)

type options struct {
	lookup  func(string) (string, bool)
	gateway []gateway.Option
	alerts  []alert.Option
}

// WithEnv replaces the environment lookup used for config overrides.
func WithEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = fn }
}

func WithGatewayOptions(opts ...gateway.Option) Option {
	return func(o *options) { o.gateway = append(o.gateway, opts...) }
}

func WithAlertOptions(opts ...alert.Option) Option {
	return func(o *options) { o.alerts = append(o.alerts, opts...) }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetLookup(o.lookup)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.Named("app")

	bus := eventbus.New()

	var (
		journal storage.Store
		keepFor time.Duration
	)
	if jc, enabled := mapJournal(cfg, res); enabled {
		st, err := storage.Open(jc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("journal: %w", err)
		}
		journal, keepFor = st, jc.Retention
		appLog.Info("journal enabled", logx.String("driver", jc.Driver), logx.String("path", jc.Path), logx.Duration("retention", jc.Retention))
	}

	taskStore := taskstore.New(cfg.Storage.TasksPath, log)
	groups := subgroup.New(cfg.Storage.SubgroupsPath, log, nil)
	gw := gateway.New(mapGateway(cfg, res), log, o.gateway...)

	disp := dispatch.New(gw, cfg.Dispatch.Concurrency, log)
	disp.SetRate(cfg.Dispatch.RatePerSec, cfg.Dispatch.Burst)

	pl := poller.New(poller.Config{Spec: cfg.Poller.Spec, Location: res.Location}, taskStore, disp, bus, log)

	planner := fanout.New(taskStore, groups, pl, bus, log, nil)
	planner.SetDefaultDelay(delayOrDefault(res.SendDelay))
	registry := failures.New(taskStore, pl, bus, log, nil)
	registry.SetDefaultDelay(delayOrDefault(res.ResendDelay))

	taskSvc := tasks.New(taskStore, gw, nil, res.Location, log)
	alerts := alert.New(mapAlerts(cfg, res), journal, log, o.alerts...)

	a := &App{
		cfgm:      cfgm,
		cfg:       cfg,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		journal:   journal,
		keepFor:   keepFor,
		taskStore: taskStore,
		groups:    groups,
		gw:        gw,
		disp:      disp,
		poller:    pl,
		planner:   planner,
		failures:  registry,
		tasks:     taskSvc,
		alerts:    alerts,
		api:       httpapi.NewServer("http.api", log),
		hook:      httpapi.NewServer("http.webhook", log),
	}

	deps := httpapi.Deps{
		Tasks:       taskSvc,
		Lookup:      gw,
		Processor:   pl,
		Subgroups:   groups,
		Planner:     planner,
		Failures:    registry,
		Runtime:     a.runtimeInfo,
		StaticDir:   cfg.HTTP.StaticDir,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Pprof:       cfg.HTTP.Pprof,
		Log:         log,
	}
	if journal != nil {
		deps.Journal = journal
	}
	a.handler = httpapi.New(deps)
	a.hookHandler = webhook.New(bus, log).Routes()
	return a, nil
}

// Handler is the API router.
func (a *App) Handler() http.Handler { return a.handler }

// APIAddr is the bound API address while running.
func (a *App) APIAddr() string { return a.api.Addr() }

// WebhookAddr is the bound webhook address, empty when disabled.
func (a *App) WebhookAddr() string { return a.hook.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	if err := a.serve(a.api, "http.api", a.cfg.HTTP.Addr, a.handler); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("api listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	if a.cfg.Webhook.Enabled {
		if err := a.serve(a.hook, "http.webhook", a.cfg.Webhook.Addr, a.hookHandler); err != nil {
			a.sup.Cancel()
			_ = a.api.Stop(context.Background())
			return fmt.Errorf("webhook listen %s: %w", a.cfg.Webhook.Addr, err)
		}
	}

	a.sup.Go("poller", a.poller.Run, supervisor.Critical())
	if a.journal != nil {
		a.sup.Go("journal.record", func(c context.Context) error {
			return storage.Record(c, a.bus, a.journal, a.keepFor, a.log)
		}, supervisor.Restart(time.Second, 30*time.Second))
	}
	a.sup.Go("alerts", func(c context.Context) error { return a.alerts.Run(c, a.bus) },
		supervisor.Restart(time.Second, 30*time.Second))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	changes, unsubscribe := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return
			case chg, ok := <-changes:
				if !ok {
					return
				}
				a.applyConfig(chg.Old, chg.New)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch, supervisor.Restart(time.Second, 30*time.Second))

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil }, a.log)
	}, supervisor.Critical())
	if systemd.Ready() {
		systemd.Status("serving on " + a.api.Addr())
	}

	a.log.Info("app started",
		logx.String("api", a.api.Addr()),
		logx.Bool("webhook", a.cfg.Webhook.Enabled),
		logx.String("poll", a.cfg.Poller.Spec),
		logx.Int("concurrency", a.disp.Limit()),
	)
	return nil
}

// serve starts srv and ties its serve error to the supervisor.
func (a *App) serve(srv *httpapi.Server, name, addr string, h http.Handler) error {
	errc, err := srv.Start(addr, h)
	if err != nil {
		return err
	}
	a.sup.Go(name, func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err, ok := <-errc:
			if !ok {
				return nil
			}
			return err
		}
	}, supervisor.Critical())
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	res, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	if err := a.logs.Apply(mapLogging(newCfg)); err != nil {
		a.log.Warn("log file unavailable", logx.Err(err))
	}
	a.disp.SetLimit(newCfg.Dispatch.Concurrency)
	a.disp.SetRate(newCfg.Dispatch.RatePerSec, newCfg.Dispatch.Burst)
	a.planner.SetDefaultDelay(delayOrDefault(res.SendDelay))
	a.failures.SetDefaultDelay(delayOrDefault(res.ResendDelay))
	a.alerts.Apply(mapAlerts(newCfg, res))

	var cold []string
	for _, s := range sections {
		if !config.IsHot(s) {
			cold = append(cold, s)
		}
	}
	if len(cold) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.String("sections", strings.Join(cold, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RuntimeInfo is served at /api/runtime.
type RuntimeInfo struct {
	StartedAt time.Time           `json:"started_at"`
	Uptime    string              `json:"uptime"`
	Poller    poller.Snapshot     `json:"poller"`
	Dispatch  DispatchInfo        `json:"dispatch"`
	Alerts    AlertInfo           `json:"alerts"`
	Events    eventbus.Stats      `json:"events"`
	Journal   bool                `json:"journal"`
	Webhook   bool                `json:"webhook"`
	Routines  supervisor.Snapshot `json:"routines"`
}

type DispatchInfo struct {
	Limit       int `json:"limit"`
	InFlightMax int `json:"in_flight_max"`
}

type AlertInfo struct {
	Sent       int `json:"sent"`
	Suppressed int `json:"suppressed"`
}

func (a *App) runtimeInfo() any {
	info := RuntimeInfo{
		StartedAt: a.startedAt,
		Poller:    a.poller.Snapshot(),
		Dispatch:  DispatchInfo{Limit: a.disp.Limit(), InFlightMax: a.disp.InFlightMax()},
		Events:    a.bus.Stats(),
		Journal:   a.journal != nil,
		Webhook:   a.hook.Addr() != "",
	}
	if !a.startedAt.IsZero() {
		info.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	info.Alerts.Sent, info.Alerts.Suppressed = a.alerts.Stats()
	if a.sup != nil {
		info.Routines = a.sup.Snapshot()
	}
	return info
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop accepting requests first so nothing queues work behind the poller.
	step("http.api", 3*time.Second, a.api.Stop)
	step("http.webhook", 2*time.Second, a.hook.Stop)

	a.sup.Cancel()
	// An in-flight cycle finishes its batch and saves before the poller returns.
	step("supervisor", 10*time.Second, a.sup.Wait)

	step("journal", time.Second, func(context.Context) error {
		if a.journal != nil {
			return a.journal.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
