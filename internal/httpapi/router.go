package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"wasched/internal/eventbus"
	"wasched/internal/fanout"
	"wasched/internal/gateway"
	"wasched/internal/schedule"
	"wasched/internal/storage"
	"wasched/internal/subgroup"
	"wasched/internal/tasks"
	logx "wasched/pkg/logx"
)

type TaskService interface {
	List(ctx context.Context) ([]tasks.Enriched, error)
	Create(ctx context.Context, in tasks.Input) (schedule.Task, error)
	Update(ctx context.Context, id string, in tasks.Input) (schedule.Task, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (schedule.Stats, error)
	SendNow(ctx context.Context, msg schedule.Message, recipient string) (schedule.Outcome, error)
	TestMessage(ctx context.Context, to, message string) (schedule.Outcome, error)
}

type Lookup interface {
	Health(ctx context.Context) (json.RawMessage, error)
	Settings(ctx context.Context) (json.RawMessage, error)
	Groups(ctx context.Context, count int) ([]gateway.Group, error)
	Contacts(ctx context.Context, count int) ([]gateway.Contact, error)
}

type Processor interface {
	ProcessNow(ctx context.Context) (eventbus.CycleReport, error)
}

type Subgroups interface {
	List(ctx context.Context) ([]subgroup.Subgroup, error)
	Create(ctx context.Context, name, description string, groupIDs []string) (subgroup.Subgroup, error)
	Update(ctx context.Context, id string, p subgroup.Patch) (subgroup.Subgroup, error)
	Delete(ctx context.Context, id string) error
}

type Planner interface {
	Plan(ctx context.Context, req fanout.Request) ([]schedule.Task, error)
}

type Failures interface {
	ListFailed(ctx context.Context, subgroupID string) ([]schedule.Task, error)
	Requeue(ctx context.Context, ids []string, delay time.Duration) ([]schedule.Task, error)
	RequeueSubgroup(ctx context.Context, subgroupID string, delay time.Duration) ([]schedule.Task, error)
}

type Journal interface {
	ListDeliveries(ctx context.Context, q storage.Query) ([]storage.DeliveryEntry, error)
}

// Deps are the collaborators behind the API. Journal, Runtime and StaticDir are optional.
type Deps struct {
	Tasks     TaskService
	Lookup    Lookup
	Processor Processor
	Subgroups Subgroups
	Planner   Planner
	Failures  Failures
	Journal   Journal
	Runtime   func() any

	StaticDir   string
	CORSOrigins []string
	Pprof       bool
	Log         logx.Logger
}

type api struct {
	Deps
	log logx.Logger
}

// New builds the API router.
func New(d Deps) http.Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{Deps: d, log: log.Named("httpapi")}

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(a.log))
	r.Use(recoverJSON(a.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.NotFound(notFound)
		r.MethodNotAllowed(methodNotAllowed)

		r.Get("/health", a.health)
		r.Get("/channel-info", a.channelInfo)
		r.Get("/groups", a.groups)
		r.Get("/contacts", a.contacts)

		r.Get("/schedule", a.listSchedule)
		r.Post("/schedule", a.createSchedule)
		r.Put("/schedule/{id}", a.updateSchedule)
		r.Delete("/schedule/{id}", a.deleteSchedule)

		r.Post("/test-message", a.testMessage)
		r.Post("/send-now", a.sendNow)
		r.Get("/stats", a.stats)
		r.Post("/process-now", a.processNow)

		r.Get("/subgroups", a.listSubgroups)
		r.Post("/subgroups", a.createSubgroup)
		r.Put("/subgroups/{id}", a.updateSubgroup)
		r.Delete("/subgroups/{id}", a.deleteSubgroup)
		r.Post("/subgroups/{id}/send", a.sendSubgroup)
		r.Post("/subgroups/{id}/resend", a.resendSubgroup)

		r.Get("/failures", a.listFailures)
		r.Post("/failures/requeue", a.requeue)

		r.Get("/deliveries", a.deliveries)
		r.Get("/runtime", a.runtime)
	})

	if d.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	if dir := strings.TrimSpace(d.StaticDir); dir != "" {
		r.Handle("/*", http.FileServer(http.Dir(dir)))
	} else {
		r.NotFound(notFound)
	}
	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "Endpoint not found"})
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
}
