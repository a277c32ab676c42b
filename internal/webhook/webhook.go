package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wasched/internal/eventbus"
	logx "wasched/pkg/logx"
)

// MaxBody bounds an inbound callback body.
const MaxBody = 1 << 20

// Sections are the gateway callback sections that are logged and republished,
// as "group.name" paths into the callback body.
var Sections = [][2]string{
	{"messages", "sent"},
	{"messages", "failed"},
	{"pictures", "set"},
	{"poll", "vote"},
}

// Receiver handles gateway callbacks.
type Receiver struct {
	bus eventbus.Bus
	log logx.Logger
}

func New(bus eventbus.Bus, log logx.Logger) *Receiver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Receiver{bus: bus, log: log.Named("webhook")}
}

// Routes returns a router serving POST /webhook.
func (rc *Receiver) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook", rc.handle)
	return r
}

func (rc *Receiver) handle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		rc.log.Warn("webhook body rejected", logx.Err(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	for _, sec := range Sections {
		payload, ok := lookup(body, sec[0], sec[1])
		if !ok {
			continue
		}
		name := sec[0] + "." + sec[1]
		rc.log.Info("webhook "+name, logx.String("section", name), logx.String("payload", string(payload)))
		if rc.bus != nil {
			rc.bus.Publish(eventbus.Event{Type: eventbus.TypeWebhookPrefix + name, Data: payload})
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func lookup(body map[string]json.RawMessage, group, name string) (json.RawMessage, bool) {
	rawGroup, ok := body[group]
	if !ok {
		return nil, false
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(rawGroup, &inner); err != nil {
		return nil, false
	}
	v, ok := inner[name]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
