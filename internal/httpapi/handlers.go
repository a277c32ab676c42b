package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"wasched/internal/schedule"
	"wasched/internal/tasks"
	logx "wasched/pkg/logx"
)

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	data, err := a.Lookup.Health(r.Context())
	if err != nil {
		var te *schedule.TransportError
		if errors.As(err, &te) && te.Status > 0 {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "status": te.Status, "data": payloadJSON(te.Payload)})
			return
		}
		writeError(w, "Failed to check health", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": http.StatusOK, "data": data})
}

func (a *api) channelInfo(w http.ResponseWriter, r *http.Request) {
	data, err := a.Lookup.Settings(r.Context())
	if err != nil {
		writeError(w, "Failed to fetch channel info", err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (a *api) groups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.Lookup.Groups(r.Context(), queryInt(r, "count", 50))
	if err != nil {
		writeError(w, "Failed to fetch groups", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (a *api) contacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := a.Lookup.Contacts(r.Context(), queryInt(r, "count", 100))
	if err != nil {
		writeError(w, "Failed to fetch contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

type scheduleRequest struct {
	Type        string      `json:"type"`
	GroupID     string      `json:"group_id"`
	Body        string      `json:"body"`
	PollOptions pollOptions `json:"poll_options"`
	ImageURL    string      `json:"image_url"`
	SendAt      unixTime    `json:"send_at"`
}

func (req scheduleRequest) input() (tasks.Input, error) {
	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.GroupID) == "" || !req.SendAt.Set {
		return tasks.Input{}, &schedule.ValidationError{Reason: "Missing required fields: type, group_id, send_at"}
	}
	kind, err := schedule.ParseKind(req.Type)
	if err != nil {
		return tasks.Input{}, err
	}
	return tasks.Input{
		Kind:        kind,
		Recipient:   req.GroupID,
		Body:        req.Body,
		PollOptions: req.PollOptions,
		ImageURL:    req.ImageURL,
		SendAt:      req.SendAt.Value,
	}, nil
}

func (a *api) listSchedule(w http.ResponseWriter, r *http.Request) {
	list, err := a.Tasks.List(r.Context())
	if err != nil {
		writeError(w, "Failed to load schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": list})
}

func (a *api) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to add schedule item", err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, "Failed to add schedule item", err)
		return
	}
	t, err := a.Tasks.Create(r.Context(), in)
	if err != nil {
		writeError(w, "Failed to add schedule item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Schedule item added successfully", "item": t})
}

func (a *api) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to update schedule item", err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, "Failed to update schedule item", err)
		return
	}
	t, err := a.Tasks.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, "Failed to update schedule item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Schedule item updated successfully", "item": t})
}

func (a *api) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.Tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "Failed to delete schedule item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Schedule item deleted successfully"})
}

type testMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (a *api) testMessage(w http.ResponseWriter, r *http.Request) {
	var req testMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to send test message", err)
		return
	}
	o, err := a.Tasks.TestMessage(r.Context(), req.To, req.Message)
	if err != nil {
		writeError(w, "Failed to send test message", err)
		return
	}
	a.writeOutcome(w, "Failed to send test message", o)
}

type sendNowRequest struct {
	Type        string      `json:"type"`
	GroupID     string      `json:"group_id"`
	Body        string      `json:"body"`
	PollOptions pollOptions `json:"poll_options"`
	ImageURL    string      `json:"image_url"`
}

func (a *api) sendNow(w http.ResponseWriter, r *http.Request) {
	var req sendNowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to send immediate message", err)
		return
	}
	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.GroupID) == "" {
		writeError(w, "", &schedule.ValidationError{Reason: "Missing required fields: type, group_id"})
		return
	}
	kind, err := schedule.ParseKind(req.Type)
	if err != nil {
		writeError(w, "", err)
		return
	}
	msg := schedule.Message{Kind: kind, Body: req.Body, PollOptions: req.PollOptions, ImageURL: req.ImageURL}
	o, err := a.Tasks.SendNow(r.Context(), msg, req.GroupID)
	if err != nil {
		writeError(w, "Failed to send immediate message", err)
		return
	}
	a.writeOutcome(w, "Failed to send immediate message", o)
}

// writeOutcome renders a direct send result: 200 with the gateway response
// on success, 500 with the failure payload otherwise.
func (a *api) writeOutcome(w http.ResponseWriter, failMsg string, o schedule.Outcome) {
	if !o.Success {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: failMsg, Details: payloadJSON(o.Error)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": o.MessageID,
		"response":  o.Data,
	})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Tasks.Stats(r.Context())
	if err != nil {
		writeError(w, "Failed to load statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) processNow(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Processor.ProcessNow(r.Context())
	if err != nil {
		writeError(w, "Failed to trigger processing", err)
		return
	}
	msg := "Processing triggered successfully"
	if rep.Due == 0 {
		msg = "No messages due for sending"
	}
	a.log.Info("manual processing", logx.Int("processed", rep.Due), logx.Int("successful", rep.Sent))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    msg,
		"processed":  rep.Due,
		"successful": rep.Sent,
		"failed":     rep.Failed,
	})
}

// payloadJSON embeds s as raw JSON when it is valid JSON, else as a string.
func payloadJSON(s string) any {
	if s != "" && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
