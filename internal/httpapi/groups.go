package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"wasched/internal/fanout"
	"wasched/internal/schedule"
	"wasched/internal/storage"
	"wasched/internal/subgroup"
)

type subgroupRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	GroupIDs    []string `json:"group_ids"`
}

func (a *api) listSubgroups(w http.ResponseWriter, r *http.Request) {
	list, err := a.Subgroups.List(r.Context())
	if err != nil {
		writeError(w, "Failed to load subgroups", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subgroups": list})
}

func (a *api) createSubgroup(w http.ResponseWriter, r *http.Request) {
	var req subgroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to create subgroup", err)
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" || len(req.GroupIDs) == 0 {
		writeError(w, "", &schedule.ValidationError{Reason: "Missing required fields: name and group_ids (array)"})
		return
	}
	desc := ""
	if req.Description != nil {
		desc = *req.Description
	}
	sg, err := a.Subgroups.Create(r.Context(), *req.Name, desc, req.GroupIDs)
	if err != nil {
		writeError(w, "Failed to create subgroup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Subgroup created successfully", "subgroup": sg})
}

func (a *api) updateSubgroup(w http.ResponseWriter, r *http.Request) {
	var req subgroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to update subgroup", err)
		return
	}
	sg, err := a.Subgroups.Update(r.Context(), chi.URLParam(r, "id"), subgroup.Patch{
		Name:        req.Name,
		Description: req.Description,
		GroupIDs:    req.GroupIDs,
	})
	if err != nil {
		writeError(w, "Failed to update subgroup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Subgroup updated successfully", "subgroup": sg})
}

func (a *api) deleteSubgroup(w http.ResponseWriter, r *http.Request) {
	if err := a.Subgroups.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "Failed to delete subgroup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Subgroup deleted successfully"})
}

type subgroupSendRequest struct {
	Type            string      `json:"type"`
	Body            string      `json:"body"`
	PollOptions     pollOptions `json:"poll_options"`
	ImageURL        string      `json:"image_url"`
	SendAt          unixTime    `json:"send_at"`
	SendImmediately bool        `json:"send_immediately"`
	DelayMS         *int64      `json:"delay_ms"`
}

func (a *api) sendSubgroup(w http.ResponseWriter, r *http.Request) {
	var req subgroupSendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to schedule subgroup message", err)
		return
	}
	if strings.TrimSpace(req.Type) == "" || (!req.SendAt.Set && !req.SendImmediately) {
		writeError(w, "", &schedule.ValidationError{Reason: "Missing required fields: type, send_at"})
		return
	}
	kind, err := schedule.ParseKind(req.Type)
	if err != nil {
		writeError(w, "", err)
		return
	}
	created, err := a.Planner.Plan(r.Context(), fanout.Request{
		SubgroupID: chi.URLParam(r, "id"),
		Message:    schedule.Message{Kind: kind, Body: req.Body, PollOptions: req.PollOptions, ImageURL: req.ImageURL},
		SendAt:     req.SendAt.Value,
		Immediate:  req.SendImmediately,
		Delay:      delayOf(req.DelayMS),
	})
	if err != nil {
		writeError(w, "Failed to schedule subgroup message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"message":         fmt.Sprintf("Message scheduled for %d groups in subgroup", len(created)),
		"scheduled_count": len(created),
		"records":         created,
	})
}

type resendRequest struct {
	IDs     []string `json:"ids"`
	DelayMS *int64   `json:"delay_ms"`
}

func (a *api) resendSubgroup(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, "Failed to resend subgroup failures", err)
			return
		}
	}
	requeued, err := a.Failures.RequeueSubgroup(r.Context(), chi.URLParam(r, "id"), delayOf(req.DelayMS))
	if err != nil {
		writeError(w, "Failed to resend subgroup failures", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Requeued %d failed messages", len(requeued)),
		"requeued_count": len(requeued),
		"records":        requeued,
	})
}

func (a *api) listFailures(w http.ResponseWriter, r *http.Request) {
	list, err := a.Failures.ListFailed(r.Context(), strings.TrimSpace(r.URL.Query().Get("subgroup_id")))
	if err != nil {
		writeError(w, "Failed to load failures", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": list, "count": len(list)})
}

func (a *api) requeue(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "Failed to requeue", err)
		return
	}
	requeued, err := a.Failures.Requeue(r.Context(), req.IDs, delayOf(req.DelayMS))
	if err != nil {
		writeError(w, "Failed to requeue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Requeued %d failed messages", len(requeued)),
		"requeued_count": len(requeued),
		"records":        requeued,
	})
}

func (a *api) deliveries(w http.ResponseWriter, r *http.Request) {
	if a.Journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "deliveries": []storage.DeliveryEntry{}})
		return
	}
	q := r.URL.Query()
	list, err := a.Journal.ListDeliveries(r.Context(), storage.Query{
		TaskID:     strings.TrimSpace(q.Get("task_id")),
		SubgroupID: strings.TrimSpace(q.Get("subgroup_id")),
		FailedOnly: q.Get("failed") == "true" || q.Get("failed") == "1",
		Limit:      queryInt(r, "limit", storage.DefaultLimit),
	})
	if err != nil {
		writeError(w, "Failed to load deliveries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "deliveries": list})
}

func (a *api) runtime(w http.ResponseWriter, _ *http.Request) {
	if a.Runtime == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, a.Runtime())
}

// delayOf converts an optional millisecond value; nil selects the component default.
func delayOf(ms *int64) time.Duration {
	if ms == nil || *ms < 0 {
		return -1
	}
	return time.Duration(*ms) * time.Millisecond
}
