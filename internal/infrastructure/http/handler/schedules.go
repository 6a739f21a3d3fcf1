package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/botfleet/internal/infrastructure/http/response"
)

// CreateSchedule stores a new recurring submission rule.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	created, err := h.orc.CreateSchedule(r.Context(), req.toDomain(""))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.Created(w, toScheduleResponse(created))
}

// UpdateSchedule replaces a schedule's rule parameters.
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	updated, err := h.orc.UpdateSchedule(r.Context(), req.toDomain(chi.URLParam(r, "id")))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toScheduleResponse(updated))
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleSchedule enables or disables a schedule in place.
func (h *Handler) ToggleSchedule(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	s, err := h.orc.ToggleSchedule(r.Context(), chi.URLParam(r, "id"), req.Enabled)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toScheduleResponse(s))
}

// DeleteSchedule removes a schedule and its history.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// GetSchedule returns one schedule.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.orc.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toScheduleResponse(s))
}

// ListSchedules returns all schedules.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.orc.ListSchedules(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"schedules": toScheduleResponses(schedules)})
}

// UpcomingSchedules returns enabled schedules ordered by next firing instant.
func (h *Handler) UpcomingSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.orc.GetUpcomingSchedules(r.Context(), queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"schedules": toScheduleResponses(schedules)})
}

// ListScheduleExecutions returns a schedule's recent execution history.
func (h *Handler) ListScheduleExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.orc.ListScheduleExecutions(r.Context(),
		chi.URLParam(r, "id"), queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	type executionResponse struct {
		ID         string    `json:"id"`
		ScheduleID string    `json:"schedule_id"`
		JobID      string    `json:"job_id,omitempty"`
		StartedAt  time.Time `json:"started_at"`
		Outcome    string    `json:"outcome"`
		Error      string    `json:"error,omitempty"`
	}
	out := make([]executionResponse, len(execs))
	for i, e := range execs {
		out[i] = executionResponse{
			ID:         e.ID,
			ScheduleID: e.ScheduleID,
			JobID:      e.JobID,
			StartedAt:  e.StartedAt,
			Outcome:    e.Outcome,
			Error:      e.Error,
		}
	}
	response.OK(w, map[string]any{"executions": out})
}
