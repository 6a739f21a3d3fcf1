package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/botfleet/internal/application/orchestrator"
	"github.com/rezkam/botfleet/internal/domain"
	"github.com/rezkam/botfleet/internal/infrastructure/http/response"
)

type registerRobotRequest struct {
	ID                string   `json:"id,omitempty"`
	Name              string   `json:"name"`
	Environment       string   `json:"environment,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	AffinityKey       string   `json:"affinity_key,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
}

// RegisterRobot registers or refreshes an executor.
func (h *Handler) RegisterRobot(w http.ResponseWriter, r *http.Request) {
	var req registerRobotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	robot, err := h.orc.RegisterRobot(r.Context(), orchestrator.RegisterRobotRequest{
		ID:                req.ID,
		Name:              req.Name,
		Environment:       req.Environment,
		Tags:              req.Tags,
		AffinityKey:       req.AffinityKey,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
	})
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.Created(w, toRobotResponse(robot))
}

// RobotHeartbeat stamps robot liveness.
func (h *Handler) RobotHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.RobotHeartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

type robotStatusRequest struct {
	Status string `json:"status"`
}

// UpdateRobotStatus sets a robot's registry status.
func (h *Handler) UpdateRobotStatus(w http.ResponseWriter, r *http.Request) {
	var req robotStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.orc.UpdateRobotStatus(r.Context(), chi.URLParam(r, "id"), domain.RobotStatus(req.Status)); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// GetRobot returns one robot.
func (h *Handler) GetRobot(w http.ResponseWriter, r *http.Request) {
	robot, err := h.orc.GetRobot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toRobotResponse(robot))
}

// ListRobots returns all registered robots.
func (h *Handler) ListRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := h.orc.ListRobots(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	out := make([]RobotResponse, len(robots))
	for i, robot := range robots {
		out[i] = toRobotResponse(robot)
	}
	response.OK(w, map[string]any{"robots": out})
}

// RecoverRobot forces recovery of a robot's in-flight jobs.
func (h *Handler) RecoverRobot(w http.ResponseWriter, r *http.Request) {
	results, err := h.orc.RecoverRobot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	type jobRecovery struct {
		JobID   string `json:"job_id"`
		Outcome string `json:"outcome"`
		Error   string `json:"error,omitempty"`
	}
	out := make([]jobRecovery, len(results))
	for i, res := range results {
		out[i] = jobRecovery{JobID: res.JobID, Outcome: string(res.Outcome)}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	response.OK(w, map[string]any{"recovered": out})
}
