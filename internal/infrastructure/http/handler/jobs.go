package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/botfleet/internal/application/orchestrator"
	"github.com/rezkam/botfleet/internal/domain"
	"github.com/rezkam/botfleet/internal/infrastructure/http/response"
)

type submitJobRequest struct {
	WorkflowID         string         `json:"workflow_id"`
	WorkflowName       string         `json:"workflow_name,omitempty"`
	WorkflowDefinition []byte         `json:"workflow_definition,omitempty"`
	Variables          map[string]any `json:"variables,omitempty"`
	TenantID           string         `json:"tenant_id,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	AffinityKey        string         `json:"affinity_key,omitempty"`
	Priority           int            `json:"priority,omitempty"`
	StartAt            *time.Time     `json:"start_at,omitempty"`
	MaxRetries         int            `json:"max_retries,omitempty"`
	Dedupe             bool           `json:"dedupe,omitempty"`
}

// SubmitJob accepts a new job for execution.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	submit := orchestrator.SubmitJobRequest{
		WorkflowID:         req.WorkflowID,
		WorkflowName:       req.WorkflowName,
		WorkflowDefinition: req.WorkflowDefinition,
		Variables:          req.Variables,
		TenantID:           req.TenantID,
		Tags:               req.Tags,
		AffinityKey:        req.AffinityKey,
		Priority:           req.Priority,
		MaxRetries:         req.MaxRetries,
		Dedupe:             req.Dedupe,
	}
	if req.StartAt != nil {
		submit.StartAt = *req.StartAt
	}

	job, err := h.orc.SubmitJob(r.Context(), submit)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.Created(w, toJobResponse(job))
}

// GetJob returns one job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toJobResponse(job))
}

// ListJobs lists jobs matching the query filter.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orchestrator.JobFilter{
		WorkflowID: q.Get("workflow_id"),
		TenantID:   q.Get("tenant_id"),
		RobotID:    q.Get("robot_id"),
		Limit:      queryInt(q.Get("limit")),
		Offset:     queryInt(q.Get("offset")),
	}
	if statuses := q.Get("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, domain.JobStatus(strings.TrimSpace(s)))
		}
	}

	jobs, err := h.orc.ListJobs(r.Context(), filter)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"jobs": toJobResponses(jobs)})
}

// CancelJob cancels a non-terminal job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.CancelJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// RetryJob re-enqueues a terminal failed or cancelled job.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.RetryJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

type startJobRequest struct {
	RobotID string `json:"robot_id"`
}

// StartJob records that the robot began executing its claimed job.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RobotID == "" {
		response.BadRequest(w, "robot_id is required")
		return
	}
	if err := h.orc.MarkJobRunning(r.Context(), chi.URLParam(r, "id"), req.RobotID); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

type progressRequest struct {
	Progress    int    `json:"progress"`
	CurrentStep string `json:"current_step,omitempty"`
}

// UpdateJobProgress records execution progress reported by a robot.
func (h *Handler) UpdateJobProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.orc.UpdateJobProgress(r.Context(), chi.URLParam(r, "id"), req.Progress, req.CurrentStep); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// CompleteJob records successful completion.
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.CompleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

type failJobRequest struct {
	RobotID  string `json:"robot_id"`
	NodeID   string `json:"node_id,omitempty"`
	NodeKind string `json:"node_kind,omitempty"`
	Kind     string `json:"error_kind"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// FailJob reports a failure. The response carries the policy decision the
// robot must act on.
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	var req failJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	fc := domain.FailureContext{
		JobID:    chi.URLParam(r, "id"),
		RobotID:  req.RobotID,
		NodeID:   req.NodeID,
		NodeKind: req.NodeKind,
		Kind:     domain.ErrorKind(req.Kind),
		Severity: domain.Severity(req.Severity),
		Message:  req.Message,
	}
	decision, err := h.orc.FailJob(r.Context(), fc)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to handle failure report",
			"job_id", fc.JobID, "robot_id", fc.RobotID, "error", err)
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toDecisionResponse(decision))
}

type checkpointRequest struct {
	State         string   `json:"state"`
	CurrentStep   int      `json:"current_step"`
	ExecutedNodes []string `json:"executed_nodes,omitempty"`
}

// SaveCheckpoint upserts the job's resumable execution state.
func (h *Handler) SaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	cp := &domain.Checkpoint{
		JobID:         chi.URLParam(r, "id"),
		State:         domain.CheckpointState(req.State),
		CurrentStep:   req.CurrentStep,
		ExecutedNodes: req.ExecutedNodes,
	}
	if err := h.orc.SaveCheckpoint(r.Context(), cp); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// GetCheckpoint returns the job's checkpoint.
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.orc.GetCheckpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{
		"job_id":         cp.JobID,
		"state":          string(cp.State),
		"current_step":   cp.CurrentStep,
		"executed_nodes": cp.ExecutedNodes,
		"updated_at":     cp.UpdatedAt,
	})
}

func queryInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
