package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/botfleet/internal/infrastructure/http/response"
)

// ListEscalations returns escalations awaiting a human decision.
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	escalations, err := h.orc.ListEscalations(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	out := make([]EscalationResponse, len(escalations))
	for i, e := range escalations {
		out[i] = toEscalationResponse(e)
	}
	response.OK(w, map[string]any{"escalations": out})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Action     string `json:"action"`
}

// ResolveEscalation records the operator decision for a pending escalation.
func (h *Handler) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		response.BadRequest(w, "action is required")
		return
	}
	if err := h.orc.ResolveEscalation(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy, req.Action); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}
