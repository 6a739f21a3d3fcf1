package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/botfleet/internal/infrastructure/http/response"
)

// ListDeadLetters pages through the dead letter queue.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.orc.ListDeadLetters(r.Context(), queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	out := make([]DeadLetterResponse, len(entries))
	for i, e := range entries {
		out[i] = toDeadLetterResponse(e)
	}
	response.OK(w, map[string]any{"entries": out})
}

// ReplayDeadLetter creates a fresh job from a dead letter entry.
func (h *Handler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobID, err := h.orc.ReplayDeadLetter(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to replay dead letter entry",
			"entry_id", id, "error", err)
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"job_id": jobID})
}

type discardRequest struct {
	Note string `json:"note,omitempty"`
}

// DiscardDeadLetter marks an entry handled without replay.
func (h *Handler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req discardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.orc.DiscardDeadLetter(r.Context(), chi.URLParam(r, "id"), req.Note); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}
