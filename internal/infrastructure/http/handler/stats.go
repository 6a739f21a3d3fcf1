package handler

import (
	"net/http"
	"time"

	"github.com/rezkam/botfleet/internal/infrastructure/http/response"
)

// QueueStats reports the queue shape.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orc.QueueStats(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}
	response.OK(w, map[string]any{
		"by_status":                  byStatus,
		"depth":                      stats.Depth,
		"dead_letters":               stats.DeadLetters,
		"oldest_pending_age_seconds": int64(stats.OldestPendingAge / time.Second),
	})
}

// DispatcherStats reports dispatcher counters.
func (h *Handler) DispatcherStats(w http.ResponseWriter, r *http.Request) {
	stats := h.orc.DispatcherStats()
	response.OK(w, map[string]any{
		"dispatched":       stats.Dispatched,
		"handoff_failures": stats.HandoffFailures,
		"released":         stats.Released,
		"last_run_at":      stats.LastRunAt,
		"last_batch_size":  stats.LastBatchSize,
		"policy":           stats.Policy,
	})
}

// DispatchNow runs one dispatch cycle outside the timer.
func (h *Handler) DispatchNow(w http.ResponseWriter, r *http.Request) {
	dispatched, err := h.orc.DispatchNow(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"dispatched": dispatched})
}
