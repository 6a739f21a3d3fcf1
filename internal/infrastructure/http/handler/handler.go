package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/botfleet/internal/application/orchestrator"
)

// Handler adapts HTTP requests to orchestrator facade calls.
type Handler struct {
	orc *orchestrator.Orchestrator
}

// New creates the HTTP API handler.
func New(orc *orchestrator.Orchestrator) *Handler {
	return &Handler{orc: orc}
}

// NewRouter mounts all API routes. Both production code and tests use this so
// behavior is identical.
func NewRouter(orc *orchestrator.Orchestrator) http.Handler {
	h := New(orc)
	r := chi.NewRouter()

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
		r.Post("/{id}/cancel", h.CancelJob)
		r.Post("/{id}/retry", h.RetryJob)
		r.Post("/{id}/start", h.StartJob)
		r.Post("/{id}/progress", h.UpdateJobProgress)
		r.Post("/{id}/complete", h.CompleteJob)
		r.Post("/{id}/fail", h.FailJob)
		r.Put("/{id}/checkpoint", h.SaveCheckpoint)
		r.Get("/{id}/checkpoint", h.GetCheckpoint)
	})

	r.Route("/robots", func(r chi.Router) {
		r.Post("/", h.RegisterRobot)
		r.Get("/", h.ListRobots)
		r.Get("/{id}", h.GetRobot)
		r.Post("/{id}/heartbeat", h.RobotHeartbeat)
		r.Put("/{id}/status", h.UpdateRobotStatus)
		r.Post("/{id}/recover", h.RecoverRobot)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.CreateSchedule)
		r.Get("/", h.ListSchedules)
		r.Get("/upcoming", h.UpcomingSchedules)
		r.Get("/{id}", h.GetSchedule)
		r.Put("/{id}", h.UpdateSchedule)
		r.Post("/{id}/toggle", h.ToggleSchedule)
		r.Delete("/{id}", h.DeleteSchedule)
		r.Get("/{id}/executions", h.ListScheduleExecutions)
	})

	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", h.ListDeadLetters)
		r.Post("/{id}/replay", h.ReplayDeadLetter)
		r.Post("/{id}/discard", h.DiscardDeadLetter)
	})

	r.Route("/escalations", func(r chi.Router) {
		r.Get("/", h.ListEscalations)
		r.Post("/{id}/resolve", h.ResolveEscalation)
	})

	r.Get("/stats", h.QueueStats)
	r.Get("/stats/dispatcher", h.DispatcherStats)
	r.Post("/dispatch", h.DispatchNow)

	return r
}
