// Package api exposes the submission boundary over HTTP and the live
// event channel over websocket. Authentication itself is an external
// collaborator: identity arrives on trusted headers set by the front
// proxy, and this layer only enforces ownership and admin visibility.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmarena/pkg/core"
	"llmarena/pkg/registry"
	"llmarena/pkg/report"
	"llmarena/pkg/storage"
	"llmarena/pkg/ws"
)

// API wires the HTTP surface to the orchestrator.
type API struct {
	registry *registry.Registry
	reports  *report.Store
	hub      *ws.Hub
	logger   *slog.Logger
}

// New creates the API layer.
func New(reg *registry.Registry, reports *report.Store, hub *ws.Hub, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{registry: reg, reports: reports, hub: hub, logger: logger}
}

// Router builds the chi router.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.identity)

		r.Get("/ws", a.handleWS)

		r.Route("/api", func(r chi.Router) {
			r.Post("/jobs", a.handleSubmit)
			r.Get("/jobs", a.handleList)
			r.Get("/jobs/{id}", a.handleGet)
			r.Post("/jobs/{id}/cancel", a.handleCancel)
			r.Get("/reports/{id}", a.handleGetReport)

			r.Route("/admin", func(r chi.Router) {
				r.Use(a.requireAdmin)
				r.Get("/jobs", a.handleAdminList)
				r.Post("/jobs/{id}/cancel", a.handleAdminCancel)
			})
		})
	})
	return r
}

type submitRequest struct {
	JobType        string          `json:"job_type"`
	Params         json.RawMessage `json:"params"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobType == "" {
		writeError(w, http.StatusBadRequest, "job_type is required")
		return
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		writeError(w, http.StatusBadRequest, "params must be valid JSON")
		return
	}

	id, err := a.registry.Submit(r.Context(), req.JobType, userFrom(r), req.Params, req.TimeoutSeconds)
	switch {
	case errors.Is(err, core.ErrUnknownJobType):
		writeError(w, http.StatusBadRequest, "unknown job type")
	case errors.Is(err, core.ErrParamsTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "params too large")
	case errors.Is(err, core.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	case err != nil:
		a.logger.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "submission failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
	}
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	status, ok := statusFilter(w, r)
	if !ok {
		return
	}
	jobs, err := a.registry.List(r.Context(), userFrom(r), status, 100)
	if err != nil {
		a.logger.Error("list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadVisible(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadVisible(w, r)
	if !ok {
		return
	}
	if err := a.registry.Cancel(r.Context(), job.ID, userFrom(r)); err != nil {
		a.logger.Error("cancel failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := a.reports.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, report.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "report lookup failed")
		return
	}
	job, err := a.registry.Get(r.Context(), rep.JobID)
	if err == nil && job.UserID != userFrom(r) && !isAdmin(r) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleAdminList(w http.ResponseWriter, r *http.Request) {
	status, ok := statusFilter(w, r)
	if !ok {
		return
	}
	jobs, err := a.registry.ListAll(r.Context(), status, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.registry.Cancel(r.Context(), id, "admin:"+userFrom(r))
	if errors.Is(err, core.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	if _, err := a.hub.Accept(w, r, userFrom(r), isAdmin(r)); err != nil {
		// The hub has already closed the socket with the right code.
		a.logger.Debug("websocket rejected", "user_id", userFrom(r), "error", err)
	}
}

// loadVisible fetches the job and enforces visibility: owners see their
// jobs, admins see everything, everyone else gets a 404.
func (a *API) loadVisible(w http.ResponseWriter, r *http.Request) (*core.Job, bool) {
	job, err := a.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		a.logger.Error("job lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil, false
	}
	if job.UserID != userFrom(r) && !isAdmin(r) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func statusFilter(w http.ResponseWriter, r *http.Request) (*core.JobStatus, bool) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, true
	}
	status := core.JobStatus(raw)
	if !core.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return nil, false
	}
	return &status, true
}

// SnapshotBuilder returns the on-connect snapshot function for the hub:
// the sync event plus reconstructed init events for running jobs.
func SnapshotBuilder(store storage.Storage, logger *slog.Logger) ws.SnapshotFunc {
	return func(userID string) []core.Event {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		active, err := store.ActiveByUser(ctx, userID)
		if err != nil {
			logger.Error("snapshot: failed to load active jobs", "user_id", userID, "error", err)
			active = nil
		}
		recent, err := store.RecentByUser(ctx, userID, 20)
		if err != nil {
			logger.Error("snapshot: failed to load recent jobs", "user_id", userID, "error", err)
			recent = nil
		}

		events := []core.Event{core.NewSync(active, recent)}
		for _, job := range active {
			if job.Status == core.StatusRunning {
				events = append(events,
					core.NewJobStarted(job),
					core.NewJobProgress(job.ID, job.ProgressPct, job.ProgressDetail),
				)
			}
		}
		return events
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
