package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"genflow/internal/scheduler"
	"genflow/internal/store"
	logx "genflow/pkg/logx"
)

// router builds the local HTTP surface consumed by the UI collaborator.
func (a *App) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", a.metrics.handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", a.handleListJobs)
		r.Post("/jobs", a.handleAddJob)
		r.Patch("/jobs/{id}", a.handleUpdateJob)
		r.Delete("/jobs/{id}", a.handleRemoveJob)
		r.Post("/jobs/{id}/reset", a.handleResetJob)

		r.Post("/run", a.handleRun)
		r.Post("/stop", a.handleStop)

		r.Get("/accounts", a.handleListAccounts)
	})
	return r
}

func (a *App) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.jobs.List())
}

func (a *App) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload store.Payload `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Payload.Empty() {
		writeErr(w, http.StatusBadRequest, errors.New("payload is empty"))
		return
	}
	writeJSON(w, http.StatusCreated, a.jobs.Add(req.Payload))
}

func (a *App) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var patch store.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	j, err := a.jobs.Merge(chi.URLParam(r, "id"), patch)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *App) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := a.jobs.Remove(chi.URLParam(r, "id")); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleResetJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.jobs.Reset(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *App) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobIDs     []string `json:"job_ids,omitempty"`
		AccountIDs []string `json:"account_ids,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}

	accounts, err := a.selectAccounts(r.Context(), req.AccountIDs)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	sched := a.scheduler()
	if sched.Running() {
		writeErr(w, http.StatusConflict, scheduler.ErrRunInProgress)
		return
	}

	jobIDs := req.JobIDs
	a.sup.Go0("run.http", func(ctx context.Context) {
		if _, err := sched.Run(ctx, jobIDs, accounts); err != nil {
			a.log.Warn("run failed", logx.Any("err", err))
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	a.scheduler().Stop(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (a *App) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.listAccounts(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeStoreErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrNotResult):
		code = http.StatusConflict
	}
	writeErr(w, code, err)
}
