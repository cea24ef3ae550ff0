package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/timesheet-sync/internal/observability"
	"github.com/odyssey-erp/timesheet-sync/internal/platform/httpx"
	"github.com/odyssey-erp/timesheet-sync/jobs"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SyncEnqueuer queues pipeline runs.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, payload jobs.SyncPayload) (*asynq.TaskInfo, error)
}

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Store      Pinger
	JobHandler *jobs.Handler
	Enqueuer   SyncEnqueuer
	Metrics    *observability.Metrics
}

type runResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
	Mode   string `json:"mode"`
}

// NewRouter constructs the ops chi.Router: health, metrics, queue state and
// a token-protected trigger for manual runs.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := params.Store.Ping(ctx); err != nil {
				params.Logger.Warn("health check: store ping", slog.Any("error", err))
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unreachable"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.Enqueuer != nil {
		tokenHash := ""
		if params.Config != nil {
			tokenHash = params.Config.OpsTokenHash
		}
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(10, time.Minute))
			r.Use(RequireToken(tokenHash, params.Logger))
			r.Post("/runs", triggerRun(params.Enqueuer, params.Logger))
		})
	}

	return r
}

func triggerRun(enqueuer SyncEnqueuer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := jobs.SyncPayload{Mode: jobs.ModeCurrentMonth, Dedup: true}
		if err := httpx.DecodeJSON(r, &payload); err != nil {
			httpx.RespondError(w, err)
			return
		}
		if payload.Mode == "" {
			payload.Mode = jobs.ModeCurrentMonth
		}
		if _, err := payload.Options(); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}

		info, err := enqueuer.EnqueueSync(r.Context(), payload)
		switch {
		case errors.Is(err, asynq.ErrDuplicateTask), errors.Is(err, asynq.ErrTaskIDConflict):
			httpx.RespondError(w, fmt.Errorf("%w: an identical run is already queued", httpx.ErrConflict))
			return
		case err != nil:
			logger.Error("enqueue sync", slog.Any("error", err))
			httpx.RespondError(w, fmt.Errorf("%w: could not queue run", httpx.ErrUnavailable))
			return
		}
		logger.Info("queued manual sync", slog.String("task_id", info.ID), slog.String("mode", payload.Mode))
		httpx.JSON(w, http.StatusAccepted, runResponse{TaskID: info.ID, Queue: info.Queue, Mode: payload.Mode})
	}
}
