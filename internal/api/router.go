package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/taskqueue/internal/api/middleware"
	"github.com/phrazzld/taskqueue/internal/api/shared"
	"github.com/phrazzld/taskqueue/internal/auth"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
)

// DefaultRequestTimeout bounds the handling time of one request.
const DefaultRequestTimeout = 30 * time.Second

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// MetricsSource reports the current value of every recorded instrument.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]metrics.Point, error)
}

// RouterConfig holds the collaborators of NewRouter. Tasks and Auth are
// required.
type RouterConfig struct {
	Tasks   TaskService
	Auth    auth.TokenValidator
	DB      Pinger
	Metrics MetricsSource
	Logger  *slog.Logger
	Timeout time.Duration
}

// NewRouter returns the control API handler.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewTraceMiddleware(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.Timeout))

	tasks := NewTaskHandler(cfg.Tasks)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Auth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Post("/tasks", tasks.CreateTask)
		r.Get("/tasks", tasks.ListTasks)
		r.Post("/tasks/cancel", tasks.CancelTasks)
		r.Get("/tasks/{id}", tasks.GetTask)
		r.Get("/tasks/{id}/logs", tasks.ExecutionLogs)
		r.Post("/tasks/{id}/cancel", tasks.CancelTask)
		r.Post("/tasks/{id}/retry", tasks.RetryTask)
		r.Get("/queues/health", tasks.QueueHealth)
		if cfg.Metrics != nil {
			r.Get("/metrics", metricsHandler(cfg.Metrics))
		}
	})

	r.Get("/healthz", healthz(cfg.DB))

	return r
}

func healthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "Database unavailable", err)
				return
			}
		}
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func metricsHandler(src MetricsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		points, err := src.Snapshot(r.Context())
		if err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to collect metrics", err)
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"metrics": points})
	}
}
