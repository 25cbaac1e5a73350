package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/libris/libris/internal/auth"
	"github.com/libris/libris/internal/navigation"
	"github.com/libris/libris/internal/observability"
	"github.com/libris/libris/internal/platform/httpx"
	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/routing"
	"github.com/libris/libris/internal/shared"
	"github.com/libris/libris/internal/users"
	"github.com/libris/libris/jobs"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	SessionManager    *shared.SessionManager
	CSRFManager       *shared.CSRFManager
	AuthHandler       *auth.Handler
	RBACHandler       *rbac.Handler
	UsersHandler      *users.Handler
	RoutesHandler     *routing.Handler
	NavigationHandler *navigation.Handler
	Guard             *navigation.Guard
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
	Readiness         []ReadinessCheck
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}
	if !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(params.Logger, params.Readiness))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/auth", params.AuthHandler.MountRoutes)
	r.Route("/api", func(r chi.Router) {
		if params.RBACHandler != nil {
			r.Route("/roles", params.RBACHandler.MountRoutes)
			r.Route("/permissions", params.RBACHandler.MountPermissionRoutes)
		}
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.RoutesHandler != nil {
			r.Route("/routes", params.RoutesHandler.MountRoutes)
		}
		if params.NavigationHandler != nil {
			r.Route("/navigation", params.NavigationHandler.MountRoutes)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	// Everything else is a page and goes through the registry.
	if params.Guard != nil {
		r.With(params.Guard.Middleware).Get("/*", navigation.Page)
	}
	return r
}

func readinessHandler(logger *slog.Logger, checks []ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		results := make([]string, len(checks))
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range checks {
			i, c := i, c
			g.Go(func() error {
				if err := c.Check(gctx); err != nil {
					logger.Warn("readiness check failed", slog.String("check", c.Name), slog.Any("error", err))
					results[i] = "down"
					return err
				}
				results[i] = "up"
				return nil
			})
		}
		status := http.StatusOK
		if err := g.Wait(); err != nil {
			status = http.StatusServiceUnavailable
		}
		body := make(map[string]string, len(checks))
		for i, c := range checks {
			if results[i] == "" {
				results[i] = "unknown"
			}
			body[c.Name] = results[i]
		}
		httpx.JSON(w, status, body)
	}
}
