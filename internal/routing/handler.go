package routing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/libris/libris/internal/locale"
	"github.com/libris/libris/internal/platform/httpx"
	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/shared"
)

// Writer persists route definitions.
type Writer interface {
	CreateRoute(ctx context.Context, route Route) error
	DeleteRoute(ctx context.Context, id string) error
}

// Publisher announces registry changes to other instances.
type Publisher interface {
	Publish(ctx context.Context) (int64, error)
}

// Enqueuer schedules an asynchronous registry refresh.
type Enqueuer interface {
	EnqueueRoutesRefresh(ctx context.Context) error
}

// HandlerDeps groups the collaborators of Handler. Writer, Publisher,
// Enqueuer and Audit are optional.
type HandlerDeps struct {
	Logger    *slog.Logger
	Store     *Store
	Writer    Writer
	Publisher Publisher
	Enqueuer  Enqueuer
	Audit     shared.AuditRecorder
	RBAC      rbac.Middleware
}

// Handler exposes route registry administration endpoints.
type Handler struct {
	HandlerDeps
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(deps HandlerDeps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{HandlerDeps: deps, validator: validator.New()}
}

// MountRoutes registers the route endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.RBAC.RequireAny(rbac.TagRoutesView, rbac.TagRoutesEdit))
		r.Get("/", h.list)
		r.Get("/{routeID}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.RBAC.RequireAll(rbac.TagRoutesEdit))
		r.Post("/refresh", h.refresh)
		if h.Writer != nil {
			r.Post("/", h.create)
			r.Delete("/{routeID}", h.delete)
		}
	})
}

type routeView struct {
	Definition
	Public bool `json:"public"`
}

func viewOf(route Route) routeView {
	return routeView{Definition: DefinitionOf(route), Public: route.Public()}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	reg := h.Store.Registry()
	var routes []Route
	if raw := r.URL.Query().Get("locale"); raw != "" {
		routes = reg.ListForLocale(locale.Canonical(raw))
	} else {
		routes = reg.Routes()
	}
	out := make([]routeView, 0, len(routes))
	for _, route := range routes {
		out = append(out, viewOf(route))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"routes": out, "locales": reg.Locales()})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	route, ok := h.Store.Registry().Route(chi.URLParam(r, "routeID"))
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "route not found")
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(route))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var def Definition
	if err := httpx.DecodeJSON(r, &def); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(def); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	route, err := def.Route()
	if err != nil {
		h.fail(w, "create route", err)
		return
	}
	// Validate against a scratch registry so the stored form is normalized.
	scratch := NewRegistry(h.Store.Registry().DefaultLocale())
	if err := scratch.Register(route); err != nil {
		h.fail(w, "create route", err)
		return
	}
	route, _ = scratch.Route(route.ID)
	if err := h.Store.Registry().Check(route); err != nil {
		h.fail(w, "create route", err)
		return
	}
	if err := h.Writer.CreateRoute(r.Context(), route); err != nil {
		h.fail(w, "create route", err)
		return
	}
	h.audit(r, "route.create", route.ID, map[string]any{"path": route.Path, "tags": route.Permission.Tags.Strings()})
	h.propagate(r.Context())
	httpx.JSON(w, http.StatusCreated, viewOf(route))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "routeID")
	if err := h.Writer.DeleteRoute(r.Context(), id); err != nil {
		h.fail(w, "delete route", err)
		return
	}
	h.audit(r, "route.delete", id, nil)
	h.propagate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if h.Enqueuer != nil {
		if err := h.Enqueuer.EnqueueRoutesRefresh(r.Context()); err != nil {
			h.Logger.Error("enqueue routes refresh", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "refresh could not be scheduled")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
		return
	}
	reg, err := h.Store.Refresh(r.Context())
	if err != nil {
		h.fail(w, "refresh routes", err)
		return
	}
	h.publish(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]any{"routes": reg.Len(), "locales": reg.Locales()})
}

// propagate reloads the local snapshot and tells the other instances.
func (h *Handler) propagate(ctx context.Context) {
	if _, err := h.Store.Reload(ctx); err != nil {
		h.Logger.Error("refresh routes after write", slog.Any("error", err))
	}
	h.publish(ctx)
}

func (h *Handler) publish(ctx context.Context) {
	if h.Publisher == nil {
		return
	}
	if _, err := h.Publisher.Publish(ctx); err != nil {
		h.Logger.Warn("publish routes refresh", slog.Any("error", err))
	}
}

func (h *Handler) audit(r *http.Request, action, id string, meta map[string]any) {
	if h.Audit == nil {
		return
	}
	actor, _ := rbac.CurrentUserID(r.Context(), h.Logger)
	err := h.Audit.Record(r.Context(), shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "route",
		EntityID: id,
		Meta:     meta,
	})
	if err != nil {
		h.Logger.Error("audit route change", slog.String("action", action), slog.Any("error", err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrDuplicateRoute):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrInvalidRoute), errors.Is(err, rbac.ErrUnknownTag):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrRouteNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrSourceUnavailable):
		h.Logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
	default:
		h.Logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
