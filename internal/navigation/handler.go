package navigation

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/libris/libris/internal/locale"
	"github.com/libris/libris/internal/platform/httpx"
)

// Handler exposes navigation decisions over JSON.
type Handler struct {
	logger   *slog.Logger
	resolver *Resolver
	locales  *locale.Negotiator
	roles    RoleLoader
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, resolver *Resolver, locales *locale.Negotiator, roles RoleLoader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, resolver: resolver, locales: locales, roles: roles}
}

// MountRoutes registers navigation API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/resolve", h.resolve)
	r.Get("/menu", h.menu)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimSpace(r.URL.Query().Get("path"))
	if p == "" || !strings.HasPrefix(p, "/") {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "path must start with /")
		return
	}
	loc, ok := h.locale(w, r)
	if !ok {
		return
	}
	if prefixed, rest, split := h.locales.SplitPath(p); split {
		if r.URL.Query().Get("locale") == "" {
			loc = prefixed
		}
		p = rest
	}
	roles, err := LoadRoles(r.Context(), h.roles, h.logger)
	if err != nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "permissions could not be loaded")
		return
	}
	httpx.JSON(w, http.StatusOK, h.resolver.Resolve(roles, loc, p))
}

func (h *Handler) menu(w http.ResponseWriter, r *http.Request) {
	loc, ok := h.locale(w, r)
	if !ok {
		return
	}
	roles, err := LoadRoles(r.Context(), h.roles, h.logger)
	if err != nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "permissions could not be loaded")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locale": loc, "entries": h.resolver.Accessible(roles, loc)})
}

func (h *Handler) locale(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("locale")
	if raw == "" {
		return h.locales.FromRequest(r), true
	}
	loc, err := h.locales.Match(raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return "", false
	}
	return loc, true
}

// Page answers guarded page requests with the resolved navigation state.
// HTML rendering lives outside this service.
func Page(w http.ResponseWriter, r *http.Request) {
	d, ok := DecisionFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}
