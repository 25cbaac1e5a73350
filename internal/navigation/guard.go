package navigation

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/libris/libris/internal/locale"
	"github.com/libris/libris/internal/platform/httpx"
	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/shared"
)

// RoleLoader returns the roles assigned to a user.
type RoleLoader interface {
	UserRoles(ctx context.Context, userID int64) ([]rbac.Role, error)
}

// DecisionRecorder observes navigation outcomes.
type DecisionRecorder interface {
	ObserveNavigation(kind, reason string)
}

type decisionContextKey struct{}

// DecisionFromContext returns the decision the Guard let through.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionContextKey{}).(Decision)
	return d, ok
}

// Guard enforces navigation decisions on page requests.
type Guard struct {
	resolver *Resolver
	locales  *locale.Negotiator
	roles    RoleLoader
	recorder DecisionRecorder
	logger   *slog.Logger
}

// NewGuard builds a Guard. recorder may be nil.
func NewGuard(resolver *Resolver, locales *locale.Negotiator, roles RoleLoader, recorder DecisionRecorder, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{resolver: resolver, locales: locales, roles: roles, recorder: recorder, logger: logger}
}

// SplitLocalePath separates an optional leading locale segment from p. When
// there is none the request preferences pick the locale.
func (g *Guard) SplitLocalePath(r *http.Request) (loc, p string, prefixed bool) {
	if loc, rest, ok := g.locales.SplitPath(r.URL.Path); ok {
		return loc, rest, true
	}
	return g.locales.FromRequest(r), r.URL.Path, false
}

// Middleware resolves every request before it reaches next. Allowed requests
// on their canonical URL pass through, others are redirected or rejected.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc, p, prefixed := g.SplitLocalePath(r)
		roles, err := LoadRoles(r.Context(), g.roles, g.logger)
		if err != nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "permissions could not be loaded")
			return
		}

		d := g.resolver.Resolve(roles, loc, p)
		if g.recorder != nil {
			g.recorder.ObserveNavigation(string(d.Kind), string(d.Reason))
		}

		switch d.Kind {
		case KindNotFound:
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
		case KindRedirect:
			http.Redirect(w, r, d.URL, http.StatusSeeOther)
		default:
			// An explicit prefix pins the locale, including across the
			// redirect to an unprefixed default-locale URL.
			if prefixed {
				if c, err := r.Cookie(locale.CookieName); err != nil || c.Value != d.Locale {
					locale.SetCookie(w, d.Locale)
				}
			}
			if canonical, err := url.PathUnescape(d.URL); err != nil || canonical != r.URL.Path {
				target := d.URL
				if r.URL.RawQuery != "" {
					target += "?" + r.URL.RawQuery
				}
				http.Redirect(w, r, target, http.StatusSeeOther)
				return
			}
			ctx := shared.ContextWithLocale(r.Context(), d.Locale)
			ctx = context.WithValue(ctx, decisionContextKey{}, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// LoadRoles returns the roles of the session user, or none for anonymous
// requests.
func LoadRoles(ctx context.Context, loader RoleLoader, logger *slog.Logger) ([]rbac.Role, error) {
	userID, ok := rbac.CurrentUserID(ctx, logger)
	if !ok {
		return nil, nil
	}
	roles, err := loader.UserRoles(ctx, userID)
	if err != nil {
		if logger != nil {
			logger.Error("navigation load roles", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return nil, err
	}
	return roles, nil
}
