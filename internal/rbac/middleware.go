package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/libris/libris/internal/platform/httpx"
	"github.com/libris/libris/internal/shared"
)

// TagLoader resolves the effective tags of a user.
type TagLoader interface {
	EffectiveTags(ctx context.Context, userID int64) (TagSet, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service TagLoader
	Logger  *slog.Logger
}

// RequireAny ensures the current user is granted at least one of the tags.
func (m Middleware) RequireAny(tags ...Tag) func(http.Handler) http.Handler {
	required := NewTagSet(tags...)
	return m.require("rbac require any", required, func(granted TagSet) bool {
		for _, t := range required.Sorted() {
			if granted.Grants(t) {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current user is granted every tag.
func (m Middleware) RequireAll(tags ...Tag) func(http.Handler) http.Handler {
	required := NewTagSet(tags...)
	return m.require("rbac require all", required, func(granted TagSet) bool {
		return granted.Satisfies(required)
	})
}

func (m Middleware) require(op string, required TagSet, allowed func(TagSet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if required.Len() == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := CurrentUserID(r.Context(), m.Logger)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
				return
			}
			granted, err := m.Service.EffectiveTags(r.Context(), userID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error(op, slog.Int64("user_id", userID), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "permissions could not be loaded")
				return
			}
			if allowed(granted) {
				next.ServeHTTP(w, r)
				return
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		})
	}
}

// CurrentUserID extracts the numeric user ID from the request session.
func CurrentUserID(ctx context.Context, logger *slog.Logger) (int64, bool) {
	sess := shared.SessionFromContext(ctx)
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if logger != nil {
			logger.Error("rbac parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}
