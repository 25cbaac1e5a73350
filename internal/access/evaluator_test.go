package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/routing"
)

func role(name string, tags ...rbac.Tag) rbac.Role {
	return rbac.Role{Name: name, Tags: rbac.NewTagSet(tags...)}
}

func register(t *testing.T, route routing.Route) routing.Route {
	t.Helper()
	reg := routing.NewRegistry("en")
	require.NoError(t, reg.Register(route))
	stored, ok := reg.Route(route.ID)
	require.True(t, ok)
	return stored
}

func TestAdminRouteRequiresAdminTag(t *testing.T) {
	route := register(t, routing.Route{
		ID:         "admin-users",
		Path:       "/admin/users",
		Permission: routing.RoutePermission{Tags: rbac.NewTagSet(rbac.TagAdmin)},
	})
	var ev Evaluator

	d := ev.CanAccess([]rbac.Role{role("admin", rbac.TagAdmin)}, route, "en")
	assert.True(t, d.Allowed())
	assert.NoError(t, d.Err())

	d = ev.CanAccess([]rbac.Role{role("reader", rbac.TagReader)}, route, "en")
	assert.False(t, d.Allowed())
	assert.Equal(t, ReasonInsufficientPermission, d.Reason)
	assert.Equal(t, []rbac.Tag{rbac.TagAdmin}, d.Missing)
	assert.ErrorIs(t, d.Err(), ErrInsufficientPermission)
}

func TestPublicRouteAllowsAnyone(t *testing.T) {
	route := register(t, routing.Route{ID: "home", Path: "/"})
	var ev Evaluator
	for _, roles := range [][]rbac.Role{nil, {role("reader", rbac.TagReader)}, {role("empty")}} {
		assert.True(t, ev.CanAccess(roles, route, "en").Allowed())
	}
}

func TestNoRoleOnProtectedRoute(t *testing.T) {
	route := register(t, routing.Route{
		ID:         "books",
		Path:       "/books",
		Permission: routing.RoutePermission{Tags: rbac.NewTagSet(rbac.TagBooksView)},
	})
	d := Evaluator{}.CanAccess(nil, route, "en")
	assert.Equal(t, ReasonNoRole, d.Reason)
	assert.ErrorIs(t, d.Err(), ErrNoRole)
}

func TestUnionOfRolesAndMissingTags(t *testing.T) {
	route := register(t, routing.Route{
		ID:   "translate",
		Path: "/books/{slug}/translate",
		Permission: routing.RoutePermission{
			Tags: rbac.NewTagSet(rbac.TagBooksView, rbac.TagTranslationsEdit, rbac.TagProgressTrack),
		},
	})
	var ev Evaluator

	roles := []rbac.Role{role("viewer", rbac.TagBooksView), role("translator", rbac.TagTranslationsEdit)}
	d := ev.CanAccess(roles, route, "en")
	assert.Equal(t, ReasonInsufficientPermission, d.Reason)
	assert.Equal(t, []rbac.Tag{rbac.TagProgressTrack}, d.Missing)

	roles = append(roles, role("reader", rbac.TagProgressTrack))
	assert.True(t, ev.CanAccess(roles, route, "en").Allowed())

	d = ev.CanAccess([]rbac.Role{role("none")}, route, "en")
	assert.Equal(t, []rbac.Tag{rbac.TagBooksView, rbac.TagProgressTrack, rbac.TagTranslationsEdit}, d.Missing)
}

func TestWildcardsGrantExplicitly(t *testing.T) {
	route := register(t, routing.Route{
		ID:         "book-edit",
		Path:       "/books/{slug}/edit",
		Permission: routing.RoutePermission{Tags: rbac.NewTagSet(rbac.TagBooksEdit)},
	})
	var ev Evaluator

	assert.True(t, ev.CanAccess([]rbac.Role{role("root", rbac.Wildcard)}, route, "en").Allowed())
	assert.True(t, ev.CanAccess([]rbac.Role{role("editor", "books.*")}, route, "en").Allowed())
	assert.False(t, ev.CanAccess([]rbac.Role{role("t", "translations.*")}, route, "en").Allowed())
	assert.False(t, ev.CanAccess([]rbac.Role{role("admin", rbac.TagAdmin)}, route, "en").Allowed())
}

func TestLocaleRestrictionComesFirst(t *testing.T) {
	enOnly := register(t, routing.Route{ID: "about", Path: "/about"})
	locked := register(t, routing.Route{
		ID:           "book",
		Path:         "/books/{slug}",
		Translations: map[string]string{"es": "/libros/{slug}"},
		Permission:   routing.RoutePermission{Tags: rbac.NewTagSet(rbac.TagBooksView), Locales: []string{"en"}},
	})
	var ev Evaluator

	d := ev.CanAccess(nil, enOnly, "es")
	assert.Equal(t, ReasonLocaleRestricted, d.Reason)
	assert.ErrorIs(t, d.Err(), ErrLocaleRestricted)

	admin := []rbac.Role{role("root", rbac.Wildcard)}
	assert.Equal(t, ReasonLocaleRestricted, ev.CanAccess(admin, locked, "es").Reason)
	assert.True(t, ev.CanAccess(admin, locked, "EN").Allowed())
}
