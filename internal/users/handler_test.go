package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/shared"
)

type memoryUsers struct{ users map[int64]User }

func (m memoryUsers) ListUsers(context.Context) ([]User, error) {
	out := make([]User, 0, len(m.users))
	for id := int64(1); id <= int64(len(m.users)); id++ {
		out = append(out, m.users[id])
	}
	return out, nil
}

func (m memoryUsers) GetUser(_ context.Context, id int64) (User, error) {
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

type memoryRoles struct {
	roles    map[int64]rbac.Role
	assigned map[int64][]int64
	err      error
}

func (m *memoryRoles) UserRoles(_ context.Context, userID int64) ([]rbac.Role, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []rbac.Role
	for _, id := range m.assigned[userID] {
		out = append(out, m.roles[id])
	}
	return out, nil
}

func (m *memoryRoles) AssignRole(_ context.Context, userID, roleID int64) error {
	if _, ok := m.roles[roleID]; !ok {
		return rbac.ErrNotFound
	}
	m.assigned[userID] = append(m.assigned[userID], roleID)
	return nil
}

func (m *memoryRoles) RemoveRole(_ context.Context, userID, roleID int64) error {
	ids := m.assigned[userID]
	for i, id := range ids {
		if id == roleID {
			m.assigned[userID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return rbac.ErrNotFound
}

type tagsByUser map[int64]rbac.TagSet

func (t tagsByUser) EffectiveTags(_ context.Context, userID int64) (rbac.TagSet, error) {
	return t[userID], nil
}

type auditSpy struct{ logs []shared.AuditLog }

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func newTestServer(t *testing.T, roles *memoryRoles, audit *auditSpy) http.Handler {
	t.Helper()
	users := memoryUsers{users: map[int64]User{
		1: {ID: 1, Email: "admin@libris.test", IsActive: true},
		2: {ID: 2, Email: "reader@libris.test", IsActive: true},
	}}
	mw := rbac.Middleware{Service: tagsByUser{
		1: rbac.NewTagSet(rbac.TagUsersEdit),
		2: rbac.NewTagSet(rbac.TagReader),
	}}
	h := NewHandler(nil, NewService(users, roles), audit, mw)
	r := chi.NewRouter()
	r.Route("/api/users", h.MountRoutes)
	return r
}

func as(r *http.Request, id string) *http.Request {
	sess := &shared.Session{ID: "s"}
	sess.SetUser(id)
	return r.WithContext(shared.ContextWithSession(r.Context(), sess))
}

func testRoles() *memoryRoles {
	return &memoryRoles{
		roles: map[int64]rbac.Role{
			10: {ID: 10, Name: "reader", Tags: rbac.NewTagSet(rbac.TagReader, rbac.TagBooksView)},
		},
		assigned: map[int64][]int64{},
	}
}

func TestAssignAndListRoles(t *testing.T) {
	roles := testRoles()
	audit := &auditSpy{}
	srv := newTestServer(t, roles, audit)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodPost, "/api/users/2/roles", strings.NewReader(`{"role_id":10}`)), "1"))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, "user.role.assign", audit.logs[0].Action)
	assert.Equal(t, int64(1), audit.logs[0].ActorID)
	assert.Equal(t, "2", audit.logs[0].EntityID)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodGet, "/api/users/2/roles", nil), "1"))
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		User  User        `json:"user"`
		Roles []rbac.Role `json:"roles"`
		Tags  []string    `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body.User.ID)
	require.Len(t, body.Roles, 1)
	assert.Equal(t, "reader", body.Roles[0].Name)
	assert.Equal(t, []string{"books.view", "reader"}, body.Tags)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodDelete, "/api/users/2/roles/10", nil), "1"))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, roles.assigned[2])
}

func TestUserEndpointsRequirePermissions(t *testing.T) {
	srv := newTestServer(t, testRoles(), nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodPost, "/api/users/2/roles", strings.NewReader(`{"role_id":10}`)), "2"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUserEndpointErrors(t *testing.T) {
	roles := testRoles()
	srv := newTestServer(t, roles, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodPost, "/api/users/99/roles", strings.NewReader(`{"role_id":10}`)), "1"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodPost, "/api/users/2/roles", strings.NewReader(`{"role_id":77}`)), "1"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodPost, "/api/users/2/roles", strings.NewReader(`{}`)), "1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodGet, "/api/users/abc/roles", nil), "1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	roles.err = errors.Join(rbac.ErrUpstream, errors.New("redis down"))
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, as(httptest.NewRequest(http.MethodGet, "/api/users/2/roles", nil), "1"))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
