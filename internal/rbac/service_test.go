package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/libris/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	roles    map[int64]Role
	assigned map[int64][]int64
	loads    int
	loadErr  error
	nextID   int64
	upserted []Tag
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{roles: map[int64]Role{}, assigned: map[int64][]int64{}}
}

func (m *memoryRepo) ListRoles(context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

func (m *memoryRepo) GetRole(_ context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryRepo) CreateRole(_ context.Context, name, description string, tags []Tag) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r := Role{ID: m.nextID, Name: name, Description: description, Tags: NewTagSet(tags...)}
	m.roles[r.ID] = r
	return r, nil
}

func (m *memoryRepo) DeleteRole(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return 0, nil
	}
	delete(m.roles, id)
	return 1, nil
}

func (m *memoryRepo) ListPermissions(context.Context) ([]Permission, error) { return nil, nil }

func (m *memoryRepo) UpsertPermission(_ context.Context, name Tag, description string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, name)
	return Permission{Name: name, Description: description}, nil
}

func (m *memoryRepo) ReplaceRolePermissions(_ context.Context, roleID int64, tags []Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	r.Tags = NewTagSet(tags...)
	m.roles[roleID] = r
	return nil
}

func (m *memoryRepo) AddRolePermission(_ context.Context, roleID int64, tag Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	r.Tags = r.Tags.Union(NewTagSet(tag))
	m.roles[roleID] = r
	return nil
}

func (m *memoryRepo) RemoveRolePermission(_ context.Context, roleID int64, tag Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	var keep []Tag
	for _, t := range r.Tags.Sorted() {
		if t != tag {
			keep = append(keep, t)
		}
	}
	r.Tags = NewTagSet(keep...)
	m.roles[roleID] = r
	return nil
}

func (m *memoryRepo) AssignRoleToUser(_ context.Context, userID, roleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned[userID] = append(m.assigned[userID], roleID)
	return nil
}

func (m *memoryRepo) RemoveRoleFromUser(_ context.Context, userID, roleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.assigned[userID][:0]
	for _, id := range m.assigned[userID] {
		if id != roleID {
			ids = append(ids, id)
		}
	}
	m.assigned[userID] = ids
	return nil
}

func (m *memoryRepo) UserRoles(_ context.Context, userID int64) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := []Role{}
	for _, id := range m.assigned[userID] {
		out = append(out, m.roles[id])
	}
	return out, nil
}

func (m *memoryRepo) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

func newCachedService(t *testing.T) (*Service, *memoryRepo, *RoleCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRoleCache(client, time.Minute)
	repo := newMemoryRepo()
	return NewService(repo, cache, nil), repo, cache
}

func TestServiceCreateRoleValidates(t *testing.T) {
	svc, _, _ := newCachedService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, "   ", "", nil)
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = svc.CreateRole(ctx, "editor", "", []string{"books.view", "books.burn"})
	assert.ErrorIs(t, err, ErrUnknownTag)

	role, err := svc.CreateRole(ctx, " Editor ", " edits ", []string{"books.*", "reader"})
	require.NoError(t, err)
	assert.Equal(t, "edits", role.Description)
	assert.True(t, role.Tags.Grants(TagBooksEdit))
}

func TestServiceDeleteMissingRole(t *testing.T) {
	svc, _, _ := newCachedService(t)
	assert.ErrorIs(t, svc.DeleteRole(context.Background(), 42), ErrNotFound)
}

func TestServiceUserRolesCachedUntilMutation(t *testing.T) {
	svc, repo, cache := newCachedService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "reader", "", []string{"reader"})
	require.NoError(t, err)
	require.NoError(t, svc.AssignRole(ctx, 7, role.ID))

	tags, err := svc.EffectiveTags(ctx, 7)
	require.NoError(t, err)
	assert.True(t, tags.Has(TagReader))
	assert.Equal(t, 1, repo.loadCount())

	_, err = svc.EffectiveTags(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loadCount(), "second read served from cache")

	before, err := cache.Version(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Grant(ctx, role.ID, "books.view"))
	after, err := cache.Version(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	tags, err = svc.EffectiveTags(ctx, 7)
	require.NoError(t, err)
	assert.True(t, tags.Has(TagBooksView))
	assert.Equal(t, 2, repo.loadCount())
}

// revokeDuringLoad removes a role from the user after the roles were read
// but before the caller caches them.
type revokeDuringLoad struct {
	*memoryRepo
	svc    *Service
	roleID int64
	once   sync.Once
}

func (r *revokeDuringLoad) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	roles, err := r.memoryRepo.UserRoles(ctx, userID)
	r.once.Do(func() {
		if rerr := r.svc.RemoveRole(ctx, userID, r.roleID); rerr != nil {
			panic(rerr)
		}
	})
	return roles, err
}

func TestServiceRevokeDuringLoadIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	mem := newMemoryRepo()
	role, err := mem.CreateRole(ctx, "librarian", "", []Tag{TagBooksEdit})
	require.NoError(t, err)
	require.NoError(t, mem.AssignRoleToUser(ctx, 9, role.ID))

	repo := &revokeDuringLoad{memoryRepo: mem, roleID: role.ID}
	svc := NewService(repo, NewRoleCache(client, time.Minute), nil)
	repo.svc = svc

	first, err := svc.UserRoles(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := svc.UserRoles(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 2, mem.loadCount())
}

func TestServiceUserRolesUpstreamError(t *testing.T) {
	repo := newMemoryRepo()
	repo.loadErr = errors.New("connection refused")
	svc := NewService(repo, nil, nil)

	_, err := svc.UserRoles(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestServiceWithoutCache(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	tags, err := svc.EffectiveTags(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, tags.Len())
	require.NoError(t, svc.EnsurePermissions(ctx))
	assert.Len(t, repo.upserted, len(KnownTags()))
}

func TestRoleCacheVersionStartsAtOne(t *testing.T) {
	_, _, cache := newCachedService(t)
	ctx := context.Background()

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)

	require.NoError(t, cache.Set(ctx, 5, nil))
	roles, ok, err := cache.Get(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, roles)

	require.NoError(t, cache.Bump(ctx))
	ver, err = cache.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)

	_, ok, err = cache.Get(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

type staticTags struct {
	tags TagSet
	err  error
}

func (s staticTags) EffectiveTags(context.Context, int64) (TagSet, error) {
	return s.tags, s.err
}

func TestMiddlewareRequire(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	withUser := func(id string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if id == "" {
			return req
		}
		sess := &shared.Session{ID: "s"}
		sess.SetUser(id)
		return req.WithContext(shared.ContextWithSession(req.Context(), sess))
	}

	cases := []struct {
		name   string
		loader staticTags
		mw     func(Middleware) func(http.Handler) http.Handler
		user   string
		want   int
	}{
		{"anonymous", staticTags{}, func(m Middleware) func(http.Handler) http.Handler { return m.RequireAny(TagRolesView) }, "", http.StatusUnauthorized},
		{"bad user id", staticTags{}, func(m Middleware) func(http.Handler) http.Handler { return m.RequireAny(TagRolesView) }, "abc", http.StatusUnauthorized},
		{"store down", staticTags{err: ErrUpstream}, func(m Middleware) func(http.Handler) http.Handler { return m.RequireAny(TagRolesView) }, "1", http.StatusServiceUnavailable},
		{"any granted", staticTags{tags: NewTagSet(TagRolesView)}, func(m Middleware) func(http.Handler) http.Handler { return m.RequireAny(TagRolesEdit, TagRolesView) }, "1", http.StatusNoContent},
		{"all missing one", staticTags{tags: NewTagSet(TagRolesView)}, func(m Middleware) func(http.Handler) http.Handler { return m.RequireAll(TagRolesEdit, TagRolesView) }, "1", http.StatusForbidden},
		{"wildcard", staticTags{tags: NewTagSet(Wildcard)}, func(m Middleware) func(http.Handler) http.Handler { return m.RequireAll(TagRolesEdit, TagRolesView) }, "1", http.StatusNoContent},
		{"nothing required", staticTags{}, func(m Middleware) func(http.Handler) http.Handler { return m.RequireAll() }, "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.mw(Middleware{Service: tc.loader})(ok).ServeHTTP(rec, withUser(tc.user))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
