package routing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	calls atomic.Int32
	defs  []Definition
	err   error
	gate  chan struct{}
}

func (s *stubSource) Load(_ context.Context, defaultLocale string) (*Registry, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return Build(defaultLocale, s.defs)
}

func TestStoreRefreshSwapsSnapshot(t *testing.T) {
	src := &stubSource{defs: []Definition{{ID: "home", Path: "/"}}}
	var swapped *Registry
	store := NewStore(src, "en", nil, func(r *Registry) { swapped = r })
	assert.Zero(t, store.Registry().Len())

	reg, err := store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, reg, store.Registry())
	assert.Same(t, reg, swapped)
	assert.Equal(t, 1, reg.Len())
}

func TestStoreRefreshFailureKeepsPrevious(t *testing.T) {
	src := &stubSource{defs: []Definition{{ID: "home", Path: "/"}}}
	store := NewStore(src, "en", nil, nil)
	before, err := store.Refresh(context.Background())
	require.NoError(t, err)

	src.err = errors.New("connection refused")
	_, err = store.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Same(t, before, store.Registry())

	src.err = nil
	src.defs = []Definition{{ID: "a", Path: "/x"}, {ID: "b", Path: "/x"}}
	_, err = store.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, ErrDuplicateRoute)
	assert.Same(t, before, store.Registry())
}

func TestStoreConcurrentRefreshSharesLoad(t *testing.T) {
	src := &stubSource{defs: []Definition{{ID: "home", Path: "/"}}, gate: make(chan struct{})}
	store := NewStore(src, "en", nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Refresh(context.Background())
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	assert.Less(t, src.calls.Load(), int32(5))
	assert.Equal(t, 1, store.Registry().Len())
}

type scriptedLoad struct {
	defs []Definition
	gate chan struct{}
}

type scriptedSource struct {
	mu    sync.Mutex
	loads []scriptedLoad
	calls atomic.Int32
}

func (s *scriptedSource) Load(ctx context.Context, defaultLocale string) (*Registry, error) {
	n := s.calls.Add(1)
	s.mu.Lock()
	step := s.loads[n-1]
	s.mu.Unlock()
	if step.gate != nil {
		<-step.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Build(defaultLocale, step.defs)
}

func TestStoreReloadSkipsStaleInFlightLoad(t *testing.T) {
	gate := make(chan struct{})
	src := &scriptedSource{loads: []scriptedLoad{
		{defs: []Definition{{ID: "home", Path: "/"}}, gate: gate},
		{defs: []Definition{{ID: "home", Path: "/"}, {ID: "about", Path: "/about"}}},
	}}
	store := NewStore(src, "en", nil, nil)

	done := make(chan *Registry)
	go func() {
		reg, err := store.Refresh(context.Background())
		assert.NoError(t, err)
		done <- reg
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	reg, err := store.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, int32(2), src.calls.Load())

	close(gate)
	stale := <-done
	assert.Equal(t, 2, stale.Len())
	assert.Equal(t, 2, store.Registry().Len())
}

func TestStoreRefreshIgnoresCallerCancellation(t *testing.T) {
	src := &scriptedSource{loads: []scriptedLoad{{defs: []Definition{{ID: "home", Path: "/"}}}}}
	store := NewStore(src, "en", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg, err := store.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
}

func TestStoreWithoutSource(t *testing.T) {
	store := NewStore(nil, "en", nil, nil)
	_, err := store.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

const routesTOML = `
[[route]]
id = "home"
path = "/"

[[route]]
id = "book"
path = "/books/{slug}"
tags = ["books.view"]
locales = ["en", "es"]
[route.translations]
es = "/libros/{slug}"
`

func writeRoutes(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "routes.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestFileSourceLoad(t *testing.T) {
	src := NewFileSource(writeRoutes(t, routesTOML))
	reg, err := src.Load(context.Background(), "en")
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	m, err := reg.FindByPath("es", "/libros/dune")
	require.NoError(t, err)
	assert.Equal(t, "book", m.Route.ID)
	assert.Equal(t, []string{"books.view"}, m.Route.Permission.Tags.Strings())
	assert.Equal(t, []string{"en", "es"}, m.Route.Permission.Locales)
}

func TestFileSourceRejectsBadDocuments(t *testing.T) {
	_, err := NewFileSource(writeRoutes(t, "[[route]]\nid = \"a\"\npath = \"/a\"\ntag = [\"books.view\"]\n")).Load(context.Background(), "en")
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewFileSource(writeRoutes(t, "[[route]\n")).Load(context.Background(), "en")
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.toml")).Load(context.Background(), "en")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestWatchFileTriggersReload(t *testing.T) {
	p := writeRoutes(t, routesTOML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	require.NoError(t, WatchFile(ctx, p, nil, func(context.Context) { reloads.Add(1) }))
	require.NoError(t, os.WriteFile(p, []byte(routesTOML+"\n"), 0o600))

	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestNotifierPublishAndListen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	n := NewNotifier(client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan struct{}, 1)
	require.NoError(t, n.Listen(ctx, func(context.Context) { got <- struct{}{} }))

	v, err := n.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh notification not delivered")
	}
	current, err := n.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	v, err := n.Publish(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, v)
	assert.NoError(t, n.Listen(context.Background(), func(context.Context) {}))
}
