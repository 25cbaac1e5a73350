package routing

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/libris/libris/internal/locale"
)

var noopHandler = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

// Registry holds routes indexed per locale. Lookups run on one chi routing
// tree per locale, so static segments win over parameters exactly as they do
// when serving.
type Registry struct {
	mu            sync.RWMutex
	defaultLocale string
	routes        map[string]Route
	trees         map[string]*chi.Mux
	patterns      map[string]map[string]string // locale -> template -> route id
	keys          map[string]map[string]string // locale -> template key -> route id
}

// NewRegistry returns an empty registry.
func NewRegistry(defaultLocale string) *Registry {
	return &Registry{
		defaultLocale: locale.Canonical(defaultLocale),
		routes:        make(map[string]Route),
		trees:         make(map[string]*chi.Mux),
		patterns:      make(map[string]map[string]string),
		keys:          make(map[string]map[string]string),
	}
}

// DefaultLocale returns the locale of canonical paths.
func (r *Registry) DefaultLocale() string {
	return r.defaultLocale
}

// Register validates and adds a route. It fails with a *DuplicateRouteError
// when the ID or any locale+path is already taken.
func (r *Registry) Register(route Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prepared, err := r.prepare(route)
	if err != nil {
		return err
	}
	return r.insert(prepared)
}

// Check reports whether route could be registered, without registering it.
func (r *Registry) Check(route Route) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.prepare(route)
	return err
}

// FindByPath matches a concrete path against the templates of loc.
func (r *Registry) FindByPath(loc, p string) (Match, error) {
	loc = locale.Canonical(loc)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(loc, cleanPath(p))
}

// FindAnyLocale matches p against every locale, trying the default locale
// first and the others in sorted order.
func (r *Registry) FindAnyLocale(p string) (Match, error) {
	p = cleanPath(p)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, loc := range r.localeOrder() {
		if m, err := r.find(loc, p); err == nil {
			return m, nil
		}
	}
	return Match{}, fmt.Errorf("%w: %s", ErrRouteNotFound, p)
}

// ListForLocale returns the routes translated into loc, ordered by ID.
func (r *Registry) ListForLocale(loc string) []Route {
	loc = locale.Canonical(loc)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Route
	for _, route := range r.routes {
		if _, ok := route.Translations[loc]; ok {
			out = append(out, route)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Routes returns every route ordered by ID.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Route looks a route up by ID.
func (r *Registry) Route(id string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[id]
	return route, ok
}

// Len returns the number of routes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Locales returns every locale with at least one route, default first.
func (r *Registry) Locales() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localeOrder()
}

func (r *Registry) localeOrder() []string {
	out := make([]string, 0, len(r.trees))
	for loc := range r.trees {
		if loc != r.defaultLocale {
			out = append(out, loc)
		}
	}
	sort.Strings(out)
	if _, ok := r.trees[r.defaultLocale]; ok {
		out = append([]string{r.defaultLocale}, out...)
	}
	return out
}

func (r *Registry) find(loc, p string) (Match, error) {
	tree, ok := r.trees[loc]
	if !ok {
		return Match{}, fmt.Errorf("%w: %s %s", ErrRouteNotFound, loc, p)
	}
	rctx := chi.NewRouteContext()
	if !tree.Match(rctx, http.MethodGet, p) {
		return Match{}, fmt.Errorf("%w: %s %s", ErrRouteNotFound, loc, p)
	}
	id, ok := r.patterns[loc][rctx.RoutePattern()]
	if !ok {
		return Match{}, fmt.Errorf("%w: %s %s", ErrRouteNotFound, loc, p)
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}
	return Match{Route: r.routes[id], Locale: loc, Params: params}, nil
}

// prepare validates route against the registry; callers hold the lock.
func (r *Registry) prepare(route Route) (Route, error) {
	id := strings.TrimSpace(route.ID)
	if id == "" {
		return Route{}, fmt.Errorf("%w: id required", ErrInvalidRoute)
	}
	canonical, params, err := parseTemplate(route.Path)
	if err != nil {
		return Route{}, fmt.Errorf("route %s: %w", id, err)
	}

	translations := map[string]string{r.defaultLocale: canonical}
	for rawLoc, rawTmpl := range route.Translations {
		loc := locale.Canonical(rawLoc)
		if loc == "" {
			return Route{}, fmt.Errorf("%w: route %s has an empty translation locale", ErrInvalidRoute, id)
		}
		tmpl, tParams, err := parseTemplate(rawTmpl)
		if err != nil {
			return Route{}, fmt.Errorf("route %s (%s): %w", id, loc, err)
		}
		if !sameParams(params, tParams) {
			return Route{}, fmt.Errorf("%w: route %s (%s) parameters differ from %s", ErrInvalidRoute, id, loc, canonical)
		}
		if loc == r.defaultLocale && tmpl != canonical {
			return Route{}, fmt.Errorf("%w: route %s default translation %s differs from path %s", ErrInvalidRoute, id, tmpl, canonical)
		}
		translations[loc] = tmpl
	}

	for _, t := range route.Permission.Tags.Sorted() {
		if t.IsWildcard() {
			return Route{}, fmt.Errorf("%w: route %s requires wildcard tag %q", ErrInvalidRoute, id, t)
		}
	}

	var locales []string
	seenLoc := make(map[string]struct{})
	for _, raw := range route.Permission.Locales {
		loc := locale.Canonical(raw)
		if _, ok := translations[loc]; !ok {
			return Route{}, fmt.Errorf("%w: route %s allows untranslated locale %q", ErrInvalidRoute, id, raw)
		}
		if _, dup := seenLoc[loc]; dup {
			continue
		}
		seenLoc[loc] = struct{}{}
		locales = append(locales, loc)
	}
	sort.Strings(locales)

	if _, exists := r.routes[id]; exists {
		return Route{}, &DuplicateRouteError{RouteID: id}
	}
	prepared := Route{
		ID:           id,
		Path:         canonical,
		Translations: translations,
		Permission:   RoutePermission{Tags: route.Permission.Tags, Locales: locales},
	}
	for _, loc := range prepared.Locales() {
		tmpl := translations[loc]
		if existing, taken := r.keys[loc][templateKey(tmpl)]; taken {
			return Route{}, &DuplicateRouteError{Locale: loc, Path: tmpl, RouteID: id, Existing: existing}
		}
	}
	return prepared, nil
}

func (r *Registry) insert(route Route) error {
	for loc, tmpl := range route.Translations {
		tree, ok := r.trees[loc]
		if !ok {
			tree = chi.NewMux()
		}
		if err := handle(tree, tmpl); err != nil {
			return fmt.Errorf("route %s (%s): %w", route.ID, loc, err)
		}
		if !ok {
			r.trees[loc] = tree
			r.patterns[loc] = make(map[string]string)
			r.keys[loc] = make(map[string]string)
		}
		r.patterns[loc][tmpl] = route.ID
		r.keys[loc][templateKey(tmpl)] = route.ID
	}
	r.routes[route.ID] = route
	return nil
}

// handle adds tmpl to tree, turning chi's pattern panics into errors.
func handle(tree *chi.Mux, tmpl string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidRoute, rec)
		}
	}()
	tree.Handle(tmpl, noopHandler)
	return nil
}
