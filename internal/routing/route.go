// Package routing holds the registry of localized application routes and
// the per-route access rules, plus the sources it is loaded from.
package routing

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/libris/libris/internal/rbac"
)

// RoutePermission lists what a route requires. Empty Tags means the route is
// public; empty Locales means every translated locale is allowed.
type RoutePermission struct {
	Tags    rbac.TagSet
	Locales []string
}

// Route is a navigable, possibly localized, application path. Path is the
// canonical template and doubles as the default-locale translation. Routes
// returned by a Registry are shared and must not be mutated.
type Route struct {
	ID           string
	Path         string
	Translations map[string]string
	Permission   RoutePermission
}

// Match is the result of a path lookup.
type Match struct {
	Route  Route
	Locale string
	Params map[string]string
}

// PathFor returns the template of the route in loc.
func (r Route) PathFor(loc string) (string, bool) {
	tmpl, ok := r.Translations[loc]
	return tmpl, ok
}

// Public reports whether the route requires no tags.
func (r Route) Public() bool {
	return r.Permission.Tags.Len() == 0
}

// AvailableIn reports whether the route is translated into loc and not
// excluded by the per-language restriction.
func (r Route) AvailableIn(loc string) bool {
	if _, ok := r.Translations[loc]; !ok {
		return false
	}
	if len(r.Permission.Locales) == 0 {
		return true
	}
	for _, l := range r.Permission.Locales {
		if l == loc {
			return true
		}
	}
	return false
}

// Locales returns the translated locales in sorted order.
func (r Route) Locales() []string {
	out := make([]string, 0, len(r.Translations))
	for loc := range r.Translations {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// URL expands the loc template with params.
func (r Route) URL(loc string, params map[string]string) (string, error) {
	tmpl, ok := r.PathFor(loc)
	if !ok {
		return "", fmt.Errorf("%w: %s has no %s translation", ErrRouteNotFound, r.ID, loc)
	}
	return expand(tmpl, params)
}

// parseTemplate validates a path template and returns it normalized along
// with its parameter names in order.
func parseTemplate(raw string) (string, []string, error) {
	tmpl := strings.TrimSpace(raw)
	if tmpl == "" || tmpl[0] != '/' {
		return "", nil, fmt.Errorf("%w: path %q must start with /", ErrInvalidRoute, raw)
	}
	if tmpl != "/" {
		tmpl = strings.TrimRight(tmpl, "/")
		if tmpl == "" {
			tmpl = "/"
		}
	}
	if tmpl == "/" {
		return tmpl, nil, nil
	}
	var params []string
	seen := make(map[string]struct{})
	for _, seg := range strings.Split(tmpl[1:], "/") {
		if seg == "" {
			return "", nil, fmt.Errorf("%w: path %q has an empty segment", ErrInvalidRoute, raw)
		}
		if strings.ContainsAny(seg, " \t?#*") {
			return "", nil, fmt.Errorf("%w: path %q has an illegal character", ErrInvalidRoute, raw)
		}
		if !strings.ContainsAny(seg, "{}") {
			continue
		}
		name, ok := paramName(seg)
		if !ok {
			return "", nil, fmt.Errorf("%w: path %q has a malformed parameter %q", ErrInvalidRoute, raw, seg)
		}
		if _, dup := seen[name]; dup {
			return "", nil, fmt.Errorf("%w: path %q repeats parameter %q", ErrInvalidRoute, raw, name)
		}
		seen[name] = struct{}{}
		params = append(params, name)
	}
	return tmpl, params, nil
}

// paramName accepts whole-segment parameters such as {slug}.
func paramName(seg string) (string, bool) {
	if len(seg) < 3 || seg[0] != '{' || seg[len(seg)-1] != '}' {
		return "", false
	}
	name := seg[1 : len(seg)-1]
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return "", false
		}
	}
	return name, true
}

// templateKey erases parameter names so /books/{id} and /books/{slug}
// compare equal.
func templateKey(tmpl string) string {
	segs := strings.Split(tmpl, "/")
	for i, seg := range segs {
		if strings.HasPrefix(seg, "{") {
			segs[i] = "{}"
		}
	}
	return strings.Join(segs, "/")
}

func expand(tmpl string, params map[string]string) (string, error) {
	if !strings.Contains(tmpl, "{") {
		return tmpl, nil
	}
	segs := strings.Split(tmpl, "/")
	for i, seg := range segs {
		name, ok := paramName(seg)
		if !ok {
			continue
		}
		value := params[name]
		if value == "" {
			return "", fmt.Errorf("routing: missing parameter %q for %s", name, tmpl)
		}
		segs[i] = url.PathEscape(value)
	}
	return strings.Join(segs, "/"), nil
}

// cleanPath normalizes a requested path for lookup.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

func sameParams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}
