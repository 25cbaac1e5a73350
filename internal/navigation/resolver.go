// Package navigation turns a requested path into a navigation outcome by
// combining locale-aware route lookup with the access evaluator.
package navigation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/libris/libris/internal/access"
	"github.com/libris/libris/internal/locale"
	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/routing"
)

// Kind classifies a navigation outcome.
type Kind string

// Navigation outcomes.
const (
	KindGo       Kind = "go"
	KindRedirect Kind = "redirect"
	KindNotFound Kind = "not_found"
)

// Decision is the result of resolving a path.
type Decision struct {
	Kind    Kind              `json:"kind"`
	URL     string            `json:"url,omitempty"`
	RouteID string            `json:"route_id,omitempty"`
	Locale  string            `json:"locale,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Reason  access.Reason     `json:"reason,omitempty"`
	Missing []rbac.Tag        `json:"missing,omitempty"`
}

// LocalePolicy selects what happens when a route exists but not for the
// requested locale.
type LocalePolicy string

// Locale policies.
const (
	PolicyRestrict LocalePolicy = "restrict"
	PolicyNotFound LocalePolicy = "not_found"
	PolicyFallback LocalePolicy = "fallback"
)

// ParseLocalePolicy validates a policy name. Empty selects PolicyRestrict.
func ParseLocalePolicy(raw string) (LocalePolicy, error) {
	switch p := LocalePolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PolicyRestrict, nil
	case PolicyRestrict, PolicyNotFound, PolicyFallback:
		return p, nil
	default:
		return "", fmt.Errorf("navigation: unknown locale policy %q", raw)
	}
}

// Options configures a Resolver.
type Options struct {
	LoginPath           string
	ForbiddenPath       string
	Policy              LocalePolicy
	PrefixDefaultLocale bool
}

// RegistrySource yields the current registry snapshot.
type RegistrySource interface {
	Registry() *routing.Registry
}

// Resolver maps (roles, locale, path) to a Decision. It keeps no state besides
// the registry snapshot it reads on every call.
type Resolver struct {
	source    RegistrySource
	evaluator access.Evaluator
	opts      Options
}

// NewResolver builds a Resolver, filling in default paths.
func NewResolver(source RegistrySource, opts Options) *Resolver {
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.ForbiddenPath == "" {
		opts.ForbiddenPath = "/forbidden"
	}
	if opts.Policy == "" {
		opts.Policy = PolicyRestrict
	}
	return &Resolver{source: source, opts: opts}
}

// Options returns the effective options.
func (r *Resolver) Options() Options {
	return r.opts
}

// Resolve decides where a user holding roles lands when opening p (without
// locale prefix) in loc.
func (r *Resolver) Resolve(roles []rbac.Role, loc, p string) Decision {
	reg := r.source.Registry()
	loc = locale.Canonical(loc)
	if loc == "" {
		loc = reg.DefaultLocale()
	}

	match, err := reg.FindByPath(loc, p)
	if err != nil {
		// The path may belong to another locale's translation.
		if match, err = reg.FindAnyLocale(p); err != nil {
			return Decision{Kind: KindNotFound, Locale: loc}
		}
	}

	verdict := r.evaluator.CanAccess(roles, match.Route, loc)
	switch verdict.Reason {
	case access.ReasonNone:
		target, err := r.URL(reg, match.Route, loc, match.Params)
		if err != nil {
			return Decision{Kind: KindNotFound, Locale: loc}
		}
		return r.decide(KindGo, target, match, loc, verdict)
	case access.ReasonNoRole:
		next := r.localize(reg, loc, p)
		return r.decide(KindRedirect, r.opts.LoginPath+"?next="+url.QueryEscape(next), match, loc, verdict)
	case access.ReasonLocaleRestricted:
		return r.restricted(reg, roles, match, loc, verdict)
	default:
		return r.decide(KindRedirect, r.opts.ForbiddenPath, match, loc, verdict)
	}
}

func (r *Resolver) restricted(reg *routing.Registry, roles []rbac.Role, match routing.Match, loc string, verdict access.Decision) Decision {
	switch r.opts.Policy {
	case PolicyNotFound:
		return Decision{Kind: KindNotFound, RouteID: match.Route.ID, Locale: loc, Reason: verdict.Reason}
	case PolicyFallback:
		def := reg.DefaultLocale()
		if def != loc && r.evaluator.CanAccess(roles, match.Route, def).Allowed() {
			if target, err := r.URL(reg, match.Route, def, match.Params); err == nil {
				return r.decide(KindRedirect, target, match, def, verdict)
			}
		}
	}
	return r.decide(KindRedirect, r.opts.ForbiddenPath, match, loc, verdict)
}

func (r *Resolver) decide(kind Kind, target string, match routing.Match, loc string, verdict access.Decision) Decision {
	return Decision{
		Kind:    kind,
		URL:     target,
		RouteID: match.Route.ID,
		Locale:  loc,
		Params:  match.Params,
		Reason:  verdict.Reason,
		Missing: verdict.Missing,
	}
}

// URL returns the public URL of route in loc, locale prefix included.
func (r *Resolver) URL(reg *routing.Registry, route routing.Route, loc string, params map[string]string) (string, error) {
	p, err := route.URL(loc, params)
	if err != nil {
		return "", err
	}
	return r.localize(reg, loc, p), nil
}

func (r *Resolver) localize(reg *routing.Registry, loc, p string) string {
	if loc == reg.DefaultLocale() && !r.opts.PrefixDefaultLocale {
		return p
	}
	if p == "/" || p == "" {
		return "/" + loc
	}
	return "/" + loc + p
}

// Entry is a navigable route offered to a user.
type Entry struct {
	RouteID string `json:"route_id"`
	URL     string `json:"url"`
}

// Accessible lists the parameterless routes that roles may open in loc,
// ordered by route ID.
func (r *Resolver) Accessible(roles []rbac.Role, loc string) []Entry {
	reg := r.source.Registry()
	loc = locale.Canonical(loc)
	if loc == "" {
		loc = reg.DefaultLocale()
	}
	out := []Entry{}
	for _, route := range reg.ListForLocale(loc) {
		if !r.evaluator.CanAccess(roles, route, loc).Allowed() {
			continue
		}
		target, err := r.URL(reg, route, loc, nil)
		if err != nil {
			continue
		}
		out = append(out, Entry{RouteID: route.ID, URL: target})
	}
	return out
}
