// Package locale negotiates the request language against the supported set.
package locale

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"
)

const (
	// QueryParam selects a language explicitly for one request.
	QueryParam = "lang"
	// CookieName stores the reader's language preference.
	CookieName = "libris_lang"
)

// ErrUnsupported indicates a locale outside the configured set.
var ErrUnsupported = errors.New("locale: unsupported")

// Canonical returns the BCP 47 form of a locale identifier. Unparseable input
// is lower-cased and trimmed so it still compares consistently.
func Canonical(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return tag.String()
}

// Negotiator selects a supported locale for a request.
type Negotiator struct {
	supported []language.Tag
	names     []string
	index     map[string]int
	matcher   language.Matcher
	def       string
}

// NewNegotiator builds a Negotiator. The default locale must be part of the
// supported set; it is added when missing.
func NewNegotiator(supported []string, def string) (*Negotiator, error) {
	def = Canonical(def)
	if def == "" {
		return nil, errors.New("locale: default locale required")
	}
	n := &Negotiator{index: make(map[string]int), def: def}
	// Default goes first so the matcher falls back to it.
	candidates := append([]string{def}, supported...)
	for _, raw := range candidates {
		name := Canonical(raw)
		if name == "" {
			continue
		}
		if _, ok := n.index[name]; ok {
			continue
		}
		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("locale: parse %q: %w", raw, err)
		}
		n.index[name] = len(n.names)
		n.names = append(n.names, name)
		n.supported = append(n.supported, tag)
	}
	n.matcher = language.NewMatcher(n.supported)
	return n, nil
}

// Default returns the default locale.
func (n *Negotiator) Default() string {
	return n.def
}

// Supported lists the supported locales, default first.
func (n *Negotiator) Supported() []string {
	out := make([]string, len(n.names))
	copy(out, n.names)
	return out
}

// Lookup returns the supported locale equal to raw after canonicalisation.
func (n *Negotiator) Lookup(raw string) (string, bool) {
	name := Canonical(raw)
	if _, ok := n.index[name]; !ok {
		return "", false
	}
	return name, true
}

// Match picks the closest supported locale for raw, e.g. es-MX -> es. It
// returns ErrUnsupported when nothing is close enough.
func (n *Negotiator) Match(raw string) (string, error) {
	if name, ok := n.Lookup(raw); ok {
		return name, nil
	}
	tag, err := language.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, raw)
	}
	_, idx, conf := n.matcher.Match(tag)
	if conf < language.High {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, raw)
	}
	return n.names[idx], nil
}

// SplitPath separates a leading locale segment from a URL path. ok is false
// when the first segment is not a supported locale.
func (n *Negotiator) SplitPath(p string) (loc string, rest string, ok bool) {
	trimmed := strings.TrimPrefix(p, "/")
	segment, remainder, _ := strings.Cut(trimmed, "/")
	if segment == "" {
		return "", p, false
	}
	loc, ok = n.Lookup(segment)
	if !ok {
		return "", p, false
	}
	return loc, "/" + remainder, true
}

// FromRequest resolves the locale from the lang query parameter, the
// preference cookie and Accept-Language, in that order.
func (n *Negotiator) FromRequest(r *http.Request) string {
	if r == nil {
		return n.def
	}
	if raw := strings.TrimSpace(r.URL.Query().Get(QueryParam)); raw != "" {
		if loc, err := n.Match(raw); err == nil {
			return loc
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		if loc, ok := n.Lookup(cookie.Value); ok {
			return loc
		}
	}
	if accept := strings.TrimSpace(r.Header.Get("Accept-Language")); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil && len(tags) > 0 {
			_, idx, conf := n.matcher.Match(tags...)
			if conf != language.No {
				return n.names[idx]
			}
		}
	}
	return n.def
}

// SetCookie persists the locale preference.
func SetCookie(w http.ResponseWriter, loc string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    loc,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
}
