package routing

import (
	"fmt"
	"sort"

	"github.com/libris/libris/internal/rbac"
)

// Definition is the serialized form of a route shared by every source and
// the admin API.
type Definition struct {
	ID           string            `toml:"id" json:"id" validate:"required,max=128"`
	Path         string            `toml:"path" json:"path" validate:"required,startswith=/"`
	Translations map[string]string `toml:"translations" json:"translations,omitempty"`
	Tags         []string          `toml:"tags" json:"tags,omitempty"`
	Locales      []string          `toml:"locales" json:"locales,omitempty"`
}

// Route converts the definition, rejecting unknown permission tags.
func (d Definition) Route() (Route, error) {
	tags, err := rbac.ParseTags(d.Tags)
	if err != nil {
		return Route{}, fmt.Errorf("%w: route %s: %w", ErrInvalidRoute, d.ID, err)
	}
	translations := make(map[string]string, len(d.Translations))
	for loc, tmpl := range d.Translations {
		translations[loc] = tmpl
	}
	return Route{
		ID:           d.ID,
		Path:         d.Path,
		Translations: translations,
		Permission:   RoutePermission{Tags: tags, Locales: d.Locales},
	}, nil
}

// DefinitionOf is the inverse of Definition.Route.
func DefinitionOf(route Route) Definition {
	translations := make(map[string]string, len(route.Translations))
	for loc, tmpl := range route.Translations {
		translations[loc] = tmpl
	}
	return Definition{
		ID:           route.ID,
		Path:         route.Path,
		Translations: translations,
		Tags:         route.Permission.Tags.Strings(),
		Locales:      append([]string(nil), route.Permission.Locales...),
	}
}

// Build registers defs into a fresh registry in ID order, so collisions are
// reported the same way on every load.
func Build(defaultLocale string, defs []Definition) (*Registry, error) {
	sorted := append([]Definition(nil), defs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	reg := NewRegistry(defaultLocale)
	for _, def := range sorted {
		route, err := def.Route()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(route); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
