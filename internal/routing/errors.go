package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrRouteNotFound indicates no route matches the path.
	ErrRouteNotFound = errors.New("routing: route not found")
	// ErrDuplicateRoute indicates a locale+path or ID collision.
	ErrDuplicateRoute = errors.New("routing: duplicate route")
	// ErrInvalidRoute indicates a malformed route definition.
	ErrInvalidRoute = errors.New("routing: invalid route")
	// ErrSourceUnavailable marks route store failures, as opposed to lookups
	// that simply found nothing.
	ErrSourceUnavailable = errors.New("routing: route source unavailable")
)

// DuplicateRouteError reports a registration colliding with an existing route.
type DuplicateRouteError struct {
	Locale   string
	Path     string
	RouteID  string
	Existing string
}

func (e *DuplicateRouteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("routing: duplicate route id %q", e.RouteID)
	}
	return fmt.Sprintf("routing: route %q collides with %q on %s %s", e.RouteID, e.Existing, e.Locale, e.Path)
}

// Is makes errors.Is(err, ErrDuplicateRoute) match.
func (e *DuplicateRouteError) Is(target error) bool {
	return target == ErrDuplicateRoute
}
