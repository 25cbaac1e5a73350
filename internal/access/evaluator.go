// Package access decides whether a set of roles may reach a route.
package access

import (
	"errors"

	"github.com/libris/libris/internal/locale"
	"github.com/libris/libris/internal/rbac"
	"github.com/libris/libris/internal/routing"
)

// Reason explains a denial.
type Reason string

// Denial reasons.
const (
	ReasonNone                   Reason = ""
	ReasonNoRole                 Reason = "no_role"
	ReasonInsufficientPermission Reason = "insufficient_permission"
	ReasonLocaleRestricted       Reason = "locale_restricted"
)

var (
	// ErrNoRole indicates a protected route requested without any role.
	ErrNoRole = errors.New("access: no role")
	// ErrInsufficientPermission indicates roles missing a required tag.
	ErrInsufficientPermission = errors.New("access: insufficient permission")
	// ErrLocaleRestricted indicates the route is not offered in the locale.
	ErrLocaleRestricted = errors.New("access: locale restricted")
)

// Decision is the outcome of an access check.
type Decision struct {
	Reason  Reason     `json:"reason,omitempty"`
	Missing []rbac.Tag `json:"missing,omitempty"`
}

// Allow is the permitting decision.
var Allow = Decision{}

// Deny builds a denial.
func Deny(reason Reason, missing ...rbac.Tag) Decision {
	return Decision{Reason: reason, Missing: missing}
}

// Allowed reports whether access is granted.
func (d Decision) Allowed() bool {
	return d.Reason == ReasonNone
}

// Err returns the sentinel error of a denial, or nil.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonNone:
		return nil
	case ReasonNoRole:
		return ErrNoRole
	case ReasonInsufficientPermission:
		return ErrInsufficientPermission
	case ReasonLocaleRestricted:
		return ErrLocaleRestricted
	default:
		return errors.New("access: " + string(d.Reason))
	}
}

// Evaluator checks roles against route requirements. It holds no state and
// performs no I/O.
type Evaluator struct{}

// CanAccess decides whether roles may open route in loc. Checks run in a
// fixed order: locale availability, public route, role presence, tags.
func (Evaluator) CanAccess(roles []rbac.Role, route routing.Route, loc string) Decision {
	if !route.AvailableIn(locale.Canonical(loc)) {
		return Deny(ReasonLocaleRestricted)
	}
	if route.Public() {
		return Allow
	}
	if len(roles) == 0 {
		return Deny(ReasonNoRole)
	}
	granted := rbac.UnionTags(roles)
	if missing := granted.Missing(route.Permission.Tags); len(missing) > 0 {
		return Deny(ReasonInsufficientPermission, missing...)
	}
	return Allow
}
