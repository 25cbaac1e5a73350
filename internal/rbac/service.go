package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrInvalidRole indicates a rejected role definition.
	ErrInvalidRole = errors.New("rbac: invalid role")
	// ErrUpstream marks failures of the role store, as opposed to denials.
	ErrUpstream = errors.New("rbac: role store unavailable")
)

// Service orchestrates RBAC operations. Every mutation bumps the role cache.
type Service struct {
	repo   Repository
	cache  *RoleCache
	logger *slog.Logger
	loads  singleflight.Group
}

// NewService constructs a Service. cache and logger may be nil.
func NewService(repo Repository, cache *RoleCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// CreateRole inserts a new role with its initial tags.
func (s *Service) CreateRole(ctx context.Context, name, description string, tags []string) (Role, error) {
	name = normalizeName(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: name required", ErrInvalidRole)
	}
	set, err := ParseTags(tags)
	if err != nil {
		return Role{}, err
	}
	role, err := s.repo.CreateRole(ctx, name, strings.TrimSpace(description), set.Sorted())
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx)
	return role, nil
}

// DeleteRole removes a role by ID. Returns ErrNotFound if nothing was deleted.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	rows, err := s.repo.DeleteRole(ctx, id)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx)
	return nil
}

// ListPermissions returns all persisted permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// EnsurePermissions seeds every known tag with its description.
func (s *Service) EnsurePermissions(ctx context.Context) error {
	for _, t := range KnownTags() {
		if _, err := s.repo.UpsertPermission(ctx, t, Describe(t)); err != nil {
			return fmt.Errorf("rbac: ensure permission %s: %w", t, err)
		}
	}
	return nil
}

// SetRolePermissions replaces the tags granted by a role.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, tags []string) error {
	set, err := ParseTags(tags)
	if err != nil {
		return err
	}
	if err := s.repo.ReplaceRolePermissions(ctx, roleID, set.Sorted()); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Grant adds a tag to a role.
func (s *Service) Grant(ctx context.Context, roleID int64, raw string) error {
	t, err := ParseTag(raw)
	if err != nil {
		return err
	}
	if err := s.repo.AddRolePermission(ctx, roleID, t); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Revoke removes a tag from a role.
func (s *Service) Revoke(ctx context.Context, roleID int64, raw string) error {
	t, err := ParseTag(raw)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveRolePermission(ctx, roleID, t); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	if err := s.repo.AssignRoleToUser(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// RemoveRole removes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	if err := s.repo.RemoveRoleFromUser(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// UserRoles returns the roles of a user, served from cache when possible.
// Store failures are wrapped with ErrUpstream.
func (s *Service) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	ver, err := s.cache.Version(ctx)
	cached := err == nil
	if err != nil {
		s.logger.Warn("rbac cache version", slog.Int64("user_id", userID), slog.Any("error", err))
	} else if roles, ok, err := s.cache.GetAt(ctx, userID, ver); err != nil {
		s.logger.Warn("rbac cache get", slog.Int64("user_id", userID), slog.Any("error", err))
	} else if ok {
		return roles, nil
	}

	// Loads are only shared within one cache version.
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(ver, 10)
	v, err, _ := s.loads.Do(key, func() (interface{}, error) {
		return s.repo.UserRoles(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("rbac: load roles for user %d: %w", userID, errors.Join(ErrUpstream, err))
	}
	roles := v.([]Role)
	if !cached {
		return roles, nil
	}
	if err := s.cache.SetAt(ctx, userID, ver, roles); err != nil {
		s.logger.Warn("rbac cache set", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	return roles, nil
}

// EffectiveTags returns the union of tags across the user's roles.
func (s *Service) EffectiveTags(ctx context.Context, userID int64) (TagSet, error) {
	roles, err := s.UserRoles(ctx, userID)
	if err != nil {
		return TagSet{}, err
	}
	return UnionTags(roles), nil
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Error("rbac cache bump", slog.Any("error", err))
	}
}
