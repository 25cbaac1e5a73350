package users

import (
	"context"
	"errors"

	"github.com/libris/libris/internal/rbac"
)

// ErrNotFound indicates an unknown user.
var ErrNotFound = errors.New("users: not found")

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
}

// RoleAssigner manages user-role links.
type RoleAssigner interface {
	UserRoles(ctx context.Context, userID int64) ([]rbac.Role, error)
	AssignRole(ctx context.Context, userID, roleID int64) error
	RemoveRole(ctx context.Context, userID, roleID int64) error
}

// Service handles user business logic.
type Service struct {
	repo  RepositoryPort
	roles RoleAssigner
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, roles RoleAssigner) *Service {
	return &Service{repo: repo, roles: roles}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// Assignment returns a user with their roles and effective tags.
func (s *Service) Assignment(ctx context.Context, userID int64) (Assignment, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return Assignment{}, err
	}
	roles, err := s.roles.UserRoles(ctx, userID)
	if err != nil {
		return Assignment{}, err
	}
	if roles == nil {
		roles = []rbac.Role{}
	}
	return Assignment{User: user, Roles: roles, Tags: rbac.UnionTags(roles)}, nil
}

// AssignRole grants roleID to userID.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return err
	}
	return s.roles.AssignRole(ctx, userID, roleID)
}

// RemoveRole revokes roleID from userID.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	return s.roles.RemoveRole(ctx, userID, roleID)
}
