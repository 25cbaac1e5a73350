package users

import (
	"time"

	"github.com/libris/libris/internal/rbac"
)

// User represents a user account for management.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assignment is a user together with the roles granted to them.
type Assignment struct {
	User  User        `json:"user"`
	Roles []rbac.Role `json:"roles"`
	Tags  rbac.TagSet `json:"tags"`
}
