package rbac

import "time"

// Role represents a named bundle of permission tags.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tags        TagSet    `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents a persisted permission tag.
type Permission struct {
	ID          int64  `json:"id"`
	Name        Tag    `json:"name"`
	Description string `json:"description"`
}

// UserRole links a user to a role.
type UserRole struct {
	UserID    int64
	RoleID    int64
	CreatedAt time.Time
}

// UnionTags merges the tags granted across roles.
func UnionTags(roles []Role) TagSet {
	sets := make([]TagSet, 0, len(roles))
	for _, r := range roles {
		sets = append(sets, r.Tags)
	}
	return NewTagSet().Union(sets...)
}
