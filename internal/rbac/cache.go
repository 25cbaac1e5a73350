package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const roleCacheVersionKey = "rbac:roles:version"

// RoleCache keeps per-user role snapshots in Redis. Every key embeds a global
// version so a single Bump invalidates all users at once.
type RoleCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRoleCache instantiates the cache helper.
func NewRoleCache(client *redis.Client, ttl time.Duration) *RoleCache {
	return &RoleCache{client: client, ttl: ttl}
}

// Version returns the current cache version. A missing key reads as 1.
func (c *RoleCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, roleCacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Get loads the cached roles for a user under the current version. ok is
// false on a miss.
func (c *RoleCache) Get(ctx context.Context, userID int64) ([]Role, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return nil, false, err
	}
	return c.GetAt(ctx, userID, ver)
}

// GetAt loads the roles cached for a user under version ver.
func (c *RoleCache) GetAt(ctx context.Context, userID, ver int64) ([]Role, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, cacheKey(userID, ver)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var roles []Role
	if err := json.Unmarshal(payload, &roles); err != nil {
		return nil, false, err
	}
	return roles, true, nil
}

// Set stores the roles for a user under the current version.
func (c *RoleCache) Set(ctx context.Context, userID int64, roles []Role) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return err
	}
	return c.SetAt(ctx, userID, ver, roles)
}

// SetAt stores roles under version ver. Callers pass the version read before
// loading roles, so a Bump racing the load leaves the entry unreachable.
func (c *RoleCache) SetAt(ctx context.Context, userID, ver int64, roles []Role) error {
	if c == nil || c.client == nil {
		return nil
	}
	if roles == nil {
		roles = []Role{}
	}
	raw, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(userID, ver), raw, c.ttl).Err()
}

// Bump invalidates every cached snapshot.
func (c *RoleCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	// First bump moves a missing key (read as 1) to 2.
	if err := c.client.SetNX(ctx, roleCacheVersionKey, 1, 0).Err(); err != nil {
		return err
	}
	return c.client.Incr(ctx, roleCacheVersionKey).Err()
}

func cacheKey(userID, ver int64) string {
	return fmt.Sprintf("rbac:user_roles:%d:%d", userID, ver)
}
