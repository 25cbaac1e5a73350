package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/libris/libris/internal/platform/db"
)

// Repository defines persistence operations for roles and assignments.
type Repository interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name, description string, tags []Tag) (Role, error)
	DeleteRole(ctx context.Context, id int64) (int64, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpsertPermission(ctx context.Context, name Tag, description string) (Permission, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, tags []Tag) error
	AddRolePermission(ctx context.Context, roleID int64, tag Tag) error
	RemoveRolePermission(ctx context.Context, roleID int64, tag Tag) error
	AssignRoleToUser(ctx context.Context, userID, roleID int64) error
	RemoveRoleFromUser(ctx context.Context, userID, roleID int64) error
	UserRoles(ctx context.Context, userID int64) ([]Role, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const roleColumns = `r.id, r.name, r.description, r.created_at, r.updated_at,
	COALESCE(array_agg(p.name ORDER BY p.name) FILTER (WHERE p.name IS NOT NULL), '{}')`

const roleJoins = `FROM roles r
	LEFT JOIN role_permissions rp ON rp.role_id = r.id
	LEFT JOIN permissions p ON p.id = rp.permission_id`

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` `+roleJoins+` GROUP BY r.id ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	return scanRoles(rows)
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` `+roleJoins+` WHERE r.id = $1 GROUP BY r.id`, id)
	if err != nil {
		return Role{}, err
	}
	roles, err := scanRoles(rows)
	if err != nil {
		return Role{}, err
	}
	if len(roles) == 0 {
		return Role{}, ErrNotFound
	}
	return roles[0], nil
}

// CreateRole inserts a role together with its initial tags.
func (r *PGRepository) CreateRole(ctx context.Context, name, description string, tags []Tag) (Role, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING id`,
			name, description,
		).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: role %q exists", ErrInvalidRole, name)
			}
			return err
		}
		for _, t := range tags {
			if err := attachPermission(ctx, tx, id, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	return r.GetRole(ctx, id)
}

// DeleteRole removes a role and returns the number of deleted rows.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListPermissions returns all persisted permissions ordered by name.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var (
			p    Permission
			name string
		)
		if err := rows.Scan(&p.ID, &name, &p.Description); err != nil {
			return nil, err
		}
		p.Name = Tag(name)
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// UpsertPermission inserts a permission or refreshes its description.
func (r *PGRepository) UpsertPermission(ctx context.Context, name Tag, description string) (Permission, error) {
	var (
		p   Permission
		raw string
	)
	err := r.pool.QueryRow(ctx,
		`INSERT INTO permissions (name, description) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		 RETURNING id, name, description`,
		string(name), description,
	).Scan(&p.ID, &raw, &p.Description)
	if err != nil {
		return Permission{}, err
	}
	p.Name = Tag(raw)
	return p, nil
}

// ReplaceRolePermissions swaps the full tag set of a role in one transaction.
func (r *PGRepository) ReplaceRolePermissions(ctx context.Context, roleID int64, tags []Tag) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockRole(ctx, tx, roleID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, t := range tags {
			if err := attachPermission(ctx, tx, roleID, t); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
		return err
	})
}

// AddRolePermission grants a single tag.
func (r *PGRepository) AddRolePermission(ctx context.Context, roleID int64, tag Tag) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockRole(ctx, tx, roleID); err != nil {
			return err
		}
		return attachPermission(ctx, tx, roleID, tag)
	})
}

// RemoveRolePermission revokes a single tag.
func (r *PGRepository) RemoveRolePermission(ctx context.Context, roleID int64, tag Tag) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM role_permissions
		 WHERE role_id = $1 AND permission_id = (SELECT id FROM permissions WHERE name = $2)`,
		roleID, string(tag),
	)
	return err
}

// AssignRoleToUser links a role to a user. Existing links are kept.
func (r *PGRepository) AssignRoleToUser(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, roleID,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

// RemoveRoleFromUser unlinks a role from a user.
func (r *PGRepository) RemoveRoleFromUser(ctx context.Context, userID, roleID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UserRoles returns the roles assigned to a user.
func (r *PGRepository) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roleColumns+` `+roleJoins+`
		 JOIN user_roles ur ON ur.role_id = r.id
		 WHERE ur.user_id = $1
		 GROUP BY r.id ORDER BY r.name`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return scanRoles(rows)
}

func scanRoles(rows pgx.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var (
			role Role
			raw  []string
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt, &raw); err != nil {
			return nil, err
		}
		role.Tags = knownOnly(raw)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// knownOnly drops stored tags this build does not know; they grant nothing.
func knownOnly(raw []string) TagSet {
	tags := make([]Tag, 0, len(raw))
	for _, r := range raw {
		if t, err := ParseTag(r); err == nil {
			tags = append(tags, t)
		}
	}
	return NewTagSet(tags...)
}

func lockRole(ctx context.Context, tx pgx.Tx, roleID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func attachPermission(ctx context.Context, tx pgx.Tx, roleID int64, tag Tag) error {
	var permID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO permissions (name, description) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		string(tag), Describe(tag),
	).Scan(&permID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, permID,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

var _ Repository = (*PGRepository)(nil)

func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
