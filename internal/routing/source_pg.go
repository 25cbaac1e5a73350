package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/libris/libris/internal/platform/db"
)

// PGSource loads routes from PostgreSQL.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource constructs a PostgreSQL backed route source.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// Load reads every route table and builds a registry. Any query failure or
// an unknown required tag fails the whole load.
func (s *PGSource) Load(ctx context.Context, defaultLocale string) (*Registry, error) {
	defs, err := s.Definitions(ctx)
	if err != nil {
		return nil, err
	}
	return Build(defaultLocale, defs)
}

// Definitions returns the persisted routes keyed together from their tables.
func (s *PGSource) Definitions(ctx context.Context) ([]Definition, error) {
	var (
		paths        map[string]string
		translations map[string]map[string]string
		tags         map[string][]string
		locales      map[string][]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		paths, err = s.pairs(gctx, `SELECT id, path FROM routes`)
		return err
	})
	g.Go(func() error {
		rows, err := s.pool.Query(gctx, `SELECT route_id, locale, path FROM route_translations`)
		if err != nil {
			return err
		}
		defer rows.Close()
		translations = make(map[string]map[string]string)
		for rows.Next() {
			var id, loc, tmpl string
			if err := rows.Scan(&id, &loc, &tmpl); err != nil {
				return err
			}
			if translations[id] == nil {
				translations[id] = make(map[string]string)
			}
			translations[id][loc] = tmpl
		}
		return rows.Err()
	})
	g.Go(func() error {
		var err error
		tags, err = s.lists(gctx, `SELECT route_id, tag FROM route_permissions ORDER BY route_id, tag`)
		return err
	})
	g.Go(func() error {
		var err error
		locales, err = s.lists(gctx, `SELECT route_id, locale FROM route_locales ORDER BY route_id, locale`)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	defs := make([]Definition, 0, len(paths))
	for id, p := range paths {
		defs = append(defs, Definition{
			ID:           id,
			Path:         p,
			Translations: translations[id],
			Tags:         tags[id],
			Locales:      locales[id],
		})
	}
	return defs, nil
}

func (s *PGSource) pairs(ctx context.Context, query string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *PGSource) lists(ctx context.Context, query string) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = append(out[k], v)
	}
	return out, rows.Err()
}

// CreateRoute persists a validated route. Translation conflicts surface as
// *DuplicateRouteError.
func (s *PGSource) CreateRoute(ctx context.Context, route Route) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO routes (id, path) VALUES ($1, $2)`, route.ID, route.Path); err != nil {
			if isUniqueViolation(err) {
				return &DuplicateRouteError{RouteID: route.ID}
			}
			return err
		}
		for _, loc := range route.Locales() {
			tmpl := route.Translations[loc]
			_, err := tx.Exec(ctx,
				`INSERT INTO route_translations (route_id, locale, path) VALUES ($1, $2, $3)`,
				route.ID, loc, tmpl,
			)
			if isUniqueViolation(err) {
				return &DuplicateRouteError{Locale: loc, Path: tmpl, RouteID: route.ID}
			}
			if err != nil {
				return err
			}
		}
		for _, t := range route.Permission.Tags.Strings() {
			if _, err := tx.Exec(ctx, `INSERT INTO route_permissions (route_id, tag) VALUES ($1, $2)`, route.ID, t); err != nil {
				return err
			}
		}
		for _, loc := range route.Permission.Locales {
			if _, err := tx.Exec(ctx, `INSERT INTO route_locales (route_id, locale) VALUES ($1, $2)`, route.ID, loc); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRoute removes a route and its dependent rows.
func (s *PGSource) DeleteRoute(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM routes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Source = (*PGSource)(nil)
