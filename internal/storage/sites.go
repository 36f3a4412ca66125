package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/portal/internal/model"
)

const siteColumns = `id, org_id, name, domain, status, settings, created_at, updated_at`

func scanSite(row pgx.Row) (model.Site, error) {
	var s model.Site
	err := row.Scan(&s.ID, &s.OrgID, &s.Name, &s.Domain, &s.Status, &s.Settings, &s.CreatedAt, &s.UpdatedAt)
	if s.Settings == nil {
		s.Settings = map[string]any{}
	}
	return s, err
}

// CreateSite inserts a new site.
func (db *DB) CreateSite(ctx context.Context, s model.Site) (model.Site, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Settings == nil {
		s.Settings = map[string]any{}
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sites (id, org_id, name, domain, status, settings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.OrgID, s.Name, s.Domain, s.Status, s.Settings, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.Site{}, fmt.Errorf("storage: create site: %w", err)
	}
	return s, nil
}

// GetSite retrieves a site by ID.
func (db *DB) GetSite(ctx context.Context, id uuid.UUID) (model.Site, error) {
	s, err := scanSite(db.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id))
	if err != nil {
		return model.Site{}, wrapGet(err, "site", id)
	}
	return s, nil
}

// ListSites returns an org's sites ordered by name.
func (db *DB) ListSites(ctx context.Context, orgID uuid.UUID, page Page) ([]model.Site, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sites WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sites: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE org_id = $1 ORDER BY name, id LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sites: %w", err)
	}
	defer rows.Close()

	sites := []model.Site{}
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, total, rows.Err()
}

// UpdateSite writes the mutable fields of s and returns the stored row.
func (db *DB) UpdateSite(ctx context.Context, s model.Site) (model.Site, error) {
	updated, err := scanSite(db.pool.QueryRow(ctx,
		`UPDATE sites SET name = $1, domain = $2, status = $3, settings = $4, updated_at = now()
		 WHERE id = $5 RETURNING `+siteColumns,
		s.Name, s.Domain, s.Status, s.Settings, s.ID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Site{}, notFound("site", s.ID)
		}
		return model.Site{}, fmt.Errorf("storage: update site: %w", err)
	}
	return updated, nil
}

// DeleteSite removes a site.
func (db *DB) DeleteSite(ctx context.Context, id uuid.UUID) error {
	return db.deleteByID(ctx, "sites", "site", id)
}

// deleteByID deletes one row from table by primary key. table is always a
// constant supplied by this package.
func (db *DB) deleteByID(ctx context.Context, table, entity string, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(entity, id)
	}
	return nil
}
