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

const orgColumns = `id, name, slug, external_id, plan, created_at, updated_at`

func scanOrg(row pgx.Row) (model.Organization, error) {
	var org model.Organization
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.ExternalID, &org.Plan, &org.CreatedAt, &org.UpdatedAt)
	return org, err
}

// CreateOrganization inserts a new organization.
func (db *DB) CreateOrganization(ctx context.Context, org model.Organization) (model.Organization, error) {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, slug, external_id, plan, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org.ID, org.Name, org.Slug, org.ExternalID, org.Plan, org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		return model.Organization{}, fmt.Errorf("storage: create organization: %w", err)
	}
	return org, nil
}

// GetOrganization retrieves an org by ID.
func (db *DB) GetOrganization(ctx context.Context, id uuid.UUID) (model.Organization, error) {
	org, err := scanOrg(db.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
	if err != nil {
		return model.Organization{}, wrapGet(err, "organization", id)
	}
	return org, nil
}

// ListOrganizations returns organizations ordered by name. A non-empty
// userID restricts the list to orgs the user belongs to, either by
// membership row or because externalOrgID matches the org's external id.
func (db *DB) ListOrganizations(ctx context.Context, userID, externalOrgID string, page Page) ([]model.Organization, int, error) {
	where := ""
	args := []any{}
	if userID != "" {
		where = ` WHERE EXISTS (SELECT 1 FROM org_members m WHERE m.org_id = o.id AND m.user_id = $1)
		          OR ($2 <> '' AND o.external_id = $2)`
		args = append(args, userID, externalOrgID)
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM organizations o`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count organizations: %w", err)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM organizations o%s ORDER BY name, id LIMIT %d OFFSET %d`,
		orgColumns, where, page.Limit, page.Offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list organizations: %w", err)
	}
	defer rows.Close()

	orgs := []model.Organization{}
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, total, rows.Err()
}

// UpdateOrganization writes the mutable fields of org and returns the stored row.
func (db *DB) UpdateOrganization(ctx context.Context, org model.Organization) (model.Organization, error) {
	updated, err := scanOrg(db.pool.QueryRow(ctx,
		`UPDATE organizations SET name = $1, slug = $2, external_id = $3, plan = $4, updated_at = now()
		 WHERE id = $5 RETURNING `+orgColumns,
		org.Name, org.Slug, org.ExternalID, org.Plan, org.ID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Organization{}, notFound("organization", org.ID)
		}
		return model.Organization{}, fmt.Errorf("storage: update organization: %w", err)
	}
	return updated, nil
}

// DeleteOrganization removes an org and, through cascades, everything it owns.
func (db *DB) DeleteOrganization(ctx context.Context, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete organization tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("organization", id)
	}
	if err := db.enqueueSearch(ctx, tx, id, OutboxScopeOrg, id, OutboxDelete); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete organization tx: %w", err)
	}
	return nil
}

// OrgAccess reports whether orgID exists and whether userID may act in it.
// A user is a member when an org_members row exists, or when externalOrgID
// (the token's org claim) equals the org's external id.
func (db *DB) OrgAccess(ctx context.Context, orgID uuid.UUID, userID, externalOrgID string) (exists, member bool, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT COALESCE($3 <> '' AND o.external_id = $3, false)
		     OR EXISTS (SELECT 1 FROM org_members m WHERE m.org_id = o.id AND m.user_id = $2)
		 FROM organizations o WHERE o.id = $1`,
		orgID, userID, externalOrgID,
	).Scan(&member)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("storage: org access: %w", err)
	}
	return true, member, nil
}
