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

const integrationColumns = `id, org_id, kind, name, config, enabled, credentials IS NOT NULL, created_at, updated_at`

func scanIntegration(row pgx.Row) (model.Integration, error) {
	var in model.Integration
	err := row.Scan(&in.ID, &in.OrgID, &in.Kind, &in.Name, &in.Config, &in.Enabled, &in.HasCredentials,
		&in.CreatedAt, &in.UpdatedAt)
	if in.Config == nil {
		in.Config = map[string]any{}
	}
	return in, err
}

// CreateIntegration inserts an integration. sealed holds the already
// encrypted credentials, or nil for none.
func (db *DB) CreateIntegration(ctx context.Context, in model.Integration, sealed []byte) (model.Integration, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Config == nil {
		in.Config = map[string]any{}
	}
	now := time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now
	in.HasCredentials = sealed != nil

	_, err := db.pool.Exec(ctx,
		`INSERT INTO integrations (id, org_id, kind, name, config, credentials, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.OrgID, in.Kind, in.Name, in.Config, sealed, in.Enabled, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		return model.Integration{}, fmt.Errorf("storage: create integration: %w", err)
	}
	return in, nil
}

// GetIntegration retrieves an integration by ID without its credentials.
func (db *DB) GetIntegration(ctx context.Context, id uuid.UUID) (model.Integration, error) {
	in, err := scanIntegration(db.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, id))
	if err != nil {
		return model.Integration{}, wrapGet(err, "integration", id)
	}
	return in, nil
}

// GetIntegrationCredentials returns the sealed credentials of an integration,
// or nil when none are stored.
func (db *DB) GetIntegrationCredentials(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var sealed []byte
	if err := db.pool.QueryRow(ctx, `SELECT credentials FROM integrations WHERE id = $1`, id).Scan(&sealed); err != nil {
		return nil, wrapGet(err, "integration", id)
	}
	return sealed, nil
}

// ListIntegrations returns an org's integrations ordered by name.
func (db *DB) ListIntegrations(ctx context.Context, orgID uuid.UUID, page Page) ([]model.Integration, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM integrations WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count integrations: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE org_id = $1 ORDER BY name, id LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list integrations: %w", err)
	}
	defer rows.Close()

	out := []model.Integration{}
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan integration: %w", err)
		}
		out = append(out, in)
	}
	return out, total, rows.Err()
}

// CredentialsUpdate describes what to do with stored credentials on update.
type CredentialsUpdate struct {
	Set    bool
	Sealed []byte // nil with Set clears the credentials
}

// UpdateIntegration writes the mutable fields of in and, when creds.Set,
// replaces the stored credentials.
func (db *DB) UpdateIntegration(ctx context.Context, in model.Integration, creds CredentialsUpdate) (model.Integration, error) {
	updated, err := scanIntegration(db.pool.QueryRow(ctx,
		`UPDATE integrations
		 SET name = $1, config = $2, enabled = $3,
		     credentials = CASE WHEN $4::boolean THEN $5::bytea ELSE credentials END,
		     updated_at = now()
		 WHERE id = $6 RETURNING `+integrationColumns,
		in.Name, in.Config, in.Enabled, creds.Set, creds.Sealed, in.ID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Integration{}, notFound("integration", in.ID)
		}
		return model.Integration{}, fmt.Errorf("storage: update integration: %w", err)
	}
	return updated, nil
}

// DeleteIntegration removes an integration. Actions linked to it keep running
// without credentials.
func (db *DB) DeleteIntegration(ctx context.Context, id uuid.UUID) error {
	return db.deleteByID(ctx, "integrations", "integration", id)
}
