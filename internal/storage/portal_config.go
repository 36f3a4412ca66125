package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/portal/internal/model"
)

// GetPortalConfig returns the stored config for an org. When the org has
// never saved one, found is false and the caller supplies defaults.
func (db *DB) GetPortalConfig(ctx context.Context, orgID uuid.UUID) (cfg model.PortalConfig, found bool, err error) {
	cfg.OrgID = orgID
	err = db.pool.QueryRow(ctx,
		`SELECT branding, modules, updated_at, updated_by FROM portal_configs WHERE org_id = $1`, orgID,
	).Scan(&cfg.Branding, &cfg.Modules, &cfg.UpdatedAt, &cfg.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PortalConfig{}, false, nil
	}
	if err != nil {
		return model.PortalConfig{}, false, fmt.Errorf("storage: get portal config: %w", err)
	}
	if cfg.Modules == nil {
		cfg.Modules = []string{}
	}
	return cfg, true, nil
}

// PutPortalConfig upserts the full config row and returns what was stored.
func (db *DB) PutPortalConfig(ctx context.Context, cfg model.PortalConfig) (model.PortalConfig, error) {
	if cfg.Modules == nil {
		cfg.Modules = []string{}
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO portal_configs (org_id, branding, modules, updated_at, updated_by)
		 VALUES ($1, $2, $3, now(), $4)
		 ON CONFLICT (org_id) DO UPDATE
		 SET branding = EXCLUDED.branding, modules = EXCLUDED.modules,
		     updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by
		 RETURNING updated_at`,
		cfg.OrgID, cfg.Branding, cfg.Modules, cfg.UpdatedBy,
	).Scan(&cfg.UpdatedAt)
	if err != nil {
		return model.PortalConfig{}, fmt.Errorf("storage: put portal config: %w", err)
	}
	return cfg, nil
}
