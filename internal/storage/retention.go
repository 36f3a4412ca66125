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

// GetRetentionPolicy returns the retention policy for an org with its most
// recent completed run. An org without a policy gets nil day counts.
func (db *DB) GetRetentionPolicy(ctx context.Context, orgID uuid.UUID) (model.RetentionPolicy, error) {
	p := model.RetentionPolicy{OrgID: orgID}
	var updatedAt time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT audit_log_days, action_run_days, updated_at FROM retention_policies WHERE org_id = $1`, orgID,
	).Scan(&p.AuditLogDays, &p.ActionRunDays, &updatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return p, fmt.Errorf("storage: get retention policy: %w", err)
	default:
		p.UpdatedAt = &updatedAt
	}

	run, err := db.lastRetentionRun(ctx, orgID)
	if err != nil {
		return p, err
	}
	p.LastRun = run
	return p, nil
}

func (db *DB) lastRetentionRun(ctx context.Context, orgID uuid.UUID) (*model.RetentionRun, error) {
	var r model.RetentionRun
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, trigger, deleted, started_at, completed_at
		 FROM retention_runs
		 WHERE org_id = $1 AND completed_at IS NOT NULL
		 ORDER BY started_at DESC
		 LIMIT 1`, orgID,
	).Scan(&r.ID, &r.OrgID, &r.Trigger, &r.Deleted, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get last retention run: %w", err)
	}
	return &r, nil
}

// SetRetentionPolicy upserts an org's retention day counts. nil keeps rows forever.
func (db *DB) SetRetentionPolicy(ctx context.Context, orgID uuid.UUID, auditLogDays, actionRunDays *int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO retention_policies (org_id, audit_log_days, action_run_days, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (org_id) DO UPDATE
		 SET audit_log_days = EXCLUDED.audit_log_days,
		     action_run_days = EXCLUDED.action_run_days,
		     updated_at = EXCLUDED.updated_at`,
		orgID, auditLogDays, actionRunDays,
	)
	if err != nil {
		return fmt.Errorf("storage: set retention policy: %w", err)
	}
	return nil
}

// ListRetentionPolicies returns every policy with at least one day count set.
// Used by the scheduled purge.
func (db *DB) ListRetentionPolicies(ctx context.Context) ([]model.RetentionPolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT org_id, audit_log_days, action_run_days FROM retention_policies
		 WHERE audit_log_days IS NOT NULL OR action_run_days IS NOT NULL
		 ORDER BY org_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list retention policies: %w", err)
	}
	defer rows.Close()

	var out []model.RetentionPolicy
	for rows.Next() {
		var p model.RetentionPolicy
		if err := rows.Scan(&p.OrgID, &p.AuditLogDays, &p.ActionRunDays); err != nil {
			return nil, fmt.Errorf("storage: scan retention policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeExpired deletes an org's audit logs and finished action runs older
// than the policy windows, relative to now, and records a retention run.
// The deletes and the run row commit together.
func (db *DB) PurgeExpired(ctx context.Context, p model.RetentionPolicy, trigger string, now time.Time) (model.RetentionRun, error) {
	run := model.RetentionRun{
		ID:        uuid.New(),
		OrgID:     p.OrgID,
		Trigger:   trigger,
		Deleted:   map[string]int64{"audit_logs": 0, "action_runs": 0},
		StartedAt: now.UTC(),
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return run, fmt.Errorf("storage: begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if p.AuditLogDays != nil {
		cutoff := now.AddDate(0, 0, -*p.AuditLogDays)
		tag, err := tx.Exec(ctx,
			`DELETE FROM audit_logs WHERE org_id = $1 AND created_at < $2`, p.OrgID, cutoff)
		if err != nil {
			return run, fmt.Errorf("storage: purge audit logs: %w", err)
		}
		run.Deleted["audit_logs"] = tag.RowsAffected()
	}
	if p.ActionRunDays != nil {
		cutoff := now.AddDate(0, 0, -*p.ActionRunDays)
		tag, err := tx.Exec(ctx,
			`DELETE FROM action_runs
			 WHERE org_id = $1 AND status <> 'running' AND started_at < $2`, p.OrgID, cutoff)
		if err != nil {
			return run, fmt.Errorf("storage: purge action runs: %w", err)
		}
		run.Deleted["action_runs"] = tag.RowsAffected()
	}

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	if _, err := tx.Exec(ctx,
		`INSERT INTO retention_runs (id, org_id, trigger, deleted, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.OrgID, run.Trigger, run.Deleted, run.StartedAt, run.CompletedAt,
	); err != nil {
		return run, fmt.Errorf("storage: record retention run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return run, fmt.Errorf("storage: commit purge tx: %w", err)
	}
	return run, nil
}
