package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/portal/internal/model"
)

const actionColumns = `id, org_id, integration_id, name, kind, config, enabled, created_at, updated_at`

func scanAction(row pgx.Row) (model.Action, error) {
	var a model.Action
	err := row.Scan(&a.ID, &a.OrgID, &a.IntegrationID, &a.Name, &a.Kind, &a.Config, &a.Enabled, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAction inserts a new action.
func (db *DB) CreateAction(ctx context.Context, a model.Action) (model.Action, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO actions (id, org_id, integration_id, name, kind, config, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.OrgID, a.IntegrationID, a.Name, a.Kind, a.Config, a.Enabled, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return model.Action{}, fmt.Errorf("storage: create action: %w", err)
	}
	return a, nil
}

// GetAction retrieves an action by ID.
func (db *DB) GetAction(ctx context.Context, id uuid.UUID) (model.Action, error) {
	a, err := scanAction(db.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id))
	if err != nil {
		return model.Action{}, wrapGet(err, "action", id)
	}
	return a, nil
}

// ListActions returns an org's actions ordered by name.
func (db *DB) ListActions(ctx context.Context, orgID uuid.UUID, page Page) ([]model.Action, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM actions WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count actions: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE org_id = $1 ORDER BY name, id LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list actions: %w", err)
	}
	defer rows.Close()

	out := []model.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// DeleteAction removes an action and its run history.
func (db *DB) DeleteAction(ctx context.Context, id uuid.UUID) error {
	return db.deleteByID(ctx, "actions", "action", id)
}

const runColumns = `id, action_id, org_id, status, input, output, error, http_status, triggered_by, started_at, finished_at`

func scanRun(row pgx.Row) (model.ActionRun, error) {
	var r model.ActionRun
	err := row.Scan(&r.ID, &r.ActionID, &r.OrgID, &r.Status, &r.Input, &r.Output, &r.Error,
		&r.HTTPStatus, &r.TriggeredBy, &r.StartedAt, &r.FinishedAt)
	if r.Input == nil {
		r.Input = map[string]any{}
	}
	return r, err
}

// StartActionRun inserts a run in the running state.
func (db *DB) StartActionRun(ctx context.Context, r model.ActionRun) (model.ActionRun, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Input == nil {
		r.Input = map[string]any{}
	}
	r.Status = model.RunRunning
	r.StartedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO action_runs (id, action_id, org_id, status, input, triggered_by, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ActionID, r.OrgID, r.Status, r.Input, r.TriggeredBy, r.StartedAt,
	)
	if err != nil {
		return model.ActionRun{}, fmt.Errorf("storage: start action run: %w", err)
	}
	return r, nil
}

// FinishActionRun records the outcome of a run and returns the stored row.
func (db *DB) FinishActionRun(ctx context.Context, r model.ActionRun) (model.ActionRun, error) {
	finished, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE action_runs
		 SET status = $1, output = $2, error = $3, http_status = $4, finished_at = now()
		 WHERE id = $5 RETURNING `+runColumns,
		r.Status, r.Output, r.Error, r.HTTPStatus, r.ID,
	))
	if err != nil {
		return model.ActionRun{}, wrapGet(err, "action run", r.ID)
	}
	return finished, nil
}

// ListActionRuns returns an action's runs, newest first.
func (db *DB) ListActionRuns(ctx context.Context, actionID uuid.UUID, page Page) ([]model.ActionRun, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM action_runs WHERE action_id = $1`, actionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count action runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM action_runs WHERE action_id = $1
		 ORDER BY started_at DESC, id LIMIT $2 OFFSET $3`,
		actionID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list action runs: %w", err)
	}
	defer rows.Close()

	runs := []model.ActionRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan action run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
