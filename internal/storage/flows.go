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

const flowColumns = `id, org_id, name, description, trigger, enabled, created_at, updated_at`

func scanFlow(row pgx.Row) (model.Flow, error) {
	var f model.Flow
	err := row.Scan(&f.ID, &f.OrgID, &f.Name, &f.Description, &f.Trigger, &f.Enabled, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// CreateFlow inserts a flow and its initial steps in one transaction.
func (db *DB) CreateFlow(ctx context.Context, f model.Flow, steps []model.FlowStepInput) (model.Flow, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Flow{}, fmt.Errorf("storage: begin create flow tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO flows (id, org_id, name, description, trigger, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.OrgID, f.Name, f.Description, f.Trigger, f.Enabled, f.CreatedAt, f.UpdatedAt,
	); err != nil {
		return model.Flow{}, fmt.Errorf("storage: create flow: %w", err)
	}

	f.Steps, err = insertSteps(ctx, tx, f.ID, steps)
	if err != nil {
		return model.Flow{}, err
	}
	f.Rules = []model.FlowRule{}

	if err := tx.Commit(ctx); err != nil {
		return model.Flow{}, fmt.Errorf("storage: commit create flow tx: %w", err)
	}
	return f, nil
}

// GetFlow retrieves a flow by ID. With detail, steps and rules are loaded too.
func (db *DB) GetFlow(ctx context.Context, id uuid.UUID, detail bool) (model.Flow, error) {
	f, err := scanFlow(db.pool.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id))
	if err != nil {
		return model.Flow{}, wrapGet(err, "flow", id)
	}
	if !detail {
		return f, nil
	}
	if f.Steps, err = db.listSteps(ctx, id); err != nil {
		return model.Flow{}, err
	}
	if f.Rules, err = db.listRules(ctx, id); err != nil {
		return model.Flow{}, err
	}
	return f, nil
}

// ListFlows returns an org's flows ordered by name, without steps or rules.
func (db *DB) ListFlows(ctx context.Context, orgID uuid.UUID, page Page) ([]model.Flow, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM flows WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count flows: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE org_id = $1 ORDER BY name, id LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list flows: %w", err)
	}
	defer rows.Close()

	flows := []model.Flow{}
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan flow: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, total, rows.Err()
}

// UpdateFlow writes the mutable fields of f and returns the stored row.
func (db *DB) UpdateFlow(ctx context.Context, f model.Flow) (model.Flow, error) {
	updated, err := scanFlow(db.pool.QueryRow(ctx,
		`UPDATE flows SET name = $1, description = $2, trigger = $3, enabled = $4, updated_at = now()
		 WHERE id = $5 RETURNING `+flowColumns,
		f.Name, f.Description, f.Trigger, f.Enabled, f.ID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Flow{}, notFound("flow", f.ID)
		}
		return model.Flow{}, fmt.Errorf("storage: update flow: %w", err)
	}
	return updated, nil
}

// DeleteFlow removes a flow with its steps and rules.
func (db *DB) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	return db.deleteByID(ctx, "flows", "flow", id)
}

// ReplaceFlowSteps atomically swaps a flow's ordered step list.
func (db *DB) ReplaceFlowSteps(ctx context.Context, flowID uuid.UUID, steps []model.FlowStepInput) ([]model.FlowStep, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin replace steps tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the flow row so concurrent replaces serialize.
	var locked uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM flows WHERE id = $1 FOR UPDATE`, flowID).Scan(&locked); err != nil {
		return nil, wrapGet(err, "flow", flowID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM flow_steps WHERE flow_id = $1`, flowID); err != nil {
		return nil, fmt.Errorf("storage: clear flow steps: %w", err)
	}
	out, err := insertSteps(ctx, tx, flowID, steps)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE flows SET updated_at = now() WHERE id = $1`, flowID); err != nil {
		return nil, fmt.Errorf("storage: touch flow: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit replace steps tx: %w", err)
	}
	return out, nil
}

func insertSteps(ctx context.Context, tx pgx.Tx, flowID uuid.UUID, steps []model.FlowStepInput) ([]model.FlowStep, error) {
	out := make([]model.FlowStep, 0, len(steps))
	if len(steps) == 0 {
		return out, nil
	}
	batch := &pgx.Batch{}
	for i, in := range steps {
		cfg := in.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		step := model.FlowStep{ID: uuid.New(), FlowID: flowID, Position: i, Kind: in.Kind, Config: cfg}
		batch.Queue(
			`INSERT INTO flow_steps (id, flow_id, position, kind, config) VALUES ($1, $2, $3, $4, $5)`,
			step.ID, step.FlowID, step.Position, step.Kind, step.Config,
		)
		out = append(out, step)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("storage: insert flow steps: %w", err)
	}
	return out, nil
}

func (db *DB) listSteps(ctx context.Context, flowID uuid.UUID) ([]model.FlowStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, flow_id, position, kind, config FROM flow_steps WHERE flow_id = $1 ORDER BY position`, flowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list flow steps: %w", err)
	}
	defer rows.Close()

	steps := []model.FlowStep{}
	for rows.Next() {
		var s model.FlowStep
		if err := rows.Scan(&s.ID, &s.FlowID, &s.Position, &s.Kind, &s.Config); err != nil {
			return nil, fmt.Errorf("storage: scan flow step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// CreateFlowRule appends a routing rule to a flow.
func (db *DB) CreateFlowRule(ctx context.Context, r model.FlowRule) (model.FlowRule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO flow_rules (id, flow_id, name, condition, action, priority)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		r.ID, r.FlowID, r.Name, r.Condition, r.Action, r.Priority,
	).Scan(&r.CreatedAt)
	if err != nil {
		return model.FlowRule{}, fmt.Errorf("storage: create flow rule: %w", err)
	}
	return r, nil
}

// DeleteFlowRule removes a rule from a flow.
func (db *DB) DeleteFlowRule(ctx context.Context, flowID, ruleID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM flow_rules WHERE id = $1 AND flow_id = $2`, ruleID, flowID)
	if err != nil {
		return fmt.Errorf("storage: delete flow rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("flow rule", ruleID)
	}
	return nil
}

func (db *DB) listRules(ctx context.Context, flowID uuid.UUID) ([]model.FlowRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, flow_id, name, condition, action, priority, created_at
		 FROM flow_rules WHERE flow_id = $1 ORDER BY priority, created_at`, flowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list flow rules: %w", err)
	}
	defer rows.Close()

	rules := []model.FlowRule{}
	for rows.Next() {
		var r model.FlowRule
		if err := rows.Scan(&r.ID, &r.FlowID, &r.Name, &r.Condition, &r.Action, &r.Priority, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan flow rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
