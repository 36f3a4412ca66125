package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/portal/internal/model"
)

// InsertAuditLog appends an audit log row. The table is append-only apart
// from retention purges.
func (db *DB) InsertAuditLog(ctx context.Context, e model.AuditLog) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	var (
		beforeJSON []byte
		afterJSON  []byte
		err        error
	)
	if e.Before != nil {
		beforeJSON, err = json.Marshal(e.Before)
		if err != nil {
			return fmt.Errorf("storage: marshal audit before: %w", err)
		}
	}
	if e.After != nil {
		afterJSON, err = json.Marshal(e.After)
		if err != nil {
			return fmt.Errorf("storage: marshal audit after: %w", err)
		}
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal audit metadata: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_logs (
		     id, org_id, actor_id, actor_email, staff, method, endpoint, operation,
		     resource_type, resource_id, before_data, after_data, metadata, request_id
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13::jsonb, $14)`,
		e.ID, e.OrgID, e.ActorID, e.ActorEmail, e.Staff, e.Method, e.Endpoint, e.Operation,
		e.ResourceType, e.ResourceID, beforeJSON, afterJSON, metaJSON, e.RequestID,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit log: %w", err)
	}
	return nil
}

const auditColumns = `id, org_id, actor_id, actor_email, staff, method, endpoint, operation,
	resource_type, resource_id, before_data, after_data, metadata, request_id, created_at`

func scanAudit(row pgx.Row) (model.AuditLog, error) {
	var a model.AuditLog
	err := row.Scan(&a.ID, &a.OrgID, &a.ActorID, &a.ActorEmail, &a.Staff, &a.Method, &a.Endpoint,
		&a.Operation, &a.ResourceType, &a.ResourceID, &a.Before, &a.After, &a.Metadata,
		&a.RequestID, &a.CreatedAt)
	return a, err
}

// ListAuditLogs returns audit rows matching f, newest first.
func (db *DB) ListAuditLogs(ctx context.Context, f model.AuditFilter) ([]model.AuditLog, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.OrgID != nil {
		args = append(args, *f.OrgID)
		conds = append(conds, fmt.Sprintf("org_id = $%d", len(args)))
	}
	if f.ResourceType != "" {
		args = append(args, f.ResourceType)
		conds = append(conds, fmt.Sprintf("resource_type = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit logs: %w", err)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM audit_logs%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		auditColumns, where, f.Limit, f.Offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit logs: %w", err)
	}
	defer rows.Close()

	logs := []model.AuditLog{}
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan audit log: %w", err)
		}
		logs = append(logs, a)
	}
	return logs, total, rows.Err()
}
