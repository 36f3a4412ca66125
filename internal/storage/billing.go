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

const billingColumns = `id, org_id, kind, description, amount_cents, currency, status,
	period_start, period_end, external_ref, issued_at, created_at, updated_at`

func scanBilling(row pgx.Row) (model.BillingRecord, error) {
	var b model.BillingRecord
	err := row.Scan(&b.ID, &b.OrgID, &b.Kind, &b.Description, &b.AmountCents, &b.Currency, &b.Status,
		&b.PeriodStart, &b.PeriodEnd, &b.ExternalRef, &b.IssuedAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// CreateBillingRecord inserts a billing record.
func (db *DB) CreateBillingRecord(ctx context.Context, b model.BillingRecord) (model.BillingRecord, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	if b.IssuedAt.IsZero() {
		b.IssuedAt = now
	}
	b.CreatedAt, b.UpdatedAt = now, now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO billing_records (`+billingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		b.ID, b.OrgID, b.Kind, b.Description, b.AmountCents, b.Currency, b.Status,
		b.PeriodStart, b.PeriodEnd, b.ExternalRef, b.IssuedAt, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return model.BillingRecord{}, fmt.Errorf("storage: create billing record: %w", err)
	}
	return b, nil
}

// GetBillingRecord retrieves a billing record by ID.
func (db *DB) GetBillingRecord(ctx context.Context, id uuid.UUID) (model.BillingRecord, error) {
	b, err := scanBilling(db.pool.QueryRow(ctx, `SELECT `+billingColumns+` FROM billing_records WHERE id = $1`, id))
	if err != nil {
		return model.BillingRecord{}, wrapGet(err, "billing record", id)
	}
	return b, nil
}

// ListBillingRecords returns billing records, newest first. A nil orgID
// lists every org.
func (db *DB) ListBillingRecords(ctx context.Context, orgID *uuid.UUID, page Page) ([]model.BillingRecord, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM billing_records WHERE $1::uuid IS NULL OR org_id = $1`, orgID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count billing records: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+billingColumns+` FROM billing_records
		 WHERE $1::uuid IS NULL OR org_id = $1
		 ORDER BY issued_at DESC, id LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list billing records: %w", err)
	}
	defer rows.Close()

	out := []model.BillingRecord{}
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan billing record: %w", err)
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

// UpdateBillingRecord writes the mutable fields of b and returns the stored row.
func (db *DB) UpdateBillingRecord(ctx context.Context, b model.BillingRecord) (model.BillingRecord, error) {
	updated, err := scanBilling(db.pool.QueryRow(ctx,
		`UPDATE billing_records SET description = $1, status = $2, external_ref = $3, updated_at = now()
		 WHERE id = $4 RETURNING `+billingColumns,
		b.Description, b.Status, b.ExternalRef, b.ID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BillingRecord{}, notFound("billing record", b.ID)
		}
		return model.BillingRecord{}, fmt.Errorf("storage: update billing record: %w", err)
	}
	return updated, nil
}
