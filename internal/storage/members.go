package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/portal/internal/model"
)

// AddMember inserts or updates a membership row.
func (db *DB) AddMember(ctx context.Context, m model.OrgMember) (model.OrgMember, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO org_members (org_id, user_id, email, role)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (org_id, user_id) DO UPDATE SET email = EXCLUDED.email, role = EXCLUDED.role
		 RETURNING created_at`,
		m.OrgID, m.UserID, m.Email, m.Role,
	).Scan(&m.CreatedAt)
	if err != nil {
		return model.OrgMember{}, fmt.Errorf("storage: add member: %w", err)
	}
	return m, nil
}

// ListMembers returns every member of an org ordered by join time.
func (db *DB) ListMembers(ctx context.Context, orgID uuid.UUID) ([]model.OrgMember, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT org_id, user_id, email, role, created_at FROM org_members
		 WHERE org_id = $1 ORDER BY created_at, user_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: list members: %w", err)
	}
	defer rows.Close()

	members := []model.OrgMember{}
	for rows.Next() {
		var m model.OrgMember
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// RemoveMember deletes a membership row.
func (db *DB) RemoveMember(ctx context.Context, orgID uuid.UUID, userID string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM org_members WHERE org_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return fmt.Errorf("storage: remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("member", userID)
	}
	return nil
}

// ListMemberships returns the orgs a user belongs to, with the user's role.
// An org whose external id equals externalOrgID is included with the member
// role when no explicit membership row exists.
func (db *DB) ListMemberships(ctx context.Context, userID, externalOrgID string) ([]model.Membership, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT o.id, o.name, o.slug, o.external_id, o.plan, o.created_at, o.updated_at,
		        COALESCE(m.role, 'member')
		 FROM organizations o
		 LEFT JOIN org_members m ON m.org_id = o.id AND m.user_id = $1
		 WHERE m.user_id IS NOT NULL OR ($2 <> '' AND o.external_id = $2)
		 ORDER BY o.name, o.id`,
		userID, externalOrgID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list memberships: %w", err)
	}
	defer rows.Close()

	out := []model.Membership{}
	for rows.Next() {
		var ms model.Membership
		if err := rows.Scan(
			&ms.ID, &ms.Name, &ms.Slug, &ms.ExternalID, &ms.Plan, &ms.CreatedAt, &ms.UpdatedAt, &ms.Role,
		); err != nil {
			return nil, fmt.Errorf("storage: scan membership: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}
