package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/portal/internal/model"
)

// recentActivityLimit is how many audit rows the overview shows.
const recentActivityLimit = 5

// GetOverview assembles the dashboard summary for an org. The independent
// queries run concurrently on separate pool connections.
func (db *DB) GetOverview(ctx context.Context, orgID uuid.UUID, now time.Time) (model.Overview, error) {
	ov := model.Overview{OrgID: orgID, RunsLast30Days: map[string]int{}}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		org, err := db.GetOrganization(gctx, orgID)
		if err != nil {
			return err
		}
		ov.Organization = org
		return nil
	})

	g.Go(func() error {
		err := db.pool.QueryRow(gctx,
			`SELECT
			     (SELECT COUNT(*) FROM sites WHERE org_id = $1),
			     (SELECT COUNT(*) FROM flows WHERE org_id = $1),
			     (SELECT COUNT(*) FROM knowledge_sources WHERE org_id = $1),
			     (SELECT COUNT(*) FROM knowledge_documents WHERE org_id = $1),
			     (SELECT COUNT(*) FROM integrations WHERE org_id = $1),
			     (SELECT COUNT(*) FROM actions WHERE org_id = $1)`, orgID,
		).Scan(&ov.Counts.Sites, &ov.Counts.Flows, &ov.Counts.KnowledgeSources,
			&ov.Counts.Documents, &ov.Counts.Integrations, &ov.Counts.Actions)
		if err != nil {
			return fmt.Errorf("storage: overview counts: %w", err)
		}
		return nil
	})

	runs := map[string]int{}
	g.Go(func() error {
		rows, err := db.pool.Query(gctx,
			`SELECT status, COUNT(*) FROM action_runs
			 WHERE org_id = $1 AND started_at >= $2 GROUP BY status`,
			orgID, now.AddDate(0, 0, -30))
		if err != nil {
			return fmt.Errorf("storage: overview runs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("storage: scan overview runs: %w", err)
			}
			runs[status] = n
		}
		return rows.Err()
	})

	g.Go(func() error {
		b, err := scanBilling(db.pool.QueryRow(gctx,
			`SELECT `+billingColumns+` FROM billing_records WHERE org_id = $1
			 ORDER BY issued_at DESC, id LIMIT 1`, orgID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: overview billing: %w", err)
		}
		ov.LatestBilling = &b
		return nil
	})

	g.Go(func() error {
		logs, _, err := db.ListAuditLogs(gctx, model.AuditFilter{OrgID: &orgID, Limit: recentActivityLimit})
		if err != nil {
			return err
		}
		ov.RecentActivity = logs
		return nil
	})

	if err := g.Wait(); err != nil {
		return model.Overview{}, err
	}
	for _, status := range []string{model.RunRunning, model.RunSucceeded, model.RunFailed} {
		ov.RunsLast30Days[status] = runs[status]
	}
	return ov, nil
}
