package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/portal/internal/model"
)

// Search outbox operations and scopes. An upsert always targets a version;
// a delete targets everything indexed under the scope's ID.
const (
	OutboxUpsert = "upsert"
	OutboxDelete = "delete"

	OutboxScopeVersion  = "version"
	OutboxScopeDocument = "document"
	OutboxScopeSource   = "source"
	OutboxScopeOrg      = "org"
)

// EnableSearchOutbox makes chunk writes and knowledge deletions queue
// search_outbox rows for an external index. It is off by default so the
// table stays empty when no index is configured.
func (db *DB) EnableSearchOutbox() {
	db.searchOutbox.Store(true)
}

// enqueueSearch queues one outbox row inside tx when the outbox is enabled.
func (db *DB) enqueueSearch(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, scope string, targetID uuid.UUID, op string) error {
	if !db.searchOutbox.Load() {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (org_id, scope, target_id, operation) VALUES ($1, $2, $3, $4)`,
		orgID, scope, targetID, op,
	); err != nil {
		return fmt.Errorf("storage: enqueue search %s %s: %w", op, scope, err)
	}
	return nil
}

// deleteOwned deletes one row of table inside a transaction and queues the
// matching index delete. The row's org_id is read under the same lock.
func (db *DB) deleteOwned(ctx context.Context, table, entity, scope string, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete %s tx: %w", entity, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orgID uuid.UUID
	err = tx.QueryRow(ctx, `DELETE FROM `+table+` WHERE id = $1 RETURNING org_id`, id).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, id)
	}
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", entity, err)
	}
	if err := db.enqueueSearch(ctx, tx, orgID, scope, id, OutboxDelete); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete %s tx: %w", entity, err)
	}
	return nil
}

// HydrateChunkMatches loads chunks by ID for index hits, keeping the order
// of ids. Chunks of superseded versions, of another org or outside sourceID
// are dropped. distances holds the distance for each id.
func (db *DB) HydrateChunkMatches(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID, distances map[uuid.UUID]float64, sourceID *uuid.UUID) ([]model.ChunkMatch, error) {
	if len(ids) == 0 {
		return []model.ChunkMatch{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.version_id, c.document_id, c.org_id, c.ordinal, c.content, c.token_count, d.title
		 FROM knowledge_chunks c
		 JOIN knowledge_documents d ON d.id = c.document_id
		 JOIN document_versions v ON v.id = c.version_id AND v.version = d.current_version
		 WHERE c.id = ANY($1) AND c.org_id = $2
		   AND ($3::uuid IS NULL OR d.source_id = $3)`,
		ids, orgID, sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: hydrate chunks: %w", err)
	}
	defer rows.Close()

	found := make(map[uuid.UUID]model.ChunkMatch, len(ids))
	for rows.Next() {
		var m model.ChunkMatch
		if err := rows.Scan(&m.ID, &m.VersionID, &m.DocumentID, &m.OrgID, &m.Ordinal, &m.Content,
			&m.TokenCount, &m.DocumentTitle); err != nil {
			return nil, fmt.Errorf("storage: scan hydrated chunk: %w", err)
		}
		m.HasEmbedding = true
		m.Distance = distances[m.ID]
		found[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: hydrate chunks: %w", err)
	}

	matches := make([]model.ChunkMatch, 0, len(found))
	for _, id := range ids {
		if m, ok := found[id]; ok {
			matches = append(matches, m)
		}
	}
	return matches, nil
}
