// Package search maintains an optional Qdrant index of knowledge chunks.
//
// Postgres stays the source of truth. Chunk changes are queued in the
// search_outbox table inside the writing transaction and an OutboxWorker
// replays them into Qdrant. Readers hydrate hits from Postgres and fall back
// to pgvector when the index is unavailable.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result is a chunk ID and its cosine similarity from the index.
type Result struct {
	ChunkID uuid.UUID
	Score   float32
}

// Searcher is the read side of a chunk index. Implementations must be safe
// for concurrent use.
type Searcher interface {
	// Search returns chunk IDs nearest to embedding within an org, optionally
	// restricted to one knowledge source.
	Search(ctx context.Context, orgID uuid.UUID, embedding []float32, sourceID *uuid.UUID, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Index is the write side used by the outbox worker.
type Index interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByField(ctx context.Context, field string, id uuid.UUID) error
}

// Payload fields stored on every point. Each has a keyword index.
const (
	FieldOrg      = "org_id"
	FieldSource   = "source_id"
	FieldDocument = "document_id"
	FieldVersion  = "version_id"
)
