package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/portal/internal/model"
)

const sourceColumns = `s.id, s.org_id, s.name, s.kind, s.url, s.status,
	(SELECT COUNT(*) FROM knowledge_documents d WHERE d.source_id = s.id),
	s.created_at, s.updated_at`

func scanSource(row pgx.Row) (model.KnowledgeSource, error) {
	var s model.KnowledgeSource
	err := row.Scan(&s.ID, &s.OrgID, &s.Name, &s.Kind, &s.URL, &s.Status, &s.DocumentCount, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// CreateKnowledgeSource inserts a new knowledge source.
func (db *DB) CreateKnowledgeSource(ctx context.Context, s model.KnowledgeSource) (model.KnowledgeSource, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = model.SourcePending
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO knowledge_sources (id, org_id, name, kind, url, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.OrgID, s.Name, s.Kind, s.URL, s.Status, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.KnowledgeSource{}, fmt.Errorf("storage: create knowledge source: %w", err)
	}
	return s, nil
}

// GetKnowledgeSource retrieves a source by ID with its document count.
func (db *DB) GetKnowledgeSource(ctx context.Context, id uuid.UUID) (model.KnowledgeSource, error) {
	s, err := scanSource(db.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM knowledge_sources s WHERE s.id = $1`, id))
	if err != nil {
		return model.KnowledgeSource{}, wrapGet(err, "knowledge source", id)
	}
	return s, nil
}

// ListKnowledgeSources returns an org's sources ordered by name.
func (db *DB) ListKnowledgeSources(ctx context.Context, orgID uuid.UUID, page Page) ([]model.KnowledgeSource, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_sources WHERE org_id = $1`, orgID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count knowledge sources: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM knowledge_sources s WHERE s.org_id = $1
		 ORDER BY s.name, s.id LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list knowledge sources: %w", err)
	}
	defer rows.Close()

	sources := []model.KnowledgeSource{}
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan knowledge source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, total, rows.Err()
}

// UpdateKnowledgeSource writes the mutable fields of s and returns the stored row.
func (db *DB) UpdateKnowledgeSource(ctx context.Context, s model.KnowledgeSource) (model.KnowledgeSource, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE knowledge_sources SET name = $1, url = $2, status = $3, updated_at = now() WHERE id = $4`,
		s.Name, s.URL, s.Status, s.ID,
	)
	if err != nil {
		return model.KnowledgeSource{}, fmt.Errorf("storage: update knowledge source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.KnowledgeSource{}, notFound("knowledge source", s.ID)
	}
	return db.GetKnowledgeSource(ctx, s.ID)
}

// DeleteKnowledgeSource removes a source with its documents, versions and chunks.
func (db *DB) DeleteKnowledgeSource(ctx context.Context, id uuid.UUID) error {
	return db.deleteOwned(ctx, "knowledge_sources", "knowledge source", OutboxScopeSource, id)
}

// VersionContent is the body of a new document version.
type VersionContent struct {
	Content     string
	ContentType string
	CreatedBy   string
}

// OffloadFunc stores a version body outside the database and returns its key.
// It is called inside the version transaction once the version number is known.
type OffloadFunc func(ctx context.Context, documentID uuid.UUID, version int, body []byte) (string, error)

const documentColumns = `id, source_id, org_id, title, current_version, created_at, updated_at`

func scanDocument(row pgx.Row) (model.Document, error) {
	var d model.Document
	err := row.Scan(&d.ID, &d.SourceID, &d.OrgID, &d.Title, &d.CurrentVersion, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// CreateDocument inserts a document and its first version in one transaction.
// With a non-nil offload the body is stored through it instead of inline.
func (db *DB) CreateDocument(ctx context.Context, d model.Document, vc VersionContent, offload OffloadFunc) (model.Document, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Document{}, fmt.Errorf("storage: begin create document tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO knowledge_documents (id, source_id, org_id, title, current_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		d.ID, d.SourceID, d.OrgID, d.Title, d.CreatedAt, d.UpdatedAt,
	); err != nil {
		return model.Document{}, fmt.Errorf("storage: create document: %w", err)
	}

	v, err := appendVersionTx(ctx, tx, d.ID, vc, offload)
	if err != nil {
		return model.Document{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Document{}, fmt.Errorf("storage: commit create document tx: %w", err)
	}

	v.Content = nil
	d.CurrentVersion = v.Version
	d.Versions = []model.DocumentVersion{v}
	return d, nil
}

// AddDocumentVersion appends version n+1 to a document and makes it current.
func (db *DB) AddDocumentVersion(ctx context.Context, documentID uuid.UUID, vc VersionContent, offload OffloadFunc) (model.DocumentVersion, error) {
	var v model.DocumentVersion
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin add version tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		v, err = appendVersionTx(ctx, tx, documentID, vc, offload)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit add version tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.DocumentVersion{}, err
	}
	v.Content = nil
	return v, nil
}

func appendVersionTx(ctx context.Context, tx pgx.Tx, documentID uuid.UUID, vc VersionContent, offload OffloadFunc) (model.DocumentVersion, error) {
	var current int
	if err := tx.QueryRow(ctx,
		`SELECT current_version FROM knowledge_documents WHERE id = $1 FOR UPDATE`, documentID,
	).Scan(&current); err != nil {
		return model.DocumentVersion{}, wrapGet(err, "document", documentID)
	}

	body := []byte(vc.Content)
	sum := sha256.Sum256(body)
	v := model.DocumentVersion{
		ID:            uuid.New(),
		DocumentID:    documentID,
		Version:       current + 1,
		ContentType:   vc.ContentType,
		ContentSHA256: hex.EncodeToString(sum[:]),
		SizeBytes:     int64(len(body)),
		CreatedBy:     vc.CreatedBy,
		CreatedAt:     time.Now().UTC(),
	}
	if offload != nil {
		key, err := offload(ctx, documentID, v.Version, body)
		if err != nil {
			return model.DocumentVersion{}, fmt.Errorf("storage: offload version content: %w", err)
		}
		v.ContentKey = &key
	} else {
		content := vc.Content
		v.Content = &content
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO document_versions
		     (id, document_id, version, content_type, content, content_key, content_sha256, size_bytes, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.DocumentID, v.Version, v.ContentType, v.Content, v.ContentKey,
		v.ContentSHA256, v.SizeBytes, v.CreatedBy, v.CreatedAt,
	); err != nil {
		return model.DocumentVersion{}, fmt.Errorf("storage: insert document version: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE knowledge_documents SET current_version = $1, updated_at = now() WHERE id = $2`,
		v.Version, documentID,
	); err != nil {
		return model.DocumentVersion{}, fmt.Errorf("storage: advance document version: %w", err)
	}
	return v, nil
}

// GetDocument retrieves a document by ID. With versions, the version list
// (metadata only) is loaded newest first.
func (db *DB) GetDocument(ctx context.Context, id uuid.UUID, versions bool) (model.Document, error) {
	d, err := scanDocument(db.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM knowledge_documents WHERE id = $1`, id))
	if err != nil {
		return model.Document{}, wrapGet(err, "document", id)
	}
	if !versions {
		return d, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM document_versions v WHERE v.document_id = $1 ORDER BY v.version DESC`, id)
	if err != nil {
		return model.Document{}, fmt.Errorf("storage: list document versions: %w", err)
	}
	defer rows.Close()

	d.Versions = []model.DocumentVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return model.Document{}, fmt.Errorf("storage: scan document version: %w", err)
		}
		d.Versions = append(d.Versions, v)
	}
	return d, rows.Err()
}

// ListDocuments returns a source's documents ordered by title.
func (db *DB) ListDocuments(ctx context.Context, sourceID uuid.UUID, page Page) ([]model.Document, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_documents WHERE source_id = $1`, sourceID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count documents: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM knowledge_documents WHERE source_id = $1
		 ORDER BY title, id LIMIT $2 OFFSET $3`,
		sourceID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list documents: %w", err)
	}
	defer rows.Close()

	docs := []model.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

// DeleteDocument removes a document and returns the blob keys of its
// versions so the caller can remove the stored bodies.
func (db *DB) DeleteDocument(ctx context.Context, id uuid.UUID) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_key FROM document_versions WHERE document_id = $1 AND content_key IS NOT NULL`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: list document blob keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: scan document blob keys: %w", err)
	}
	if err := db.deleteOwned(ctx, "knowledge_documents", "document", OutboxScopeDocument, id); err != nil {
		return nil, err
	}
	return keys, nil
}

const versionColumns = `v.id, v.document_id, v.version, v.content_type, v.content_sha256, v.size_bytes,
	(SELECT COUNT(*) FROM knowledge_chunks c WHERE c.version_id = v.id),
	v.content_key, v.created_by, v.created_at`

func scanVersion(row pgx.Row) (model.DocumentVersion, error) {
	var v model.DocumentVersion
	err := row.Scan(&v.ID, &v.DocumentID, &v.Version, &v.ContentType, &v.ContentSHA256, &v.SizeBytes,
		&v.ChunkCount, &v.ContentKey, &v.CreatedBy, &v.CreatedAt)
	return v, err
}

// GetDocumentVersion retrieves one version including its inline content.
// For offloaded versions Content is nil and ContentKey is set.
func (db *DB) GetDocumentVersion(ctx context.Context, documentID uuid.UUID, version int) (model.DocumentVersion, error) {
	var v model.DocumentVersion
	err := db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+`, v.content FROM document_versions v
		 WHERE v.document_id = $1 AND v.version = $2`,
		documentID, version,
	).Scan(&v.ID, &v.DocumentID, &v.Version, &v.ContentType, &v.ContentSHA256, &v.SizeBytes,
		&v.ChunkCount, &v.ContentKey, &v.CreatedBy, &v.CreatedAt, &v.Content)
	if err != nil {
		return model.DocumentVersion{}, wrapGet(err, "document version", fmt.Sprintf("%s/v%d", documentID, version))
	}
	return v, nil
}

// ReplaceChunks atomically swaps the chunks of a document version.
func (db *DB) ReplaceChunks(ctx context.Context, v model.DocumentVersion, orgID uuid.UUID, chunks []model.ChunkInput) ([]model.Chunk, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin replace chunks tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_chunks WHERE version_id = $1`, v.ID); err != nil {
		return nil, fmt.Errorf("storage: clear chunks: %w", err)
	}

	out := make([]model.Chunk, 0, len(chunks))
	batch := &pgx.Batch{}
	for i, in := range chunks {
		c := model.Chunk{
			ID:           uuid.New(),
			VersionID:    v.ID,
			DocumentID:   v.DocumentID,
			OrgID:        orgID,
			Ordinal:      i,
			Content:      in.Content,
			TokenCount:   in.TokenCount,
			HasEmbedding: in.Embedding != nil,
		}
		var emb *pgvector.Vector
		if in.Embedding != nil {
			vec := pgvector.NewVector(in.Embedding)
			emb = &vec
		}
		batch.Queue(
			`INSERT INTO knowledge_chunks (id, version_id, document_id, org_id, ordinal, content, token_count, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.VersionID, c.DocumentID, c.OrgID, c.Ordinal, c.Content, c.TokenCount, emb,
		)
		out = append(out, c)
	}
	if len(chunks) > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("storage: insert chunks: %w", err)
		}
	}
	if err := db.enqueueSearch(ctx, tx, orgID, OutboxScopeVersion, v.ID, OutboxUpsert); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit replace chunks tx: %w", err)
	}
	return out, nil
}

// ListChunks returns a version's chunks in order.
func (db *DB) ListChunks(ctx context.Context, versionID uuid.UUID) ([]model.Chunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, version_id, document_id, org_id, ordinal, content, token_count, embedding IS NOT NULL
		 FROM knowledge_chunks WHERE version_id = $1 ORDER BY ordinal`, versionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list chunks: %w", err)
	}
	defer rows.Close()

	chunks := []model.Chunk{}
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.ID, &c.VersionID, &c.DocumentID, &c.OrgID, &c.Ordinal,
			&c.Content, &c.TokenCount, &c.HasEmbedding); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SearchChunks returns the chunks of current document versions nearest to
// embedding by cosine distance. sourceID optionally restricts the search.
func (db *DB) SearchChunks(ctx context.Context, orgID uuid.UUID, embedding []float32, sourceID *uuid.UUID, limit int) ([]model.ChunkMatch, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.version_id, c.document_id, c.org_id, c.ordinal, c.content, c.token_count,
		        d.title, c.embedding <=> $2 AS distance
		 FROM knowledge_chunks c
		 JOIN knowledge_documents d ON d.id = c.document_id
		 JOIN document_versions v ON v.id = c.version_id AND v.version = d.current_version
		 WHERE c.org_id = $1
		   AND c.embedding IS NOT NULL
		   AND vector_dims(c.embedding) = $3
		   AND ($4::uuid IS NULL OR d.source_id = $4)
		 ORDER BY distance
		 LIMIT $5`,
		orgID, pgvector.NewVector(embedding), len(embedding), sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search chunks: %w", err)
	}
	defer rows.Close()

	matches := []model.ChunkMatch{}
	for rows.Next() {
		var m model.ChunkMatch
		if err := rows.Scan(&m.ID, &m.VersionID, &m.DocumentID, &m.OrgID, &m.Ordinal, &m.Content,
			&m.TokenCount, &m.DocumentTitle, &m.Distance); err != nil {
			return nil, fmt.Errorf("storage: scan chunk match: %w", err)
		}
		m.HasEmbedding = true
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
