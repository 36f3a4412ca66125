package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/portal/internal/blob"
	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/search"
	"github.com/ashita-ai/portal/internal/storage"
)

// HandleListSources handles GET /knowledge/sources?orgId=.
func (h *Handlers) HandleListSources(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	page := queryPage(r)
	sources, total, err := h.db.ListKnowledgeSources(r.Context(), orgID, page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list knowledge sources", err)
		return
	}
	writeList(w, r, "sources", sources, total, page)
}

// HandleCreateSource handles POST /knowledge/sources.
func (h *Handlers) HandleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSourceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	orgID, ok := h.bodyOrg(w, r, req.OrgID)
	if !ok {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	src, err := h.db.CreateKnowledgeSource(r.Context(), model.KnowledgeSource{
		OrgID: orgID,
		Name:  req.Name,
		Kind:  req.Kind,
		URL:   req.URL,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(orgID), operation: "knowledge_source.create", resourceType: "knowledge_source",
		resourceID: src.ID.String(), after: src,
	})
	writeJSON(w, r, http.StatusCreated, src)
}

// loadSource fetches the source named by the id path value and authorizes its org.
func (h *Handlers) loadSource(w http.ResponseWriter, r *http.Request) (model.KnowledgeSource, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return model.KnowledgeSource{}, false
	}
	src, err := h.db.GetKnowledgeSource(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return model.KnowledgeSource{}, false
	}
	return src, h.authorizeOrg(w, r, src.OrgID)
}

// HandleGetSource handles GET /knowledge/sources/{id}.
func (h *Handlers) HandleGetSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.loadSource(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, src)
}

// HandleUpdateSource handles PATCH /knowledge/sources/{id}.
func (h *Handlers) HandleUpdateSource(w http.ResponseWriter, r *http.Request) {
	before, ok := h.loadSource(w, r)
	if !ok {
		return
	}
	var req model.UpdateSourceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	next := before
	req.Apply(&next)
	src, err := h.db.UpdateKnowledgeSource(r.Context(), next)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(src.OrgID), operation: "knowledge_source.update", resourceType: "knowledge_source",
		resourceID: src.ID.String(), before: before, after: src,
	})
	writeJSON(w, r, http.StatusOK, src)
}

// HandleDeleteSource handles DELETE /knowledge/sources/{id}. Offloaded
// document bodies are removed from the blob store afterwards.
func (h *Handlers) HandleDeleteSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	var keys []string
	for offset := 0; ; offset += maxQueryLimit {
		docs, _, err := h.db.ListDocuments(r.Context(), src.ID, storage.Page{Limit: maxQueryLimit, Offset: offset})
		if err != nil {
			h.writeInternalError(w, r, "failed to list documents", err)
			return
		}
		for _, d := range docs {
			if h.blobs == nil {
				continue
			}
			for v := 1; v <= d.CurrentVersion; v++ {
				keys = append(keys, blob.DocumentKey(src.OrgID, d.ID, v))
			}
		}
		if len(docs) < maxQueryLimit {
			break
		}
	}

	if err := h.db.DeleteKnowledgeSource(r.Context(), src.ID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.deleteBlobs(r.Context(), keys)

	h.recordAudit(r, auditEvent{
		orgID: orgRef(src.OrgID), operation: "knowledge_source.delete", resourceType: "knowledge_source",
		resourceID: src.ID.String(), before: src,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleListDocuments handles GET /knowledge/sources/{id}/documents.
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	src, ok := h.loadSource(w, r)
	if !ok {
		return
	}
	page := queryPage(r)
	docs, total, err := h.db.ListDocuments(r.Context(), src.ID, page)
	if err != nil {
		h.writeInternalError(w, r, "failed to list documents", err)
		return
	}
	writeList(w, r, "documents", docs, total, page)
}

// HandleCreateDocument handles POST /knowledge/sources/{id}/documents,
// storing the document with its first version.
func (h *Handlers) HandleCreateDocument(w http.ResponseWriter, r *http.Request) {
	src, ok := h.loadSource(w, r)
	if !ok {
		return
	}
	var req model.CreateDocumentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	doc, err := h.db.CreateDocument(r.Context(),
		model.Document{SourceID: src.ID, OrgID: src.OrgID, Title: req.Title},
		h.versionContent(r, req.Content, req.ContentType),
		h.offload(src.OrgID, req.ContentType),
	)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(src.OrgID), operation: "document.create", resourceType: "document",
		resourceID: doc.ID.String(), after: doc, metadata: map[string]any{"source_id": src.ID},
	})
	writeJSON(w, r, http.StatusCreated, doc)
}

// loadDocument fetches the document named by the id path value and authorizes its org.
func (h *Handlers) loadDocument(w http.ResponseWriter, r *http.Request, versions bool) (model.Document, bool) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return model.Document{}, false
	}
	doc, err := h.db.GetDocument(r.Context(), id, versions)
	if err != nil {
		h.writeFailure(w, r, err)
		return model.Document{}, false
	}
	return doc, h.authorizeOrg(w, r, doc.OrgID)
}

// HandleGetDocument handles GET /knowledge/documents/{id}, including the version list.
func (h *Handlers) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadDocument(w, r, true)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

// HandleDeleteDocument handles DELETE /knowledge/documents/{id}.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadDocument(w, r, false)
	if !ok {
		return
	}
	keys, err := h.db.DeleteDocument(r.Context(), doc.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.deleteBlobs(r.Context(), keys)

	h.recordAudit(r, auditEvent{
		orgID: orgRef(doc.OrgID), operation: "document.delete", resourceType: "document",
		resourceID: doc.ID.String(), before: doc,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddVersion handles POST /knowledge/documents/{id}/versions.
func (h *Handlers) HandleAddVersion(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadDocument(w, r, false)
	if !ok {
		return
	}
	var req model.AddVersionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	v, err := h.db.AddDocumentVersion(r.Context(), doc.ID,
		h.versionContent(r, req.Content, req.ContentType),
		h.offload(doc.OrgID, req.ContentType),
	)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(doc.OrgID), operation: "document.version.create", resourceType: "document_version",
		resourceID: v.ID.String(), after: v, metadata: map[string]any{"document_id": doc.ID, "version": v.Version},
	})
	writeJSON(w, r, http.StatusCreated, v)
}

// loadVersion resolves {id} and {version} to an authorized document version.
func (h *Handlers) loadVersion(w http.ResponseWriter, r *http.Request) (model.Document, model.DocumentVersion, bool) {
	doc, ok := h.loadDocument(w, r, false)
	if !ok {
		return model.Document{}, model.DocumentVersion{}, false
	}
	n, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || n < 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid version")
		return model.Document{}, model.DocumentVersion{}, false
	}
	v, err := h.db.GetDocumentVersion(r.Context(), doc.ID, n)
	if err != nil {
		h.writeFailure(w, r, err)
		return model.Document{}, model.DocumentVersion{}, false
	}
	return doc, v, true
}

// HandleGetVersion handles GET /knowledge/documents/{id}/versions/{version}.
// Offloaded content is read back from the blob store.
func (h *Handlers) HandleGetVersion(w http.ResponseWriter, r *http.Request) {
	_, v, ok := h.loadVersion(w, r)
	if !ok {
		return
	}
	if v.Content == nil && v.ContentKey != nil {
		if h.blobs == nil {
			h.writeInternalError(w, r, "document content is offloaded but no blob store is configured", nil)
			return
		}
		body, err := h.blobs.Get(r.Context(), *v.ContentKey)
		if err != nil {
			h.writeInternalError(w, r, "failed to read document content", err)
			return
		}
		content := string(body)
		v.Content = &content
	}
	writeJSON(w, r, http.StatusOK, v)
}

// HandleListChunks handles GET /knowledge/documents/{id}/versions/{version}/chunks.
func (h *Handlers) HandleListChunks(w http.ResponseWriter, r *http.Request) {
	_, v, ok := h.loadVersion(w, r)
	if !ok {
		return
	}
	chunks, err := h.db.ListChunks(r.Context(), v.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list chunks", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"version_id": v.ID, "chunks": chunks, "total": len(chunks)})
}

// HandleReplaceChunks handles PUT /knowledge/documents/{id}/versions/{version}/chunks.
func (h *Handlers) HandleReplaceChunks(w http.ResponseWriter, r *http.Request) {
	doc, v, ok := h.loadVersion(w, r)
	if !ok {
		return
	}
	var req model.ReplaceChunksRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(h.embeddingDims); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.embedMissing(r.Context(), req.Chunks); err != nil {
		h.logger.Error("embed chunks failed", "error", err, "document_id", doc.ID)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "embedding provider failed")
		return
	}

	chunks, err := h.db.ReplaceChunks(r.Context(), v, doc.OrgID, req.Chunks)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.recordAudit(r, auditEvent{
		orgID: orgRef(doc.OrgID), operation: "document.chunks.replace", resourceType: "document_version",
		resourceID: v.ID.String(),
		metadata:   map[string]any{"document_id": doc.ID, "version": v.Version, "chunks": len(chunks)},
	})
	writeJSON(w, r, http.StatusOK, map[string]any{"version_id": v.ID, "chunks": chunks, "total": len(chunks)})
}

// HandleSearch handles POST /knowledge/search?orgId=.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.queryOrg(w, r)
	if !ok {
		return
	}
	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(h.embeddingDims); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.SourceID != nil {
		src, err := h.db.GetKnowledgeSource(r.Context(), *req.SourceID)
		switch {
		case err != nil && !isNotFoundError(err):
			h.writeInternalError(w, r, "failed to load knowledge source", err)
			return
		case err != nil || src.OrgID != orgID:
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "knowledge source not found")
			return
		}
	}
	if req.Embedding == nil {
		if h.embedder == nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"query search requires an embedding provider; send embedding instead")
			return
		}
		vec, err := h.embedder.Embed(r.Context(), req.Query)
		if err == nil {
			err = checkEmbeddings([][]float32{vec}, 1, h.embeddingDims)
		}
		if err != nil {
			h.logger.Error("embed query failed", "error", err, "org_id", orgID)
			writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "embedding provider failed")
			return
		}
		req.Embedding = vec
	}

	matches, err := h.searchChunks(r.Context(), orgID, req)
	if err != nil {
		h.writeInternalError(w, r, "failed to search knowledge", err)
		return
	}
	if matches == nil {
		matches = []model.ChunkMatch{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": matches, "total": len(matches)})
}

// embedMissing fills in embeddings for chunks sent without one. Without a
// provider the chunks are stored unembedded.
func (h *Handlers) embedMissing(ctx context.Context, chunks []model.ChunkInput) error {
	if h.embedder == nil {
		return nil
	}
	var idx []int
	var texts []string
	for i, c := range chunks {
		if c.Embedding == nil {
			idx = append(idx, i)
			texts = append(texts, c.Content)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := h.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if err := checkEmbeddings(vecs, len(texts), h.embeddingDims); err != nil {
		return err
	}
	for j, i := range idx {
		chunks[i].Embedding = vecs[j]
	}
	return nil
}

// checkEmbeddings rejects provider output that does not hold exactly want
// vectors of dims values each.
func checkEmbeddings(vecs [][]float32, want, dims int) error {
	if len(vecs) != want {
		return fmt.Errorf("embedding provider returned %d vectors for %d texts", len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) != dims {
			return fmt.Errorf("embedding provider returned %d dimensions at %d, want %d", len(v), i, dims)
		}
	}
	return nil
}

// searchChunks answers from the external index when one is configured and
// healthy, hydrating hits from Postgres. Otherwise it uses pgvector.
func (h *Handlers) searchChunks(ctx context.Context, orgID uuid.UUID, req model.SearchRequest) ([]model.ChunkMatch, error) {
	if h.searcher != nil {
		err := h.searcher.Healthy(ctx)
		if err == nil {
			var results []search.Result
			// Over-fetch: hits from superseded versions are dropped on hydration.
			results, err = h.searcher.Search(ctx, orgID, req.Embedding, req.SourceID, req.Limit*3)
			if err == nil {
				ids := make([]uuid.UUID, len(results))
				distances := make(map[uuid.UUID]float64, len(results))
				for i, res := range results {
					ids[i] = res.ChunkID
					distances[res.ChunkID] = 1 - float64(res.Score)
				}
				matches, err := h.db.HydrateChunkMatches(ctx, orgID, ids, distances, req.SourceID)
				if err != nil {
					return nil, err
				}
				if len(matches) > req.Limit {
					matches = matches[:req.Limit]
				}
				return matches, nil
			}
		}
		h.logger.Warn("knowledge search: index unavailable, using pgvector", "error", err)
	}
	return h.db.SearchChunks(ctx, orgID, req.Embedding, req.SourceID, req.Limit)
}

func (h *Handlers) versionContent(r *http.Request, content, contentType string) storage.VersionContent {
	return storage.VersionContent{
		Content:     content,
		ContentType: contentType,
		CreatedBy:   ClaimsFromContext(r.Context()).Subject,
	}
}

// offload returns the storage hook that writes version bodies to the blob
// store, or nil to keep them inline.
func (h *Handlers) offload(orgID uuid.UUID, contentType string) storage.OffloadFunc {
	if h.blobs == nil {
		return nil
	}
	return func(ctx context.Context, documentID uuid.UUID, version int, body []byte) (string, error) {
		key := blob.DocumentKey(orgID, documentID, version)
		if err := h.blobs.Put(ctx, key, body, contentType); err != nil {
			return "", err
		}
		return key, nil
	}
}

// deleteBlobs removes offloaded bodies. Failures leave orphaned objects
// and are only logged.
func (h *Handlers) deleteBlobs(ctx context.Context, keys []string) {
	if h.blobs == nil {
		return
	}
	for _, key := range keys {
		if err := h.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
			h.logger.Warn("blob delete failed", "key", key, "error", err)
		}
	}
}
