package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Knowledge source kinds.
const (
	SourceUpload = "upload"
	SourceURL    = "url"
	SourceManual = "manual"
)

// Knowledge source statuses.
const (
	SourcePending = "pending"
	SourceReady   = "ready"
	SourceError   = "error"
)

// Limits for knowledge content.
const (
	MaxDocumentBytes  = 5 * 1024 * 1024
	MaxChunksPerPut   = 2000
	MaxChunkBytes     = 16 * 1024
	DefaultSearchHits = 10
	MaxSearchHits     = 100
)

// KnowledgeSource groups documents that feed an org's assistant.
type KnowledgeSource struct {
	ID            uuid.UUID `json:"id"`
	OrgID         uuid.UUID `json:"org_id"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	URL           *string   `json:"url,omitempty"`
	Status        string    `json:"status"`
	DocumentCount int       `json:"document_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Document is a versioned piece of knowledge within a source.
type Document struct {
	ID             uuid.UUID         `json:"id"`
	SourceID       uuid.UUID         `json:"source_id"`
	OrgID          uuid.UUID         `json:"org_id"`
	Title          string            `json:"title"`
	CurrentVersion int               `json:"current_version"`
	Versions       []DocumentVersion `json:"versions,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// DocumentVersion is an immutable snapshot of a document's content.
// Content is only populated when a single version is fetched; ContentKey
// locates the body in the blob store when it is not stored inline.
type DocumentVersion struct {
	ID            uuid.UUID `json:"id"`
	DocumentID    uuid.UUID `json:"document_id"`
	Version       int       `json:"version"`
	ContentType   string    `json:"content_type"`
	ContentSHA256 string    `json:"content_sha256"`
	SizeBytes     int64     `json:"size_bytes"`
	ChunkCount    int       `json:"chunk_count"`
	Content       *string   `json:"content,omitempty"`
	ContentKey    *string   `json:"-"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Chunk is a retrieval unit cut from a document version.
type Chunk struct {
	ID           uuid.UUID `json:"id"`
	VersionID    uuid.UUID `json:"version_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	OrgID        uuid.UUID `json:"org_id"`
	Ordinal      int       `json:"ordinal"`
	Content      string    `json:"content"`
	TokenCount   int       `json:"token_count"`
	HasEmbedding bool      `json:"has_embedding"`
	Embedding    []float32 `json:"-"`
}

// ChunkMatch is a search hit.
type ChunkMatch struct {
	Chunk
	DocumentTitle string  `json:"document_title"`
	Distance      float64 `json:"distance"`
}

// CreateSourceRequest is the request body for POST /knowledge/sources.
type CreateSourceRequest struct {
	OrgID uuid.UUID `json:"org_id"`
	Name  string    `json:"name"`
	Kind  string    `json:"kind,omitempty"`
	URL   *string   `json:"url,omitempty"`
}

// UpdateSourceRequest is the request body for PATCH /knowledge/sources/{id}.
type UpdateSourceRequest struct {
	Name   *string `json:"name,omitempty"`
	URL    *string `json:"url,omitempty"`
	Status *string `json:"status,omitempty"`
}

// CreateDocumentRequest is the request body for POST /knowledge/sources/{id}/documents.
type CreateDocumentRequest struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// AddVersionRequest is the request body for POST /knowledge/documents/{id}/versions.
type AddVersionRequest struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// ChunkInput is one chunk in a replace request.
type ChunkInput struct {
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// ReplaceChunksRequest is the request body for PUT .../versions/{version}/chunks.
type ReplaceChunksRequest struct {
	Chunks []ChunkInput `json:"chunks"`
}

// SearchRequest is the request body for POST /knowledge/search.
type SearchRequest struct {
	Embedding []float32  `json:"embedding,omitempty"`
	Query     string     `json:"query,omitempty"` // Embedded server-side when no embedding is given.
	SourceID  *uuid.UUID `json:"source_id,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// Validate checks required fields and applies defaults.
func (r *CreateSourceRequest) Validate() error {
	if err := requireName("name", r.Name); err != nil {
		return err
	}
	if r.Kind == "" {
		r.Kind = SourceManual
	}
	if err := oneOf("kind", r.Kind, SourceUpload, SourceURL, SourceManual); err != nil {
		return err
	}
	if r.Kind == SourceURL && (r.URL == nil || *r.URL == "") {
		return fmt.Errorf("url is required for url sources")
	}
	if r.URL != nil && *r.URL != "" {
		return ValidatePublicURL("url", *r.URL)
	}
	return nil
}

// Validate checks the fields that are present.
func (r UpdateSourceRequest) Validate() error {
	if r.Name != nil {
		if err := requireName("name", *r.Name); err != nil {
			return err
		}
	}
	if r.URL != nil && *r.URL != "" {
		if err := ValidatePublicURL("url", *r.URL); err != nil {
			return err
		}
	}
	if r.Status != nil {
		return oneOf("status", *r.Status, SourcePending, SourceReady, SourceError)
	}
	return nil
}

// Apply copies the present fields onto s.
func (r UpdateSourceRequest) Apply(s *KnowledgeSource) {
	if r.Name != nil {
		s.Name = *r.Name
	}
	if r.URL != nil {
		if *r.URL == "" {
			s.URL = nil
		} else {
			s.URL = r.URL
		}
	}
	if r.Status != nil {
		s.Status = *r.Status
	}
}

func validateContent(content string, contentType *string) error {
	if content == "" {
		return fmt.Errorf("content is required")
	}
	if len(content) > MaxDocumentBytes {
		return fmt.Errorf("content exceeds maximum size of %d bytes", MaxDocumentBytes)
	}
	if *contentType == "" {
		*contentType = "text/plain"
	}
	return oneOf("content_type", *contentType, "text/plain", "text/markdown", "text/html")
}

// Validate checks required fields and applies defaults.
func (r *CreateDocumentRequest) Validate() error {
	if err := requireName("title", r.Title); err != nil {
		return err
	}
	return validateContent(r.Content, &r.ContentType)
}

// Validate checks required fields and applies defaults.
func (r *AddVersionRequest) Validate() error {
	return validateContent(r.Content, &r.ContentType)
}

// Validate checks chunk sizes and embedding dimensions.
func (r ReplaceChunksRequest) Validate(dims int) error {
	if len(r.Chunks) > MaxChunksPerPut {
		return fmt.Errorf("at most %d chunks may be stored per version", MaxChunksPerPut)
	}
	for i, c := range r.Chunks {
		if c.Content == "" {
			return fmt.Errorf("chunks[%d].content is required", i)
		}
		if len(c.Content) > MaxChunkBytes {
			return fmt.Errorf("chunks[%d].content exceeds maximum size of %d bytes", i, MaxChunkBytes)
		}
		if c.Embedding != nil && len(c.Embedding) != dims {
			return fmt.Errorf("chunks[%d].embedding must have %d dimensions (got %d)", i, dims, len(c.Embedding))
		}
	}
	return nil
}

// Validate checks that exactly one of embedding and query is set and clamps
// the limit.
func (r *SearchRequest) Validate(dims int) error {
	switch {
	case r.Embedding != nil && r.Query != "":
		return fmt.Errorf("set embedding or query, not both")
	case r.Embedding == nil && strings.TrimSpace(r.Query) == "":
		return fmt.Errorf("embedding or query is required")
	case r.Embedding != nil && len(r.Embedding) != dims:
		return fmt.Errorf("embedding must have %d dimensions (got %d)", dims, len(r.Embedding))
	case len(r.Query) > MaxChunkBytes:
		return fmt.Errorf("query exceeds maximum size of %d bytes", MaxChunkBytes)
	}
	if r.Limit <= 0 {
		r.Limit = DefaultSearchHits
	}
	if r.Limit > MaxSearchHits {
		r.Limit = MaxSearchHits
	}
	return nil
}
