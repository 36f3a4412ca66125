package portal

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// TokenVerifier validates a bearer token. When provided via
// WithTokenVerifier it replaces the Clerk JWKS verifier built from
// PORTAL_JWKS_URL. Return an error for any token that must get a 401.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*Claims, error)
}

// EmbeddingProvider turns text into vectors for chunks sent without an
// embedding and for query-text searches. When provided via
// WithEmbeddingProvider it replaces the provider selected by
// PORTAL_EMBEDDING_PROVIDER. Dimensions must equal
// PORTAL_EMBEDDING_DIMENSIONS.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Searcher is an external nearest-neighbour index over knowledge chunks.
// When provided via WithSearcher it replaces the Qdrant index. Results are
// hydrated from Postgres, so hits for deleted or superseded chunks are
// dropped. While Healthy returns an error, search uses pgvector.
type Searcher interface {
	Search(ctx context.Context, orgID uuid.UUID, embedding []float32, sourceID *uuid.UUID, limit int) ([]SearchResult, error)
	Healthy(ctx context.Context) error
}

// BlobStore holds knowledge document bodies outside Postgres. When provided
// via WithBlobStore it replaces the S3 store built from PORTAL_BLOB_*.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Middleware wraps the root HTTP handler. It is applied outermost, so it
// sees every request including /health and CORS preflights. Multiple
// middlewares apply in registration order, first registered outermost.
type Middleware func(http.Handler) http.Handler
