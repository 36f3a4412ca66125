package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

const (
	qdrantRESTPort = 6333
	qdrantGRPCPort = 6334

	healthTTL     = 5 * time.Second
	healthTimeout = 3 * time.Second
)

// QdrantConfig locates the chunk collection.
type QdrantConfig struct {
	URL        string // REST or gRPC URL, e.g. "https://xyz.cloud.qdrant.io:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is one embedded chunk and the ids its payload is filtered by.
type Point struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	SourceID   uuid.UUID
	DocumentID uuid.UUID
	VersionID  uuid.UUID
	Embedding  []float32
}

func (p Point) payload() map[string]*qdrant.Value {
	return qdrant.NewValueMap(map[string]any{
		FieldOrg:      p.OrgID.String(),
		FieldSource:   p.SourceID.String(),
		FieldDocument: p.DocumentID.String(),
		FieldVersion:  p.VersionID.String(),
	})
}

// endpoint is the gRPC address the client dials.
type endpoint struct {
	host string
	port int
	tls  bool
}

// parseQdrantURL accepts the URL users copy from the Qdrant console. The
// REST port is swapped for the gRPC port; other ports are kept.
func parseQdrantURL(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return endpoint{}, fmt.Errorf("search: invalid qdrant URL: %q", raw)
	}
	ep := endpoint{host: u.Hostname(), port: qdrantGRPCPort, tls: u.Scheme == "https"}
	if s := u.Port(); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			return endpoint{}, fmt.Errorf("search: invalid port in qdrant URL: %q", s)
		}
		if p != qdrantRESTPort {
			ep.port = p
		}
	}
	return ep, nil
}

// healthState is the cached outcome of the last health check.
type healthState struct {
	mu  sync.Mutex
	err error
	at  time.Time
}

// cached returns the stored result while it is younger than healthTTL.
func (h *healthState) cached() (fresh bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.at.IsZero() && time.Since(h.at) < healthTTL, h.err
}

func (h *healthState) set(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err, h.at = err, time.Now()
}

// QdrantIndex keeps knowledge chunks in one Qdrant collection shared by all
// orgs. Every query is filtered by org.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	checks singleflight.Group
	health healthState
}

// NewQdrantIndex creates a gRPC client. The connection is established
// lazily, so an unreachable server is reported by the first call.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	ep, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("search: qdrant collection is required")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   ep.host,
		Port:   ep.port,
		APIKey: cfg.APIKey,
		UseTLS: ep.tls,
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant client for %s:%d: %w", ep.host, ep.port, err)
	}
	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger.With("collection", cfg.Collection),
	}, nil
}

// EnsureCollection creates the cosine collection if needed and the keyword
// payload indexes. The org index is marked as the tenant key so Qdrant
// co-locates each org's points.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: look up collection: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           qdrant.PtrOf(uint64(16)),
					EfConstruct: qdrant.PtrOf(uint64(128)),
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection: %w", err)
		}
		q.logger.Info("created qdrant collection", "dims", q.dims)
	}

	for _, field := range []string{FieldOrg, FieldSource, FieldDocument, FieldVersion} {
		req := &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		}
		if field == FieldOrg {
			req.FieldIndexParams = qdrant.NewPayloadIndexParamsKeyword(&qdrant.KeywordIndexParams{
				IsTenant: qdrant.PtrOf(true),
			})
		}
		// Idempotent; safe on every start.
		if _, err := q.client.CreateFieldIndex(ctx, req); err != nil {
			return fmt.Errorf("search: payload index %s: %w", field, err)
		}
	}
	return nil
}

func matchAll(conds ...*qdrant.Condition) *qdrant.Filter {
	return &qdrant.Filter{Must: conds}
}

// Search returns the chunks nearest to embedding within orgID, optionally
// narrowed to one source. Scores are cosine similarities.
func (q *QdrantIndex) Search(ctx context.Context, orgID uuid.UUID, embedding []float32, sourceID *uuid.UUID, limit int) ([]Result, error) {
	conds := []*qdrant.Condition{qdrant.NewMatch(FieldOrg, orgID.String())}
	if sourceID != nil {
		conds = append(conds, qdrant.NewMatch(FieldSource, sourceID.String()))
	}
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         matchAll(conds...),
		Limit:          qdrant.PtrOf(uint64(max(limit, 1))),
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		id, err := uuid.Parse(h.GetId().GetUuid())
		if err != nil {
			q.logger.Warn("skipping qdrant point with non-UUID id", "id", h.GetId().String())
			continue
		}
		out = append(out, Result{ChunkID: id, Score: h.GetScore()})
	}
	return out, nil
}

// Upsert writes points and waits until they are searchable.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	batch := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		batch = append(batch, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: p.payload(),
		})
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         batch,
	}); err != nil {
		return fmt.Errorf("search: qdrant upsert of %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByField removes every point whose payload field equals id, so one
// call clears a whole version, document, source or org.
func (q *QdrantIndex) DeleteByField(ctx context.Context, field string, id uuid.UUID) error {
	if _, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(matchAll(qdrant.NewMatch(field, id.String()))),
	}); err != nil {
		return fmt.Errorf("search: qdrant delete %s=%s: %w", field, id, err)
	}
	return nil
}

// Healthy reports whether Qdrant answered its last health check. Results
// are reused for healthTTL and concurrent callers share a single check.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if fresh, err := q.health.cached(); fresh {
		return err
	}
	// The check is detached from ctx: singleflight waiters would otherwise
	// inherit the first caller's cancellation.
	v, _, _ := q.checks.Do("health", func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthTimeout)
		defer cancel()
		var err error
		if _, herr := q.client.HealthCheck(cctx); herr != nil {
			err = fmt.Errorf("search: qdrant unhealthy: %w", herr)
		}
		q.health.set(err)
		return err, nil
	})
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
