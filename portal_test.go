package portal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/portal/internal/config"
	"github.com/ashita-ai/portal/internal/embedding"
	"github.com/ashita-ai/portal/internal/ratelimit"
	"github.com/ashita-ai/portal/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	t.Setenv("PORTAL_PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("PORTAL_RETENTION_SCHEDULE", "0 4 * * *")

	cfg, err := loadConfig(resolveOptions(nil))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "0 4 * * *", cfg.RetentionSchedule)

	cfg, err = loadConfig(resolveOptions([]Option{
		WithPort(9100),
		WithDatabaseURL("postgres://flag/db"),
		WithRetentionSchedule(""),
	}))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "postgres://flag/db", cfg.DatabaseURL)
	assert.Empty(t, cfg.RetentionSchedule)
}

func TestLoadConfigReportsInvalidEnv(t *testing.T) {
	t.Setenv("PORTAL_PORT", "eighty")
	_, err := loadConfig(resolveOptions(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORTAL_PORT")
}

func TestResolveOptionsDefaults(t *testing.T) {
	o := resolveOptions(nil)
	assert.Equal(t, "dev", o.version)
	assert.NotNil(t, o.logger)
	assert.Len(t, o.migrationSets(), 1)
}

func TestNewLimiterBackends(t *testing.T) {
	ctx := context.Background()

	l, err := newLimiter(ctx, config.Config{RateLimitBackend: config.RateLimitOff}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, ratelimit.NoopLimiter{}, l)

	l, err = newLimiter(ctx, config.Config{RateLimitBackend: config.RateLimitMemory, RateLimitRPM: 2}, discardLogger())
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	assert.IsType(t, &ratelimit.MemoryLimiter{}, l)

	_, err = newLimiter(ctx, config.Config{RateLimitBackend: config.RateLimitRedis, RedisURL: "::not a url", RateLimitRPM: 2}, discardLogger())
	require.Error(t, err)
}

func TestNewSealerEphemeralKey(t *testing.T) {
	s, err := newSealer(config.Config{}, discardLogger())
	require.NoError(t, err)

	sealed, err := s.SealCredentials(map[string]string{"token": "t"}, []byte("aad"))
	require.NoError(t, err)
	creds, err := s.OpenCredentials(sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, "t", creds["token"])
}

func TestNewVerifierUnconfigured(t *testing.T) {
	v, err := newVerifier(config.Config{}, resolveOptions(nil), discardLogger())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNewBlobStoreDisabled(t *testing.T) {
	s, err := newBlobStore(context.Background(), config.Config{}, resolveOptions(nil), discardLogger())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestNewSearchIndex(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	idx, err := newSearchIndex(ctx, config.Config{}, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, idx)

	// An unreachable Qdrant is logged, not fatal.
	idx, err = newSearchIndex(ctx, config.Config{
		QdrantURL:           "http://localhost:16334",
		QdrantCollection:    "portal_test",
		EmbeddingDimensions: 3,
	}, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.NoError(t, idx.Close())

	_, err = newSearchIndex(ctx, config.Config{QdrantURL: "not a url", QdrantCollection: "c"}, discardLogger())
	require.ErrorContains(t, err, "search index")
}

func TestNewEmbedder(t *testing.T) {
	assert.Nil(t, newEmbedder(config.Config{}, resolveOptions(nil), discardLogger()))

	p := newEmbedder(config.Config{EmbeddingProvider: config.EmbeddingOllama, EmbeddingDimensions: 1024}, resolveOptions(nil), discardLogger())
	require.IsType(t, &embedding.OllamaProvider{}, p)
	assert.Equal(t, 1024, p.Dimensions())

	p = newEmbedder(config.Config{EmbeddingProvider: config.EmbeddingOpenAI, OpenAIAPIKey: "sk", EmbeddingDimensions: 256}, resolveOptions(nil), discardLogger())
	require.IsType(t, &embedding.OpenAIProvider{}, p)
	assert.Equal(t, 256, p.Dimensions())
}

type stubVerifier struct {
	claims *Claims
	err    error
}

func (s stubVerifier) Verify(context.Context, string) (*Claims, error) { return s.claims, s.err }

func TestVerifierAdapter(t *testing.T) {
	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	a := verifierAdapter{v: stubVerifier{claims: &Claims{Subject: "user_1", OrgID: "org_x", Staff: true, ExpiresAt: exp}}}
	c, err := a.Verify(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "user_1", c.Subject)
	assert.Equal(t, "org_x", c.OrgID)
	assert.True(t, c.IsStaff())
	assert.Equal(t, exp, c.ExpiresAt.Time)

	_, err = verifierAdapter{v: stubVerifier{claims: &Claims{}}}.Verify(context.Background(), "tok")
	require.Error(t, err, "subject is required")

	_, err = verifierAdapter{v: stubVerifier{err: errors.New("expired")}}.Verify(context.Background(), "tok")
	require.ErrorContains(t, err, "expired")
}

type stubSearcher struct{ hits []SearchResult }

func (s stubSearcher) Search(context.Context, uuid.UUID, []float32, *uuid.UUID, int) ([]SearchResult, error) {
	return s.hits, nil
}

func (stubSearcher) Healthy(context.Context) error { return nil }

func TestSearcherAdapter(t *testing.T) {
	id := uuid.New()
	a := searcherAdapter{s: stubSearcher{hits: []SearchResult{{ChunkID: id, Score: 0.75}}}}
	got, err := a.Search(context.Background(), uuid.New(), []float32{1}, nil, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ChunkID)
	assert.InDelta(t, 0.75, got[0].Score, 1e-6)
	assert.NoError(t, a.Healthy(context.Background()))
}

func TestAdaptMiddlewaresKeepsOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	mws := adaptMiddlewares([]Middleware{tag("outer"), tag("inner")})
	var h http.Handler = http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") })
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

type fixedEmbedder struct{ dims int }

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, f.dims), nil
}

func (f fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func (f fixedEmbedder) Dimensions() int { return f.dims }

func TestNewEmbedderPrefersOption(t *testing.T) {
	custom := fixedEmbedder{dims: 3}
	p := newEmbedder(config.Config{EmbeddingProvider: config.EmbeddingOllama}, resolveOptions([]Option{WithEmbeddingProvider(custom)}), discardLogger())
	assert.Equal(t, custom, p)
}

func TestNewReleasesLimiterOnFailure(t *testing.T) {
	if !testutil.DockerAvailable() {
		t.Skip("requires docker")
	}
	tc, err := testutil.StartPostgres()
	require.NoError(t, err)
	defer tc.Terminate()

	t.Setenv("DATABASE_URL", tc.DSN)
	t.Setenv("PORTAL_RATE_LIMIT_BACKEND", config.RateLimitMemory)
	t.Setenv("PORTAL_EMBEDDING_DIMENSIONS", "3")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// The dimension check fails after the limiter and its sweeper exist.
	_, err = New(WithLogger(discardLogger()), WithEmbeddingProvider(fixedEmbedder{dims: 5}))
	require.ErrorContains(t, err, "5 dimensions")
}
