// Package portal assembles the portal API server.
//
// The binary in cmd/portal is a thin cobra wrapper around this package:
//
//	app, err := portal.New(
//	    portal.WithVersion(version),
//	    portal.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// Migrate and RunRetention are the one-shot operations behind the
// `migrate` and `retention run` subcommands.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/portal/internal/actions"
	"github.com/ashita-ai/portal/internal/auth"
	"github.com/ashita-ai/portal/internal/blob"
	"github.com/ashita-ai/portal/internal/config"
	"github.com/ashita-ai/portal/internal/embedding"
	"github.com/ashita-ai/portal/internal/model"
	"github.com/ashita-ai/portal/internal/ratelimit"
	"github.com/ashita-ai/portal/internal/retention"
	"github.com/ashita-ai/portal/internal/search"
	"github.com/ashita-ai/portal/internal/secrets"
	"github.com/ashita-ai/portal/internal/server"
	"github.com/ashita-ai/portal/internal/storage"
	"github.com/ashita-ai/portal/internal/telemetry"
)

// App is the portal server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	limiter      ratelimit.Limiter
	purger       *retention.Purger
	index        *search.QdrantIndex  // nil when QDRANT_URL is unset
	outbox       *search.OutboxWorker // nil when index is nil
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects to Postgres, runs migrations and wires
// every subsystem. It starts no goroutines and accepts no connections until
// Run is called.
func New(opts ...Option) (*App, error) {
	o := resolveOptions(opts)
	ctx := context.Background()

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	logger := o.logger
	logger.Info("portal starting", "version", o.version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     o.version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Everything below owns db and otel, and later the limiter; fail tears
	// down whatever exists.
	db, err := openDB(ctx, cfg, o, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	var limiter ratelimit.Limiter
	fail := func(err error) (*App, error) {
		if limiter != nil {
			_ = limiter.Close()
		}
		db.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return fail(err)
	}

	blobs, err := newBlobStore(ctx, cfg, o, logger)
	if err != nil {
		return fail(err)
	}

	verifier, err := newVerifier(cfg, o, logger)
	if err != nil {
		return fail(err)
	}

	limiter, err = newLimiter(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}

	embedder := newEmbedder(cfg, o, logger)
	if embedder != nil && embedder.Dimensions() != cfg.EmbeddingDimensions {
		return fail(fmt.Errorf("embeddings: provider returns %d dimensions, PORTAL_EMBEDDING_DIMENSIONS is %d",
			embedder.Dimensions(), cfg.EmbeddingDimensions))
	}

	var index *search.QdrantIndex
	if o.searcher == nil {
		if index, err = newSearchIndex(ctx, cfg, logger); err != nil {
			return fail(err)
		}
	}
	var searcher search.Searcher
	var outbox *search.OutboxWorker
	switch {
	case o.searcher != nil:
		logger.Info("search index: custom searcher")
		searcher = searcherAdapter{s: o.searcher}
	case index != nil:
		db.EnableSearchOutbox()
		outbox = search.NewOutboxWorker(db.Pool(), index, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		searcher = index
	}

	runner := actions.NewRunner(db, actions.SealedCredentials{Store: db, Sealer: sealer}, cfg.ActionTimeout, logger)
	purger := retention.New(db, logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Sealer:              sealer,
		Runner:              runner,
		Purger:              purger,
		Logger:              logger,
		Verifier:            verifier,
		Blobs:               blobs,
		Limiter:             limiter,
		Searcher:            searcher,
		Embedder:            embedder,
		Middlewares:         adaptMiddlewares(o.middlewares),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		TrustProxy:          cfg.TrustProxy,
		Version:             o.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		AccessCacheTTL:      cfg.AccessCacheTTL,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		limiter:      limiter,
		purger:       purger,
		index:        index,
		outbox:       outbox,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the retention schedule, the search outbox worker and the HTTP
// server, then blocks until ctx is cancelled or the server fails. Shutdown
// runs on return.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.cfg.RetentionSchedule != "" {
		if err := a.purger.Start(a.cfg.RetentionSchedule); err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
	} else {
		a.logger.Info("retention scheduler: disabled (empty PORTAL_RETENTION_SCHEDULE)")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains in-flight requests, waits for a running purge, flushes the
// search outbox, then closes the limiter, the pool and the OTEL providers. The whole sequence
// shares PORTAL_SHUTDOWN_TIMEOUT.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("portal shutting down")
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.purger.Stop(ctx)
	if a.outbox != nil {
		a.outbox.Drain(ctx)
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("qdrant close: %w", err))
		}
	}
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rate limiter close: %w", err))
	}
	a.db.Close()
	if err := a.otelShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	a.logger.Info("portal stopped")
	return errors.Join(errs...)
}

// Migrate applies pending migrations and returns the files it ran. With
// dryRun set it only lists them.
func Migrate(ctx context.Context, dryRun bool, opts ...Option) ([]string, error) {
	o := resolveOptions(opts)
	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, o.logger)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if dryRun {
		var pending []string
		for _, fsys := range o.migrationSets() {
			files, err := db.PendingMigrations(ctx, fsys)
			if err != nil {
				return nil, err
			}
			pending = append(pending, files...)
		}
		return pending, nil
	}
	var applied []string
	for _, fsys := range o.migrationSets() {
		files, err := db.RunMigrations(ctx, fsys)
		if err != nil {
			return applied, err
		}
		applied = append(applied, files...)
	}
	return applied, nil
}

// RunRetention purges every org with a retention policy once, as the
// scheduler would, and returns the per-org results.
func RunRetention(ctx context.Context, opts ...Option) ([]model.RetentionRun, error) {
	o := resolveOptions(opts)
	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	db, err := openDB(ctx, cfg, o, o.logger)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	n, err := db.CleanupIdempotencyKeys(ctx, retention.IdempotencyCompletedTTL, retention.IdempotencyInProgressTTL)
	if err != nil {
		o.logger.Warn("idempotency cleanup failed", "error", err)
	} else if n > 0 {
		o.logger.Info("expired idempotency keys", "deleted", n)
	}
	return retention.New(db, o.logger).RunAll(ctx, model.RetentionTriggerSchedule)
}

// loadConfig reads .env (when present) and the environment, then applies
// option overrides.
func loadConfig(o resolvedOptions) (config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.retentionSchedule != nil {
		cfg.RetentionSchedule = *o.retentionSchedule
	}
	return cfg, nil
}

// openDB connects and, unless disabled, applies the embedded migrations
// followed by any extra sets.
func openDB(ctx context.Context, cfg config.Config, o resolvedOptions, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	db.RegisterPoolMetrics()

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
		return db, nil
	}
	for i, fsys := range o.migrationSets() {
		applied, err := db.RunMigrations(ctx, fsys)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations[%d]: %w", i, err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "files", applied)
		}
	}
	return db, nil
}

// newSealer builds the credential sealer. Without PORTAL_SECRETS_KEY an
// ephemeral key is generated and sealed credentials do not survive a restart.
func newSealer(cfg config.Config, logger *slog.Logger) (*secrets.Sealer, error) {
	key := cfg.SecretsKey
	if len(key) == 0 {
		var err error
		if key, err = secrets.GenerateKey(); err != nil {
			return nil, err
		}
		logger.Warn("secrets: PORTAL_SECRETS_KEY not set, using an ephemeral key",
			"risk", "integration credentials become unreadable after restart")
	}
	return secrets.NewSealer(key)
}

func newBlobStore(ctx context.Context, cfg config.Config, o resolvedOptions, logger *slog.Logger) (blob.Store, error) {
	if o.blobs != nil {
		return o.blobs, nil
	}
	if cfg.BlobBucket == "" {
		logger.Info("blob storage: disabled (document content stays in Postgres)")
		return nil, nil
	}
	store, err := blob.NewS3Store(ctx, blob.S3Config{
		Bucket:          cfg.BlobBucket,
		Endpoint:        cfg.BlobEndpoint,
		Region:          cfg.BlobRegion,
		AccessKeyID:     cfg.BlobAccessKeyID,
		SecretAccessKey: cfg.BlobSecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		logger.Warn("blob storage: bucket not reachable at startup", "bucket", cfg.BlobBucket, "error", err)
	}
	logger.Info("blob storage: enabled", "bucket", cfg.BlobBucket)
	return store, nil
}

// newEmbedder returns the configured server-side embedding provider, or nil
// when clients supply their own vectors.
func newEmbedder(cfg config.Config, o resolvedOptions, logger *slog.Logger) embedding.Provider {
	if o.embedder != nil {
		logger.Info("embeddings: custom provider", "dims", o.embedder.Dimensions())
		return o.embedder
	}
	switch cfg.EmbeddingProvider {
	case config.EmbeddingOpenAI:
		name := cfg.EmbeddingModel
		if name == "" {
			name = "text-embedding-3-small"
		}
		logger.Info("embeddings: openai", "model", name, "dims", cfg.EmbeddingDimensions)
		return embedding.NewOpenAIProvider(cfg.EmbeddingURL, cfg.OpenAIAPIKey, name, cfg.EmbeddingDimensions)
	case config.EmbeddingOllama:
		name := cfg.EmbeddingModel
		if name == "" {
			name = "mxbai-embed-large"
		}
		logger.Info("embeddings: ollama", "model", name, "dims", cfg.EmbeddingDimensions)
		return embedding.NewOllamaProvider(cfg.EmbeddingURL, name, cfg.EmbeddingDimensions)
	default:
		logger.Info("embeddings: client-supplied only")
		return nil
	}
}

// newSearchIndex connects to Qdrant when QDRANT_URL is set. An unreachable
// Qdrant does not block startup: the outbox retries and search falls back to
// pgvector until the index reports healthy.
func newSearchIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (*search.QdrantIndex, error) {
	if !cfg.SearchIndexConfigured() {
		logger.Info("search index: pgvector only (QDRANT_URL not set)")
		return nil, nil
	}
	idx, err := search.NewQdrantIndex(search.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if err := idx.EnsureCollection(ctx); err != nil {
		logger.Warn("search index: collection setup failed, serving from pgvector", "collection", cfg.QdrantCollection, "error", err)
	} else {
		logger.Info("search index: qdrant", "collection", cfg.QdrantCollection)
	}
	return idx, nil
}

func newVerifier(cfg config.Config, o resolvedOptions, logger *slog.Logger) (server.TokenVerifier, error) {
	if o.verifier != nil {
		return verifierAdapter{v: o.verifier}, nil
	}
	if !cfg.AuthConfigured() {
		logger.Warn("auth: PORTAL_JWKS_URL not set, every authenticated route returns 401")
		return nil, nil
	}
	v, err := auth.NewVerifier(auth.VerifierConfig{
		JWKSURL:           cfg.JWKSURL,
		Issuer:            cfg.JWTIssuer,
		AuthorizedParties: cfg.JWTAuthorizedParties,
		StaffRoles:        cfg.StaffRoles,
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	switch cfg.RateLimitBackend {
	case config.RateLimitRedis:
		l, err := ratelimit.NewRedisLimiterFromURL(ctx, cfg.RedisURL, cfg.RateLimitRPM, ratelimitPeriod)
		if err != nil {
			return nil, err
		}
		logger.Info("rate limiting: redis", "rpm", cfg.RateLimitRPM)
		return l, nil
	case config.RateLimitOff:
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	default:
		logger.Info("rate limiting: memory", "rpm", cfg.RateLimitRPM)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPM, ratelimitPeriod), nil
	}
}

// ── Adapters between the public extension interfaces and internal ones ──

// verifierAdapter wraps a portal.TokenVerifier to satisfy server.TokenVerifier.
type verifierAdapter struct {
	v TokenVerifier
}

func (a verifierAdapter) Verify(ctx context.Context, raw string) (*auth.Claims, error) {
	c, err := a.v.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if c == nil || c.Subject == "" {
		return nil, errors.New("auth: verifier returned no subject")
	}
	claims := &auth.Claims{
		OrgID:   c.OrgID,
		OrgRole: c.OrgRole,
		Email:   c.Email,
		Staff:   c.Staff,
	}
	claims.Subject = c.Subject
	if !c.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(c.ExpiresAt)
	}
	return claims, nil
}

// searcherAdapter wraps a portal.Searcher to satisfy search.Searcher.
type searcherAdapter struct {
	s Searcher
}

func (a searcherAdapter) Search(ctx context.Context, orgID uuid.UUID, embedding []float32, sourceID *uuid.UUID, limit int) ([]search.Result, error) {
	hits, err := a.s.Search(ctx, orgID, embedding, sourceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(hits))
	for i, h := range hits {
		out[i] = search.Result{ChunkID: h.ChunkID, Score: h.Score}
	}
	return out, nil
}

func (a searcherAdapter) Healthy(ctx context.Context) error {
	return a.s.Healthy(ctx)
}

func adaptMiddlewares(mws []Middleware) []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, len(mws))
	for i, mw := range mws {
		out[i] = mw
	}
	return out
}
