package portal

import (
	"io/fs"
	"log/slog"
	"time"

	"github.com/ashita-ai/portal/migrations"
)

// ratelimitPeriod is the window PORTAL_RATE_LIMIT_RPM is counted over.
const ratelimitPeriod = time.Minute

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds overrides after applying defaults.
type resolvedOptions struct {
	port              int
	databaseURL       string
	retentionSchedule *string
	logger            *slog.Logger
	version           string
	verifier          TokenVerifier
	blobs             BlobStore
	embedder          EmbeddingProvider
	searcher          Searcher
	middlewares       []Middleware
	extraMigrations   []fs.FS
}

func resolveOptions(opts []Option) resolvedOptions {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.version == "" {
		o.version = "dev"
	}
	return o
}

// migrationSets is the embedded schema followed by any extra sets.
func (o resolvedOptions) migrationSets() []fs.FS {
	return append([]fs.FS{migrations.FS}, o.extraMigrations...)
}

// WithPort overrides PORTAL_PORT.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides DATABASE_URL.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRetentionSchedule overrides PORTAL_RETENTION_SCHEDULE. An empty spec
// disables the scheduled purge.
func WithRetentionSchedule(spec string) Option {
	return func(o *resolvedOptions) { o.retentionSchedule = &spec }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by /health and the OTEL resource.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTokenVerifier replaces the JWKS verifier built from PORTAL_JWKS_URL.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(o *resolvedOptions) { o.verifier = v }
}

// WithBlobStore replaces the S3 store built from PORTAL_BLOB_* settings.
func WithBlobStore(s BlobStore) Option {
	return func(o *resolvedOptions) { o.blobs = s }
}

// WithEmbeddingProvider replaces the provider selected by
// PORTAL_EMBEDDING_PROVIDER.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithSearcher replaces the Qdrant index. The search outbox is not enabled
// for a custom Searcher; it is expected to index chunks on its own.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithMiddleware wraps the root handler. May be called more than once.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds a migration set applied after the embedded one.
// Sets are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
