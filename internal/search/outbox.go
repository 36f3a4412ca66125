package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/portal/internal/storage"
	"github.com/ashita-ai/portal/internal/telemetry"
)

const (
	// maxOutboxAttempts dead-letters an entry once reached.
	maxOutboxAttempts = 10
	// outboxLease must outlive batchTimeout so a second replica cannot claim
	// an entry that is still being applied.
	outboxLease   = 60 * time.Second
	batchTimeout  = 30 * time.Second
	drainFallback = 10 * time.Second
	deadLetterAge = 7 * 24 * time.Hour
)

// outboxEntry is one claimed row of search_outbox.
type outboxEntry struct {
	ID        int64
	OrgID     uuid.UUID
	Scope     string
	TargetID  uuid.UUID
	Operation string
	Attempts  int
}

// deleteField is the payload field a delete entry's scope removes points by.
var deleteField = map[string]string{
	storage.OutboxScopeVersion:  FieldVersion,
	storage.OutboxScopeDocument: FieldDocument,
	storage.OutboxScopeSource:   FieldSource,
	storage.OutboxScopeOrg:      FieldOrg,
}

// OutboxWorker replays knowledge changes recorded in search_outbox into the
// vector index. Several replicas may run one each.
type OutboxWorker struct {
	pool      *pgxpool.Pool
	index     Index
	logger    *slog.Logger
	interval  time.Duration
	batchSize int

	running   atomic.Bool
	stop      context.CancelFunc
	finished  chan struct{}
	closeOnce sync.Once
	drainCtx  chan context.Context
	swept     time.Time
}

// NewOutboxWorker returns a worker that polls every interval and claims at
// most batchSize entries per poll.
func NewOutboxWorker(pool *pgxpool.Pool, index Index, logger *slog.Logger, interval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:      pool,
		index:     index,
		logger:    logger.With("component", "search_outbox"),
		interval:  interval,
		batchSize: batchSize,
		finished:  make(chan struct{}),
		drainCtx:  make(chan context.Context, 1),
	}
}

// Start launches the poll loop. Only the first call has any effect.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("outbox worker already started")
		return
	}
	w.observeDepth()
	loopCtx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	go w.run(loopCtx)
}

// Drain stops polling, applies one last batch within ctx and waits for the
// loop to exit.
func (w *OutboxWorker) Drain(ctx context.Context) {
	if !w.running.Load() {
		return
	}
	// Queued before cancelling so run finds it once its context is done.
	select {
	case w.drainCtx <- ctx:
	default:
	}
	w.stop()
	select {
	case <-w.finished:
	case <-ctx.Done():
		w.logger.Warn("outbox drain timed out")
	}
}

func (w *OutboxWorker) run(ctx context.Context) {
	defer w.closeOnce.Do(func() { close(w.finished) })

	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			bctx, cancel := context.WithTimeout(ctx, batchTimeout)
			w.processBatch(bctx)
			cancel()
		case <-ctx.Done():
			w.finalBatch()
			return
		}
	}
}

func (w *OutboxWorker) finalBatch() {
	select {
	case ctx := <-w.drainCtx:
		w.processBatch(ctx)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), drainFallback)
		defer cancel()
		w.processBatch(ctx)
	}
}

// processBatch claims due entries, applies each one and settles the outcome.
// It returns the number claimed.
func (w *OutboxWorker) processBatch(ctx context.Context) int {
	entries, err := w.claim(ctx)
	if err != nil {
		w.logger.Error("claim outbox entries", "error", err)
		return 0
	}

	var done []int64
	for _, e := range entries {
		if err := w.apply(ctx, e); err != nil {
			w.logger.Error("apply outbox entry", "error", err,
				"outbox_id", e.ID, "org_id", e.OrgID, "operation", e.Operation, "scope", e.Scope, "target_id", e.TargetID)
			w.retryLater(ctx, e, err)
			continue
		}
		done = append(done, e.ID)
	}
	if len(done) > 0 {
		if _, err := w.pool.Exec(ctx, `DELETE FROM search_outbox WHERE id = ANY($1)`, done); err != nil {
			w.logger.Error("remove applied outbox entries", "error", err)
		}
	}

	if time.Since(w.swept) > time.Hour {
		w.sweepDeadLetters(ctx)
		w.swept = time.Now()
	}
	return len(entries)
}

// claim leases up to batchSize due entries in one statement. SKIP LOCKED
// keeps concurrent replicas from claiming the same rows.
func (w *OutboxWorker) claim(ctx context.Context) ([]outboxEntry, error) {
	rows, err := w.pool.Query(ctx,
		`WITH due AS (
		     SELECT id FROM search_outbox
		     WHERE attempts < $1 AND (locked_until IS NULL OR locked_until < now())
		     ORDER BY created_at, id
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE search_outbox o
		 SET locked_until = now() + $3 * interval '1 second'
		 FROM due WHERE o.id = due.id
		 RETURNING o.id, o.org_id, o.scope, o.target_id, o.operation, o.attempts`,
		maxOutboxAttempts, w.batchSize, int(outboxLease.Seconds()),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[outboxEntry])
}

func (w *OutboxWorker) apply(ctx context.Context, e outboxEntry) error {
	switch e.Operation {
	case storage.OutboxUpsert:
		return w.reindexVersion(ctx, e.TargetID)
	case storage.OutboxDelete:
		field, ok := deleteField[e.Scope]
		if !ok {
			return fmt.Errorf("unknown outbox scope %q", e.Scope)
		}
		return w.index.DeleteByField(ctx, field, e.TargetID)
	default:
		return fmt.Errorf("unknown outbox operation %q", e.Operation)
	}
}

// reindexVersion replaces a version's points with its current chunks. A
// version that has since been deleted ends up with no points.
func (w *OutboxWorker) reindexVersion(ctx context.Context, versionID uuid.UUID) error {
	points, err := w.versionPoints(ctx, versionID)
	if err != nil {
		return err
	}
	if err := w.index.DeleteByField(ctx, FieldVersion, versionID); err != nil {
		return err
	}
	return w.index.Upsert(ctx, points)
}

func (w *OutboxWorker) versionPoints(ctx context.Context, versionID uuid.UUID) ([]Point, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT c.id, c.org_id, d.source_id, c.document_id, c.version_id, c.embedding
		 FROM knowledge_chunks c
		 JOIN knowledge_documents d ON d.id = c.document_id
		 WHERE c.version_id = $1 AND c.embedding IS NOT NULL
		 ORDER BY c.ordinal`, versionID)
	if err != nil {
		return nil, fmt.Errorf("search: load chunks of version %s: %w", versionID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Point, error) {
		var p Point
		var emb pgvector.Vector
		if err := row.Scan(&p.ID, &p.OrgID, &p.SourceID, &p.DocumentID, &p.VersionID, &emb); err != nil {
			return Point{}, err
		}
		p.Embedding = emb.Slice()
		return p, nil
	})
}

// retryLater records err on the entry and pushes it back by 2^attempts
// seconds, at most five minutes.
func (w *OutboxWorker) retryLater(ctx context.Context, e outboxEntry, cause error) {
	attempts := e.Attempts + 1
	backoff := min(time.Duration(1<<attempts)*time.Second, 5*time.Minute)
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = $1, last_error = $2, locked_until = now() + $3 * interval '1 second'
		 WHERE id = $4`,
		attempts, cause.Error(), int(backoff.Seconds()), e.ID,
	); err != nil {
		w.logger.Error("record outbox failure", "error", err, "outbox_id", e.ID)
	}
	if attempts >= maxOutboxAttempts {
		w.logger.Warn("outbox entry dead-lettered",
			"outbox_id", e.ID, "org_id", e.OrgID, "target_id", e.TargetID, "operation", e.Operation)
	}
}

// sweepDeadLetters drops exhausted entries older than deadLetterAge.
func (w *OutboxWorker) sweepDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE attempts >= $1 AND created_at < $2`,
		maxOutboxAttempts, time.Now().Add(-deadLetterAge),
	)
	if err != nil {
		w.logger.Error("sweep outbox dead letters", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		w.logger.Info("swept outbox dead letters", "deleted", n)
	}
}

func (w *OutboxWorker) observeDepth() {
	meter := telemetry.Meter("portal/outbox")
	_, _ = meter.Int64ObservableGauge("portal.outbox.depth",
		metric.WithDescription("Search outbox entries still eligible for delivery"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var n int64
			if err := w.pool.QueryRow(ctx,
				`SELECT count(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts,
			).Scan(&n); err == nil {
				o.Observe(n)
			}
			return nil
		}),
	)
}
