// Package retention purges audit logs and action runs that have outlived
// their org's retention policy, on a cron schedule or on demand.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/portal/internal/model"
)

// SystemActor is the audit actor of scheduled purges.
const SystemActor = "system:retention"

// Store is the data access the purge needs.
type Store interface {
	GetRetentionPolicy(ctx context.Context, orgID uuid.UUID) (model.RetentionPolicy, error)
	ListRetentionPolicies(ctx context.Context) ([]model.RetentionPolicy, error)
	PurgeExpired(ctx context.Context, p model.RetentionPolicy, trigger string, now time.Time) (model.RetentionRun, error)
	InsertAuditLog(ctx context.Context, e model.AuditLog) error
}

// KeyCleaner is implemented by stores that hold Idempotency-Key
// reservations. The scheduled purge expires them as well.
type KeyCleaner interface {
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

// Idempotency key lifetimes.
const (
	IdempotencyCompletedTTL  = 7 * 24 * time.Hour
	IdempotencyInProgressTTL = 24 * time.Hour
)

// Purger applies retention policies.
type Purger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// New creates a Purger.
func New(store Store, logger *slog.Logger) *Purger {
	return &Purger{
		store:  store,
		logger: logger.With("component", "retention"),
		now:    func() time.Time { return time.Now().UTC() },
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// RunOrg purges one org according to its current policy.
func (p *Purger) RunOrg(ctx context.Context, orgID uuid.UUID, trigger string) (model.RetentionRun, error) {
	policy, err := p.store.GetRetentionPolicy(ctx, orgID)
	if err != nil {
		return model.RetentionRun{}, err
	}
	return p.purge(ctx, policy, trigger)
}

// RunAll purges every org with a policy. A failing org does not stop the
// others; all failures are returned joined.
func (p *Purger) RunAll(ctx context.Context, trigger string) ([]model.RetentionRun, error) {
	policies, err := p.store.ListRetentionPolicies(ctx)
	if err != nil {
		return nil, err
	}

	var (
		runs []model.RetentionRun
		errs []error
	)
	for _, policy := range policies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		run, err := p.purge(ctx, policy, trigger)
		if err != nil {
			errs = append(errs, fmt.Errorf("retention: org %s: %w", policy.OrgID, err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, errors.Join(errs...)
}

func (p *Purger) purge(ctx context.Context, policy model.RetentionPolicy, trigger string) (model.RetentionRun, error) {
	run, err := p.store.PurgeExpired(ctx, policy, trigger, p.now())
	if err != nil {
		return model.RetentionRun{}, err
	}
	p.logger.Info("retention purge completed",
		"org_id", policy.OrgID,
		"trigger", trigger,
		"audit_logs", run.Deleted["audit_logs"],
		"action_runs", run.Deleted["action_runs"])

	if trigger == model.RetentionTriggerSchedule {
		orgID := policy.OrgID
		if err := p.store.InsertAuditLog(ctx, model.AuditLog{
			OrgID:        &orgID,
			ActorID:      SystemActor,
			Staff:        true,
			Method:       "CRON",
			Endpoint:     "retention",
			Operation:    "retention.run",
			ResourceType: "retention_run",
			ResourceID:   run.ID.String(),
			After:        run,
		}); err != nil {
			p.logger.Error("retention: audit insert failed", "org_id", policy.OrgID, "error", err)
		}
	}
	return run, nil
}

// Start schedules RunAll with the given cron spec.
func (p *Purger) Start(spec string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("retention: scheduler already running")
	}
	if _, err := p.cron.AddFunc(spec, p.scheduled); err != nil {
		return fmt.Errorf("retention: invalid schedule %q: %w", spec, err)
	}
	p.cron.Start()
	p.running = true
	p.logger.Info("retention scheduler started", "schedule", spec)
	return nil
}

// Stop stops the schedule and waits for a running purge up to ctx.
func (p *Purger) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	done := p.cron.Stop()
	p.mu.Unlock()

	select {
	case <-done.Done():
	case <-ctx.Done():
		p.logger.Warn("retention: stop timed out waiting for purge")
	}
}

func (p *Purger) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	p.cleanupKeys(ctx)
	runs, err := p.RunAll(ctx, model.RetentionTriggerSchedule)
	if err != nil {
		p.logger.Error("retention: scheduled purge failed", "error", err, "orgs_purged", len(runs))
		return
	}
	p.logger.Info("retention: scheduled purge finished", "orgs_purged", len(runs))
}

func (p *Purger) cleanupKeys(ctx context.Context) {
	kc, ok := p.store.(KeyCleaner)
	if !ok {
		return
	}
	n, err := kc.CleanupIdempotencyKeys(ctx, IdempotencyCompletedTTL, IdempotencyInProgressTTL)
	if err != nil {
		p.logger.Error("retention: idempotency cleanup failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("retention: expired idempotency keys", "deleted", n)
	}
}
