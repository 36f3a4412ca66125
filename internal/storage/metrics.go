package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/portal/internal/telemetry"
)

// RegisterPoolMetrics exposes connection pool gauges. Call it after
// telemetry.Init so the gauges bind to the configured meter provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("portal/storage")

	_, _ = meter.Int64ObservableGauge("portal.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("portal.db.pool.idle",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("portal.db.pool.total",
		metric.WithDescription("Total connections open in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
