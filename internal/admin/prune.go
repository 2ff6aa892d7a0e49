package admin

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/bulkimport/internal/database"
)

// PruneConfig holds the audit retention policy. Zero BatchSize and Interval
// fall back to the defaults.
type PruneConfig struct {
	Retention time.Duration // rows recorded earlier than now-Retention are deleted
	BatchSize int           // rows per delete (default: 5000)
	Interval  time.Duration // how often to run (default: 24h)
}

func (c PruneConfig) withDefaults() PruneConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 5000
	}
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	return c
}

// PruneAudit deletes audit rows recorded before cutoff in batches of
// batchSize, each in its own transaction, and returns the total removed.
func (m *Maintenance) PruneAudit(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	ts := pgtype.Timestamptz{Time: cutoff, Valid: true}

	var total int64
	for {
		var n int64
		err := m.inTx(ctx, []resetFn{func(q *database.Queries, ctx context.Context) error {
			var err error
			n, err = q.PruneImportAudit(ctx, ts, int32(batchSize))
			return err
		}})
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// RunAuditPruner prunes immediately, then every Interval, until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (m *Maintenance) RunAuditPruner(ctx context.Context, cfg PruneConfig) {
	cfg = cfg.withDefaults()
	slog.Info("audit pruner started", "retention", cfg.Retention, "interval", cfg.Interval)

	m.pruneOnce(ctx, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("audit pruner stopped")
			return
		case <-ticker.C:
			m.pruneOnce(ctx, cfg)
		}
	}
}

func (m *Maintenance) pruneOnce(ctx context.Context, cfg PruneConfig) {
	start := time.Now()
	n, err := m.PruneAudit(ctx, start.Add(-cfg.Retention), cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("audit prune failed", "error", err, "deleted", n)
		}
		return
	}
	slog.Info("audit pruned", "deleted", n, "duration_ms", time.Since(start).Milliseconds())
}
