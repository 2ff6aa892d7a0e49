// Package admin holds destructive maintenance operations on the import
// tables.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/bulkimport/internal/database"
)

// ResetTimeout bounds one maintenance operation.
const ResetTimeout = 30 * time.Second

// TxBeginner opens the transaction the operations run in.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Maintenance runs resets and purges in a single transaction each.
type Maintenance struct {
	DB TxBeginner
}

// resetFn matches the method expressions of database.Queries.
type resetFn func(q *database.Queries, ctx context.Context) error

// ResetAll truncates the record and audit tables.
func (m *Maintenance) ResetAll(ctx context.Context) error {
	return m.inTx(ctx, []resetFn{
		(*database.Queries).ResetCardRecords,
		(*database.Queries).ResetImportAudit,
	})
}

// ResetAudit truncates only the audit table.
func (m *Maintenance) ResetAudit(ctx context.Context) error {
	return m.inTx(ctx, []resetFn{(*database.Queries).ResetImportAudit})
}

// PurgeImport deletes the rows last written by one import and returns how
// many were removed.
func (m *Maintenance) PurgeImport(ctx context.Context, importBatchID string) (int64, error) {
	var n int64
	err := m.inTx(ctx, []resetFn{func(q *database.Queries, ctx context.Context) error {
		var err error
		n, err = q.DeleteRecordsByImport(ctx, importBatchID)
		return err
	}})
	if err != nil {
		return 0, err
	}
	slog.Info("import purged", "import_id", importBatchID, "rows", n)
	return n, nil
}

func (m *Maintenance) inTx(ctx context.Context, steps []resetFn) error {
	ctx, cancel := context.WithTimeout(ctx, ResetTimeout)
	defer cancel()

	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	q := database.New(tx)
	for _, step := range steps {
		if err := step(q, ctx); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
