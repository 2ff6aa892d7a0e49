package admin

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/database"
)

// TestPurgeImport needs a scratch database in BULKIMPORT_TEST_DATABASE_URL.
func TestPurgeImport(t *testing.T) {
	dsn := os.Getenv("BULKIMPORT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BULKIMPORT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	store := database.NewStore(pool)
	id := "purge-" + uuid.NewString()[:8]

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	records := []core.Record{
		{LastName: "PURGE-" + id, FirstNames: "A"},
		{LastName: "PURGE-" + id, FirstNames: "B"},
	}
	if _, err := tx.Upsert(ctx, records, core.UpsertMeta{ImportID: id, ImportedAt: time.Now()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	m := &Maintenance{DB: pool}
	n, err := m.PurgeImport(ctx, id)
	if err != nil {
		t.Fatalf("PurgeImport: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d rows, want 2", n)
	}
	if left, _ := store.CountByImport(ctx, id); left != 0 {
		t.Errorf("%d rows left after purge", left)
	}
}

func TestPruneConfig_Defaults(t *testing.T) {
	tests := []struct {
		name string
		in   PruneConfig
		want PruneConfig
	}{
		{
			name: "zero values",
			in:   PruneConfig{Retention: time.Hour},
			want: PruneConfig{Retention: time.Hour, BatchSize: 5000, Interval: 24 * time.Hour},
		},
		{
			name: "explicit values kept",
			in:   PruneConfig{Retention: time.Hour, BatchSize: 10, Interval: time.Minute},
			want: PruneConfig{Retention: time.Hour, BatchSize: 10, Interval: time.Minute},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestPruneAudit needs a scratch database in BULKIMPORT_TEST_DATABASE_URL.
func TestPruneAudit(t *testing.T) {
	dsn := os.Getenv("BULKIMPORT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BULKIMPORT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	audit := database.NewAuditLog(pool)
	id := "prune-" + uuid.NewString()[:8]
	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		recorded := old
		if i == 4 {
			recorded = time.Now()
		}
		entry := core.BatchAudit{ImportID: id, BatchIndex: i, Result: core.BatchResult{Imported: 1}, RecordedAt: recorded}
		if err := audit.RecordBatch(ctx, entry); err != nil {
			t.Fatalf("RecordBatch: %v", err)
		}
	}

	m := &Maintenance{DB: pool}
	if _, err := m.PruneAudit(ctx, time.Now().Add(-24*time.Hour), 2); err != nil {
		t.Fatalf("PruneAudit: %v", err)
	}

	left, err := audit.List(ctx, id)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(left) != 1 || left[0].BatchIndex != 4 {
		t.Errorf("left %+v, want only batch 4", left)
	}
}
