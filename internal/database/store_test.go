package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

func TestKeyArrays(t *testing.T) {
	keys := []core.DedupKey{
		{LastName: "kone", FirstNames: "awa", BirthDate: "1990-03-15"},
		{LastName: "traore", FirstNames: "ali"},
	}
	last, first, birth := keyArrays(keys)
	if len(last) != 2 || len(first) != 2 || len(birth) != 2 {
		t.Fatalf("lengths = %d/%d/%d, want 2", len(last), len(first), len(birth))
	}
	if last[1] != "traore" || first[0] != "awa" || birth[0] != "1990-03-15" || birth[1] != "" {
		t.Errorf("unexpected arrays %v %v %v", last, first, birth)
	}
}

func TestUpsertParams(t *testing.T) {
	imported := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	records := []core.Record{
		{LastName: "KONE", FirstNames: "Awa", BirthDate: "1990-03-15", Contact: "+225 0701020304"},
		{LastName: "TRAORE", FirstNames: "Ali", DeliveryStatus: "DELIVRE", DeliveryDate: "2024-04-30"},
	}
	p := upsertParams(records, core.UpsertMeta{ImportID: "imp-1", OwnerID: "", ImportedAt: imported})

	if len(p.LastNames) != 2 || len(p.DeliveryDates) != 2 || len(p.EnrollmentSites) != 2 {
		t.Fatalf("column lengths do not match record count")
	}
	if p.LastNames[0] != "KONE" || p.FirstNames[1] != "Ali" {
		t.Errorf("names = %v %v", p.LastNames, p.FirstNames)
	}
	if !p.BirthDates[0].Valid || p.BirthDates[1].Valid {
		t.Errorf("birth dates = %+v", p.BirthDates)
	}
	if p.Contacts[1].Valid || p.Contacts[0].String != "+225 0701020304" {
		t.Errorf("contacts = %+v", p.Contacts)
	}
	if p.ImportBatchID != "imp-1" || p.OwnerID.Valid {
		t.Errorf("meta = %q owner=%+v", p.ImportBatchID, p.OwnerID)
	}
	if !p.ImportedAt.Time.Equal(imported) {
		t.Errorf("ImportedAt = %v", p.ImportedAt.Time)
	}
}

func TestAuditParams(t *testing.T) {
	entry := core.BatchAudit{
		ImportID:   "imp-1",
		OwnerID:    "owner-1",
		BatchIndex: 20,
		Result:     core.BatchResult{Imported: 6, Updated: 2, Duplicates: 1, Errors: 1},
		Duration:   1500 * time.Millisecond,
	}
	id := uuid.NewString()
	p := auditParams(id, entry)

	if fromPgUUID(p.ID) != id {
		t.Errorf("ID = %v, want %s", p.ID, id)
	}
	if p.BatchIndex != 20 || p.Imported != 6 || p.Errors != 1 || p.DurationMs != 1500 {
		t.Errorf("unexpected params %+v", p)
	}
	if !p.RecordedAt.Valid {
		t.Error("zero RecordedAt should default to now")
	}

	var details auditDetails
	if err := json.Unmarshal(p.Details, &details); err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.Total != 10 || details.SuccessRate != 80 || details.Duration != "1.5s" {
		t.Errorf("details = %+v", details)
	}
}

// TestStore_Postgres runs an import against a real database when
// BULKIMPORT_TEST_DATABASE_URL is set.
func TestStore_Postgres(t *testing.T) {
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

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Applying twice must be harmless.
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	store := NewStore(pool)
	suffix := uuid.NewString()[:8]
	first := core.Record{LastName: "KONE-" + suffix, FirstNames: "Awa", BirthDate: "1990-03-15"}
	second := core.Record{LastName: "TRAORE-" + suffix, FirstNames: "Ali"}
	meta := core.UpsertMeta{ImportID: "test-" + suffix, OwnerID: "tester", ImportedAt: time.Now()}

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := tx.Upsert(ctx, []core.Record{first, second}, meta)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Errorf("first upsert = %+v, want 2 inserted", res)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("Rollback after Commit: %v", err)
	}

	tx, err = store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)

	upper := core.Record{LastName: "kone-" + suffix, FirstNames: "AWA", BirthDate: "1990-03-15"}
	existing, err := tx.ExistingKeys(ctx, []core.DedupKey{upper.Key(), second.Key(), {LastName: "nobody"}})
	if err != nil {
		t.Fatalf("ExistingKeys: %v", err)
	}
	if !existing[upper.Key()] || !existing[second.Key()] || len(existing) != 2 {
		t.Errorf("existing = %v", existing)
	}

	upper.DeliveryStatus = "DELIVRE"
	later := meta
	later.ImportedAt = meta.ImportedAt.Add(time.Hour)
	res, err = tx.Upsert(ctx, []core.Record{upper}, later)
	if err != nil {
		t.Fatalf("conflicting Upsert: %v", err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Errorf("conflicting upsert = %+v, want 1 updated", res)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n, err := store.CountByImport(ctx, meta.ImportID)
	if err != nil || n != 2 {
		t.Errorf("CountByImport = %d, %v; want 2", n, err)
	}
	recs, err := store.RecordsByImport(ctx, meta.ImportID, 10)
	if err != nil {
		t.Fatalf("RecordsByImport: %v", err)
	}
	for _, r := range recs {
		if r.FirstNames == "Awa" && r.DeliveryStatus != "DELIVRE" {
			t.Errorf("conflict did not refresh delivery status: %+v", r)
		}
	}

	var importedAt time.Time
	if err := pool.QueryRow(ctx, `SELECT imported_at FROM card_records WHERE last_name = $1`, first.LastName).Scan(&importedAt); err != nil {
		t.Fatalf("read imported_at: %v", err)
	}
	if d := importedAt.Sub(later.ImportedAt); d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("imported_at = %v, want %v", importedAt, later.ImportedAt)
	}

	audit := NewAuditLog(pool)
	if err := audit.RecordBatch(ctx, core.BatchAudit{ImportID: meta.ImportID, BatchIndex: 0, Result: core.BatchResult{Imported: res.Inserted, Updated: res.Updated}}); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	entries, err := audit.List(ctx, meta.ImportID)
	if err != nil || len(entries) != 1 || entries[0].Result.Updated != 1 {
		t.Errorf("audit List = %+v, %v", entries, err)
	}
}
