package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Column arrays for one multi-row statement. Index i across all slices is
// one row.
type UpsertRecordsParams struct {
	EnrollmentSites    []pgtype.Text
	WithdrawalSites    []pgtype.Text
	StorageLocations   []pgtype.Text
	LastNames          []string
	FirstNames         []string
	BirthDates         []pgtype.Date
	BirthPlaces        []pgtype.Text
	Contacts           []pgtype.Text
	DeliveryStatuses   []pgtype.Text
	WithdrawalContacts []pgtype.Text
	DeliveryDates      []pgtype.Date
	ImportBatchID      string
	OwnerID            pgtype.Text
	ImportedAt         pgtype.Timestamptz
}

const upsertRecords = `
INSERT INTO card_records (
    enrollment_site, withdrawal_site, storage_location, last_name, first_names,
    birth_date, birth_place, contact, delivery_status, withdrawal_contact,
    delivery_date, import_batch_id, owner_id, imported_at, updated_at
)
SELECT r.enrollment_site, r.withdrawal_site, r.storage_location, r.last_name, r.first_names,
       r.birth_date, r.birth_place, r.contact, r.delivery_status, r.withdrawal_contact,
       r.delivery_date, $12::text, $13::text, $14::timestamptz, $14::timestamptz
FROM unnest(
    $1::text[], $2::text[], $3::text[], $4::text[], $5::text[],
    $6::date[], $7::text[], $8::text[], $9::text[], $10::text[], $11::date[]
) AS r(enrollment_site, withdrawal_site, storage_location, last_name, first_names,
       birth_date, birth_place, contact, delivery_status, withdrawal_contact, delivery_date)
ON CONFLICT (lower(last_name), lower(first_names), coalesce(birth_date, '-infinity'::date))
DO UPDATE SET
    delivery_status    = EXCLUDED.delivery_status,
    withdrawal_contact = EXCLUDED.withdrawal_contact,
    delivery_date      = EXCLUDED.delivery_date,
    import_batch_id    = EXCLUDED.import_batch_id,
    imported_at        = EXCLUDED.imported_at,
    updated_at         = EXCLUDED.updated_at
RETURNING (xmax = 0) AS inserted
`

// UpsertRecords writes all rows in one statement and returns, per affected
// row, whether it was freshly inserted (xmax = 0) or updated on conflict.
// Two rows with the same key in one call fail with SQLSTATE 21000.
func (q *Queries) UpsertRecords(ctx context.Context, arg UpsertRecordsParams) (inserted, updated int, err error) {
	rows, err := q.db.Query(ctx, upsertRecords,
		arg.EnrollmentSites,
		arg.WithdrawalSites,
		arg.StorageLocations,
		arg.LastNames,
		arg.FirstNames,
		arg.BirthDates,
		arg.BirthPlaces,
		arg.Contacts,
		arg.DeliveryStatuses,
		arg.WithdrawalContacts,
		arg.DeliveryDates,
		arg.ImportBatchID,
		arg.OwnerID,
		arg.ImportedAt,
	)
	if err != nil {
		return 0, 0, err
	}
	flags, err := pgx.CollectRows(rows, pgx.RowTo[bool])
	if err != nil {
		return 0, 0, err
	}
	for _, fresh := range flags {
		if fresh {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

// ExistingKeyRow is a stored person key, names lower-cased and the birth
// date as YYYY-MM-DD or empty.
type ExistingKeyRow struct {
	LastName   string
	FirstNames string
	BirthDate  string
}

const existingKeys = `
SELECT DISTINCT lower(c.last_name), lower(c.first_names), coalesce(to_char(c.birth_date, 'YYYY-MM-DD'), '')
FROM card_records c
JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(last_name, first_names, birth_date)
  ON lower(c.last_name) = k.last_name
 AND lower(c.first_names) = k.first_names
 AND coalesce(c.birth_date, '-infinity'::date) = coalesce(nullif(k.birth_date, '')::date, '-infinity'::date)
`

// ExistingKeys returns which of the given keys are stored. lastNames and
// firstNames must already be lower-cased.
func (q *Queries) ExistingKeys(ctx context.Context, lastNames, firstNames, birthDates []string) ([]ExistingKeyRow, error) {
	rows, err := q.db.Query(ctx, existingKeys, lastNames, firstNames, birthDates)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ExistingKeyRow, error) {
		var k ExistingKeyRow
		err := row.Scan(&k.LastName, &k.FirstNames, &k.BirthDate)
		return k, err
	})
}

// CardRecordRow is a stored record as read back for inspection.
type CardRecordRow struct {
	ID                int64
	EnrollmentSite    pgtype.Text
	WithdrawalSite    pgtype.Text
	StorageLocation   pgtype.Text
	LastName          string
	FirstNames        string
	BirthDate         pgtype.Date
	BirthPlace        pgtype.Text
	Contact           pgtype.Text
	DeliveryStatus    pgtype.Text
	WithdrawalContact pgtype.Text
	DeliveryDate      pgtype.Date
	ImportBatchID     string
	OwnerID           pgtype.Text
	ImportedAt        pgtype.Timestamptz
	UpdatedAt         pgtype.Timestamptz
}

const listRecordsByImport = `
SELECT id, enrollment_site, withdrawal_site, storage_location, last_name, first_names,
       birth_date, birth_place, contact, delivery_status, withdrawal_contact, delivery_date,
       import_batch_id, owner_id, imported_at, updated_at
FROM card_records
WHERE import_batch_id = $1
ORDER BY id
LIMIT $2
`

func (q *Queries) ListRecordsByImport(ctx context.Context, importBatchID string, limit int32) ([]CardRecordRow, error) {
	rows, err := q.db.Query(ctx, listRecordsByImport, importBatchID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[CardRecordRow])
}

const countRecordsByImport = `SELECT count(*) FROM card_records WHERE import_batch_id = $1`

func (q *Queries) CountRecordsByImport(ctx context.Context, importBatchID string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countRecordsByImport, importBatchID).Scan(&n)
	return n, err
}

// InsertImportAuditParams is one audit row.
type InsertImportAuditParams struct {
	ID         pgtype.UUID
	ImportID   string
	OwnerID    pgtype.Text
	BatchIndex int32
	Imported   int32
	Updated    int32
	Duplicates int32
	Errors     int32
	DurationMs int64
	Details    []byte
	RecordedAt pgtype.Timestamptz
}

const insertImportAudit = `
INSERT INTO import_audit (
    id, import_id, owner_id, batch_index, imported, updated, duplicates, errors,
    duration_ms, details, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

func (q *Queries) InsertImportAudit(ctx context.Context, arg InsertImportAuditParams) error {
	_, err := q.db.Exec(ctx, insertImportAudit,
		arg.ID,
		arg.ImportID,
		arg.OwnerID,
		arg.BatchIndex,
		arg.Imported,
		arg.Updated,
		arg.Duplicates,
		arg.Errors,
		arg.DurationMs,
		arg.Details,
		arg.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert import audit: %w", err)
	}
	return nil
}

// ImportAuditRow is a stored audit row.
type ImportAuditRow struct {
	ID         pgtype.UUID
	ImportID   string
	OwnerID    pgtype.Text
	BatchIndex int32
	Imported   int32
	Updated    int32
	Duplicates int32
	Errors     int32
	DurationMs int64
	Details    []byte
	RecordedAt pgtype.Timestamptz
}

const listImportAudit = `
SELECT id, import_id, owner_id, batch_index, imported, updated, duplicates, errors,
       duration_ms, details, recorded_at
FROM import_audit
WHERE import_id = $1
ORDER BY batch_index
`

func (q *Queries) ListImportAudit(ctx context.Context, importID string) ([]ImportAuditRow, error) {
	rows, err := q.db.Query(ctx, listImportAudit, importID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[ImportAuditRow])
}

const deleteRecordsByImport = `DELETE FROM card_records WHERE import_batch_id = $1`

// DeleteRecordsByImport removes the rows last written by the import. Rows an
// import only updated are removed too, since they now carry its id.
func (q *Queries) DeleteRecordsByImport(ctx context.Context, importBatchID string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteRecordsByImport, importBatchID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const resetCardRecords = `TRUNCATE card_records RESTART IDENTITY`

func (q *Queries) ResetCardRecords(ctx context.Context) error {
	_, err := q.db.Exec(ctx, resetCardRecords)
	return err
}

const resetImportAudit = `TRUNCATE import_audit`

func (q *Queries) ResetImportAudit(ctx context.Context) error {
	_, err := q.db.Exec(ctx, resetImportAudit)
	return err
}

const pruneImportAudit = `
DELETE FROM import_audit
WHERE id IN (
    SELECT id FROM import_audit
    WHERE recorded_at < $1
    ORDER BY recorded_at
    LIMIT $2
)
`

// PruneImportAudit deletes up to limit audit rows recorded before cutoff,
// oldest first.
func (q *Queries) PruneImportAudit(ctx context.Context, cutoff pgtype.Timestamptz, limit int32) (int64, error) {
	tag, err := q.db.Exec(ctx, pruneImportAudit, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
