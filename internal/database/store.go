package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the PostgreSQL core.DataStore. Each Begin opens one transaction
// that lives for exactly one batch.
type Store struct {
	db TxBeginner
	q  *Queries
}

func NewStore(db TxBeginner) *Store {
	return &Store{db: db, q: New(db)}
}

var _ core.DataStore = (*Store)(nil)

func (s *Store) Begin(ctx context.Context) (core.Txn, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &txn{tx: tx, q: s.q.WithTx(tx)}, nil
}

// CountByImport returns how many stored rows were last written by the import.
func (s *Store) CountByImport(ctx context.Context, importBatchID string) (int64, error) {
	return s.q.CountRecordsByImport(ctx, importBatchID)
}

// RecordsByImport returns up to limit rows last written by the import.
func (s *Store) RecordsByImport(ctx context.Context, importBatchID string, limit int) ([]core.Record, error) {
	rows, err := s.q.ListRecordsByImport(ctx, importBatchID, int32(limit))
	if err != nil {
		return nil, err
	}
	out := make([]core.Record, len(rows))
	for i, r := range rows {
		out[i] = core.Record{
			EnrollmentSite:    fromPgText(r.EnrollmentSite),
			WithdrawalSite:    fromPgText(r.WithdrawalSite),
			StorageLocation:   fromPgText(r.StorageLocation),
			LastName:          r.LastName,
			FirstNames:        r.FirstNames,
			BirthDate:         fromPgDate(r.BirthDate),
			BirthPlace:        fromPgText(r.BirthPlace),
			Contact:           fromPgText(r.Contact),
			DeliveryStatus:    fromPgText(r.DeliveryStatus),
			WithdrawalContact: fromPgText(r.WithdrawalContact),
			DeliveryDate:      fromPgDate(r.DeliveryDate),
		}
	}
	return out, nil
}

type txn struct {
	tx pgx.Tx
	q  *Queries
}

func (t *txn) ExistingKeys(ctx context.Context, keys []core.DedupKey) (map[core.DedupKey]bool, error) {
	out := make(map[core.DedupKey]bool)
	if len(keys) == 0 {
		return out, nil
	}

	last, first, birth := keyArrays(keys)
	rows, err := t.q.ExistingKeys(ctx, last, first, birth)
	if err != nil {
		return nil, fmt.Errorf("existing keys: %w", err)
	}

	wanted := make(map[core.DedupKey]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	for _, r := range rows {
		k := core.DedupKey{LastName: r.LastName, FirstNames: r.FirstNames, BirthDate: r.BirthDate}
		if wanted[k] {
			out[k] = true
		}
	}
	return out, nil
}

func (t *txn) Upsert(ctx context.Context, records []core.Record, meta core.UpsertMeta) (core.UpsertResult, error) {
	if len(records) == 0 {
		return core.UpsertResult{}, nil
	}
	inserted, updated, err := t.q.UpsertRecords(ctx, upsertParams(records, meta))
	if err != nil {
		return core.UpsertResult{}, fmt.Errorf("upsert %d records: %w", len(records), err)
	}
	return core.UpsertResult{Inserted: inserted, Updated: updated}, nil
}

func (t *txn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback is a no-op once the transaction has been committed.
func (t *txn) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// keyArrays splits keys into the parallel arrays the lookup statement
// unnests.
func keyArrays(keys []core.DedupKey) (last, first, birth []string) {
	last = make([]string, len(keys))
	first = make([]string, len(keys))
	birth = make([]string, len(keys))
	for i, k := range keys {
		last[i] = k.LastName
		first[i] = k.FirstNames
		birth[i] = k.BirthDate
	}
	return last, first, birth
}

// upsertParams builds the column arrays for one batch.
func upsertParams(records []core.Record, meta core.UpsertMeta) UpsertRecordsParams {
	n := len(records)
	p := UpsertRecordsParams{
		EnrollmentSites:    make([]pgtype.Text, n),
		WithdrawalSites:    make([]pgtype.Text, n),
		StorageLocations:   make([]pgtype.Text, n),
		LastNames:          make([]string, n),
		FirstNames:         make([]string, n),
		BirthDates:         make([]pgtype.Date, n),
		BirthPlaces:        make([]pgtype.Text, n),
		Contacts:           make([]pgtype.Text, n),
		DeliveryStatuses:   make([]pgtype.Text, n),
		WithdrawalContacts: make([]pgtype.Text, n),
		DeliveryDates:      make([]pgtype.Date, n),
		ImportBatchID:      meta.ImportID,
		OwnerID:            toPgText(meta.OwnerID),
		ImportedAt:         toPgTimestamptz(meta.ImportedAt),
	}
	for i, r := range records {
		p.EnrollmentSites[i] = toPgText(r.EnrollmentSite)
		p.WithdrawalSites[i] = toPgText(r.WithdrawalSite)
		p.StorageLocations[i] = toPgText(r.StorageLocation)
		p.LastNames[i] = r.LastName
		p.FirstNames[i] = r.FirstNames
		p.BirthDates[i] = toPgDate(r.BirthDate)
		p.BirthPlaces[i] = toPgText(r.BirthPlace)
		p.Contacts[i] = toPgText(r.Contact)
		p.DeliveryStatuses[i] = toPgText(r.DeliveryStatus)
		p.WithdrawalContacts[i] = toPgText(r.WithdrawalContact)
		p.DeliveryDates[i] = toPgDate(r.DeliveryDate)
	}
	return p
}
