package core

// store.go declares the collaborators the pipeline consumes. Production
// implementations live in internal/database; OSFilesystem is defined here.

import (
	"context"
	"io"
	"io/fs"
	"os"
	"time"
)

// DataStore hands out one transaction per batch. No transaction is held
// across batch boundaries.
type DataStore interface {
	Begin(ctx context.Context) (Txn, error)
}

// Txn is one batch's transaction. Rollback after Commit must be a no-op.
type Txn interface {
	// ExistingKeys reports which of keys are already stored, compared
	// case-insensitively. Done in a single round-trip.
	ExistingKeys(ctx context.Context, keys []DedupKey) (map[DedupKey]bool, error)

	// Upsert writes records in one multi-row statement. On key conflict the
	// mutable fields (delivery status, withdrawal contact, delivery date,
	// import timestamp) of the stored row are updated.
	Upsert(ctx context.Context, records []Record, meta UpsertMeta) (UpsertResult, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UpsertMeta is stamped on every written row.
type UpsertMeta struct {
	ImportID   string
	OwnerID    string
	ImportedAt time.Time
}

// UpsertResult splits affected rows into fresh inserts and conflict updates.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// BatchAudit is the summary handed to the audit log every AuditEvery batches.
type BatchAudit struct {
	ImportID   string
	OwnerID    string
	BatchIndex int
	Result     BatchResult
	Duration   time.Duration
	RecordedAt time.Time
}

// AuditLogger receives periodic batch summaries. Failures never fail an
// import.
type AuditLogger interface {
	RecordBatch(ctx context.Context, entry BatchAudit) error
}

// Filesystem is the file access the pipeline needs.
type Filesystem interface {
	Open(path string) (io.ReadCloser, error)
	Stat(path string) (fs.FileInfo, error)
	Remove(path string) error
}

// OSFilesystem implements Filesystem on the local disk.
type OSFilesystem struct{}

func (OSFilesystem) Open(path string) (io.ReadCloser, error) { return os.Open(path) }
func (OSFilesystem) Stat(path string) (fs.FileInfo, error)   { return os.Stat(path) }
func (OSFilesystem) Remove(path string) error                { return os.Remove(path) }

// nopAudit is used when no AuditLogger is configured.
type nopAudit struct{}

func (nopAudit) RecordBatch(context.Context, BatchAudit) error { return nil }
