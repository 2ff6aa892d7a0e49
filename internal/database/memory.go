package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// ErrTxDone is returned when a finished memory transaction is reused.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// MemoryStore is an in-process core.DataStore used for dry runs. Writes are
// staged per transaction and applied on commit, with the same conflict
// rules as the PostgreSQL store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[core.DedupKey]storedRecord
}

type storedRecord struct {
	core.Record
	ImportBatchID string
	OwnerID       string
	ImportedAt    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[core.DedupKey]storedRecord)}
}

var _ core.DataStore = (*MemoryStore)(nil)

func (m *MemoryStore) Begin(ctx context.Context) (core.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTxn{store: m, staged: make(map[core.DedupKey]storedRecord)}, nil
}

// Len returns the number of committed rows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// CountByImport returns how many committed rows were last written by the
// import.
func (m *MemoryStore) CountByImport(_ context.Context, importBatchID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, r := range m.rows {
		if r.ImportBatchID == importBatchID {
			n++
		}
	}
	return n, nil
}

// RecordsByImport returns up to limit committed rows last written by the
// import, ordered by last name then first names.
func (m *MemoryStore) RecordsByImport(_ context.Context, importBatchID string, limit int) ([]core.Record, error) {
	m.mu.RLock()
	var out []core.Record
	for _, r := range m.rows {
		if r.ImportBatchID == importBatchID {
			out = append(out, r.Record)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstNames < out[j].FirstNames
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the committed row stored under rec's key.
func (m *MemoryStore) Get(rec core.Record) (core.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[rec.Key()]
	return r.Record, ok
}

// ImportedAt returns when the row stored under rec's key was last written.
func (m *MemoryStore) ImportedAt(rec core.Record) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[rec.Key()]
	return r.ImportedAt, ok
}

type memTxn struct {
	store  *MemoryStore
	staged map[core.DedupKey]storedRecord
	done   bool
}

func (t *memTxn) ExistingKeys(ctx context.Context, keys []core.DedupKey) (map[core.DedupKey]bool, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	out := make(map[core.DedupKey]bool)
	for _, k := range keys {
		_, committed := t.store.rows[k]
		_, staged := t.staged[k]
		if committed || staged {
			out[k] = true
		}
	}
	return out, nil
}

func (t *memTxn) Upsert(ctx context.Context, records []core.Record, meta core.UpsertMeta) (core.UpsertResult, error) {
	if t.done {
		return core.UpsertResult{}, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return core.UpsertResult{}, err
	}

	seen := make(map[core.DedupKey]bool, len(records))
	for _, r := range records {
		k := r.Key()
		if seen[k] {
			return core.UpsertResult{}, fmt.Errorf("key %s/%s/%s affected twice in one statement", k.LastName, k.FirstNames, k.BirthDate)
		}
		seen[k] = true
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var res core.UpsertResult
	for _, r := range records {
		k := r.Key()
		prev, exists := t.staged[k]
		if !exists {
			prev, exists = t.store.rows[k]
		}
		next := storedRecord{Record: r, ImportBatchID: meta.ImportID, OwnerID: meta.OwnerID, ImportedAt: meta.ImportedAt}
		if exists {
			// Conflicts only refresh the mutable fields.
			next = prev
			next.DeliveryStatus = r.DeliveryStatus
			next.WithdrawalContact = r.WithdrawalContact
			next.DeliveryDate = r.DeliveryDate
			next.ImportBatchID = meta.ImportID
			next.ImportedAt = meta.ImportedAt
			res.Updated++
		} else {
			res.Inserted++
		}
		t.staged[k] = next
	}
	return res, nil
}

func (t *memTxn) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for k, r := range t.staged {
		t.store.rows[k] = r
	}
	t.done = true
	return nil
}

func (t *memTxn) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.staged = nil
	t.done = true
	return nil
}

// MemoryAudit collects batch summaries in memory.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []core.BatchAudit
}

var _ core.AuditLogger = (*MemoryAudit)(nil)

func (a *MemoryAudit) RecordBatch(_ context.Context, entry core.BatchAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

// Entries returns a copy of the recorded summaries.
func (a *MemoryAudit) Entries() []core.BatchAudit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.BatchAudit(nil), a.entries...)
}
