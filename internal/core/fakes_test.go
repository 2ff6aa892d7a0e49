package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"testing/fstest"
	"time"
)

// memFS is an in-memory Filesystem.
type memFS struct {
	mu      sync.Mutex
	files   fstest.MapFS
	removed []string
}

func newMemFS() *memFS {
	return &memFS{files: fstest.MapFS{}}
}

func (m *memFS) add(name, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = &fstest.MapFile{Data: []byte(content)}
}

func (m *memFS) Open(path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.files.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (m *memFS) Stat(path string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fs.Stat(m.files, path)
}

func (m *memFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return fs.ErrNotExist
	}
	delete(m.files, path)
	m.removed = append(m.removed, path)
	return nil
}

func (m *memFS) removals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// fakeStore is an in-memory DataStore with per-transaction staging.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[DedupKey]Record
	begins    int
	commits   int
	rollbacks int
	upserts   int

	// upsertHook runs before each Upsert; a non-nil error fails it. call is
	// 1-based.
	upsertHook func(ctx context.Context, call int) error
}

func newFakeStore(seed ...Record) *fakeStore {
	s := &fakeStore{rows: make(map[DedupKey]Record)}
	for _, r := range seed {
		s.rows[r.Key()] = r
	}
	return s
}

func (s *fakeStore) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
	return &fakeTxn{store: s, staged: make(map[DedupKey]Record)}, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) has(r Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[r.Key()]
	return ok
}

func (s *fakeStore) get(r Record) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	got, ok := s.rows[r.Key()]
	return got, ok
}

type fakeTxn struct {
	store  *fakeStore
	staged map[DedupKey]Record
	done   bool
}

func (t *fakeTxn) ExistingKeys(ctx context.Context, keys []DedupKey) (map[DedupKey]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make(map[DedupKey]bool)
	for _, k := range keys {
		if _, ok := t.store.rows[k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

func (t *fakeTxn) Upsert(ctx context.Context, records []Record, meta UpsertMeta) (UpsertResult, error) {
	t.store.mu.Lock()
	t.store.upserts++
	call := t.store.upserts
	hook := t.store.upsertHook
	t.store.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return UpsertResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var res UpsertResult
	for _, r := range records {
		k := r.Key()
		_, stored := t.store.rows[k]
		_, staged := t.staged[k]
		if stored || staged {
			res.Updated++
		} else {
			res.Inserted++
		}
		t.staged[k] = r
	}
	return res, nil
}

func (t *fakeTxn) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for k, r := range t.staged {
		t.store.rows[k] = r
	}
	t.store.commits++
	return nil
}

func (t *fakeTxn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.rollbacks++
	t.store.mu.Unlock()
	return nil
}

// sleepUpsert blocks every upsert for d or until ctx ends.
func sleepUpsert(d time.Duration) func(context.Context, int) error {
	return func(ctx context.Context, _ int) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fakeAudit records entries; err, if set, is returned from every call.
type fakeAudit struct {
	mu      sync.Mutex
	entries []BatchAudit
	err     error
}

func (a *fakeAudit) RecordBatch(_ context.Context, e BatchAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return a.err
}

func (a *fakeAudit) indexes() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.BatchIndex
	}
	return out
}

// eventLog collects events delivered through Options.OnEvent.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

const testHeader = "NOM;PRENOMS;DATE DE NAISSANCE;CONTACT;DELIVRANCE"

// personRows returns n distinct valid data lines for testHeader.
func personRows(n int) []string {
	rows := make([]string, n)
	for i := range rows {
		rows[i] = fmt.Sprintf("KOUASSI%d;Jean %d;15/03/1990;07 01 02 03;OUI", i, i)
	}
	return rows
}

func csvFile(header string, rows ...string) string {
	return header + "\n" + strings.Join(rows, "\n") + "\n"
}

// testOptions returns options with small, fast settings and a silent logger.
func testOptions() Options {
	opts := DefaultOptions()
	opts.BatchSize = 2
	opts.ProgressInterval = time.Nanosecond
	opts.BatchTimeout = 2 * time.Second
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}
