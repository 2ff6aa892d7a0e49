package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults for ServiceConfig.
const (
	DefaultImportTimeout   = 2 * time.Hour
	DefaultImportRetention = 5 * time.Minute
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Options Options

	// Limiter bounds imports across sessions. Nil uses the defaults.
	Limiter *ImportLimiter

	// ImportTimeout caps a whole import; Retention is how long a finished
	// import stays queryable.
	ImportTimeout time.Duration
	Retention     time.Duration
}

// Service runs imports in the background, one Session per import, and keeps
// them addressable by import batch id until their retention expires.
type Service struct {
	store   DataStore
	audit   AuditLogger
	fs      Filesystem
	opts    Options
	limiter *ImportLimiter
	logger  *slog.Logger

	timeout   time.Duration
	retention time.Duration

	mu      sync.RWMutex
	imports map[string]*activeImport
}

type activeImport struct {
	ID        string
	FilePath  string
	OwnerID   string
	StartedAt time.Time

	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	result  ImportResult
	err     error
}

// NewService wires the collaborators. audit may be nil; fs defaults to the
// local disk.
func NewService(store DataStore, audit AuditLogger, fs Filesystem, cfg ServiceConfig) *Service {
	opts := cfg.Options.withDefaults()
	if fs == nil {
		fs = OSFilesystem{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewImportLimiter(DefaultMaxConcurrentImports, DefaultMaxWait)
	}
	if cfg.ImportTimeout <= 0 {
		cfg.ImportTimeout = DefaultImportTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultImportRetention
	}
	return &Service{
		store:     store,
		audit:     audit,
		fs:        fs,
		opts:      opts,
		limiter:   cfg.Limiter,
		logger:    opts.Logger,
		timeout:   cfg.ImportTimeout,
		retention: cfg.Retention,
		imports:   make(map[string]*activeImport),
	}
}

// StartImport begins an asynchronous import and returns its id immediately.
// Use SubscribeEvents, ImportStatus and ImportResult to follow it.
//
// Returns ErrTooManyImports if no slot frees up in time, and
// ErrAlreadyRunning if an import with the same id is still running.
func (s *Service) StartImport(ctx context.Context, path, ownerID, importBatchID string) (string, error) {
	if importBatchID == "" {
		importBatchID = uuid.NewString()
	}

	s.mu.RLock()
	existing, ok := s.imports[importBatchID]
	s.mu.RUnlock()
	if ok && !existing.finished() {
		return "", ErrAlreadyRunning
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	importCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	imp := &activeImport{
		ID:        importBatchID,
		FilePath:  path,
		OwnerID:   ownerID,
		StartedAt: time.Now(),
		session:   NewSession(s.store, s.audit, s.fs, s.opts),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if cur, ok := s.imports[importBatchID]; ok && !cur.finished() {
		s.mu.Unlock()
		cancel()
		s.limiter.Release()
		return "", ErrAlreadyRunning
	}
	s.imports[importBatchID] = imp
	s.mu.Unlock()

	go s.run(importCtx, imp)

	return importBatchID, nil
}

// run executes the import, recovering panics so the limiter slot and the
// done channel are always released.
func (s *Service) run(ctx context.Context, imp *activeImport) {
	defer s.evictAfter(imp, s.retention)
	defer close(imp.done)
	defer imp.cancel()
	defer s.limiter.Release()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in import",
				"import_id", imp.ID,
				"file", imp.FilePath,
				"panic", r,
			)
			imp.err = fmt.Errorf("internal error: %v", r)
			imp.result = ImportResult{
				ImportBatchID: imp.ID,
				State:         StateFailed,
				Error:         imp.err.Error(),
			}
		}
	}()

	imp.result, imp.err = imp.session.Start(ctx, imp.FilePath, imp.OwnerID, imp.ID)
}

func (a *activeImport) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (s *Service) lookup(id string) (*activeImport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	imp, ok := s.imports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImportNotFound, id)
	}
	return imp, nil
}

// CancelImport requests cooperative cancellation. The batch being written,
// if any, commits first.
func (s *Service) CancelImport(id string) error {
	imp, err := s.lookup(id)
	if err != nil {
		return err
	}
	imp.session.Cancel()
	return nil
}

// ImportStatus returns a snapshot of one import.
func (s *Service) ImportStatus(id string) (Status, error) {
	imp, err := s.lookup(id)
	if err != nil {
		return Status{}, err
	}
	st := imp.session.Status()
	if st.ImportBatchID == "" {
		st.ImportBatchID = imp.ID
	}
	return st, nil
}

// ImportResult blocks until the import finishes or ctx ends. The returned
// error is the import's terminal error, if it failed.
func (s *Service) ImportResult(ctx context.Context, id string) (ImportResult, error) {
	imp, err := s.lookup(id)
	if err != nil {
		return ImportResult{}, err
	}
	select {
	case <-imp.done:
		return imp.result, imp.err
	case <-ctx.Done():
		return ImportResult{}, ctx.Err()
	}
}

// SubscribeEvents returns the import's event stream and a detach function.
// The channel is closed when the import finishes.
func (s *Service) SubscribeEvents(id string) (<-chan Event, func(), error) {
	imp, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := imp.session.Subscribe()
	return ch, unsubscribe, nil
}

// ListImports returns the status of every retained import, newest first.
func (s *Service) ListImports() []Status {
	s.mu.RLock()
	imps := make([]*activeImport, 0, len(s.imports))
	for _, imp := range s.imports {
		imps = append(imps, imp)
	}
	s.mu.RUnlock()

	sort.Slice(imps, func(i, j int) bool { return imps[i].StartedAt.After(imps[j].StartedAt) })

	out := make([]Status, len(imps))
	for i, imp := range imps {
		out[i] = imp.session.Status()
		if out[i].ImportBatchID == "" {
			out[i].ImportBatchID = imp.ID
		}
	}
	return out
}

// Analyze runs only the pre-scan: header validation and row estimate.
func (s *Service) Analyze(ctx context.Context, path string) (Analysis, error) {
	return NewAnalyzer(s.fs, s.opts).Analyze(ctx, path)
}

// LimiterStatus reports import slot usage.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// CancelAll requests cancellation of every running import.
func (s *Service) CancelAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, imp := range s.imports {
		if !imp.finished() {
			imp.session.Cancel()
		}
	}
}

// WaitForImports blocks until running imports finish. If ctx ends first,
// the remaining imports are cancelled and ctx's error is returned.
func (s *Service) WaitForImports(ctx context.Context) error {
	if err := s.limiter.WaitForDrain(ctx); err != nil {
		s.CancelAll()
		return err
	}
	return nil
}

func (s *Service) evictAfter(imp *activeImport, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.imports[imp.ID] == imp {
			delete(s.imports, imp.ID)
		}
	})
}
