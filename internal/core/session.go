package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// assumedRowsPerSecond seeds the ETA in the analysis event before any batch
// has been timed.
const assumedRowsPerSecond = goodRowsPerSecond

// Session runs one import at a time through the pipeline:
//
//	idle → analyzing → validating → streaming → finalizing → completed
//	                                                        ↘ failed | cancelled
//
// Batches are processed strictly in file order; batch N+1 starts only after
// batch N has committed or rolled back.
type Session struct {
	store  DataStore
	audit  AuditLogger
	fs     Filesystem
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	running   atomic.Bool
	cancelled atomic.Bool

	mu           sync.RWMutex
	state        State
	importID     string
	stats        Stats
	startedAt    time.Time
	finishedAt   time.Time
	currentBatch int
	lastProgress time.Time
	events       *broadcaster
}

// NewSession returns an idle session. audit may be nil; fs defaults to the
// local disk.
func NewSession(store DataStore, audit AuditLogger, fs Filesystem, opts Options) *Session {
	opts = opts.withDefaults()
	if audit == nil {
		audit = nopAudit{}
	}
	if fs == nil {
		fs = OSFilesystem{}
	}
	if opts.MaxConcurrentBatches > 1 {
		opts.Logger.Info("max concurrent batches is set but batches run sequentially",
			"max_concurrent_batches", opts.MaxConcurrentBatches)
	}
	return &Session{
		store:  store,
		audit:  audit,
		fs:     fs,
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
		state:  StateIdle,
		events: newBroadcaster(),
	}
}

// Start imports the file at path. It blocks until the import reaches a
// terminal state. An empty importBatchID is replaced by a new UUID.
//
// A cancelled import returns its partial result with a nil error. A failed
// import returns its partial result together with the cause: a
// *ValidationError before streaming, a *BatchError during it. A second call
// while one is in flight returns ErrAlreadyRunning without touching state.
func (s *Session) Start(ctx context.Context, path, ownerID, importBatchID string) (ImportResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return ImportResult{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	if importBatchID == "" {
		importBatchID = uuid.NewString()
	}
	events := s.begin(importBatchID)
	defer events.close()

	logger := s.logger.With("import_id", importBatchID, "file", path)
	start := s.startedAt
	s.emit(EventStart, StartData{FilePath: path, StartTime: start, ImportBatchID: importBatchID})
	logger.Info("import started", "owner_id", ownerID)

	s.setState(StateAnalyzing)
	analysis, err := NewAnalyzer(s.fs, s.opts).Analyze(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancel(logger)
		}
		return s.fail(logger, err)
	}
	s.reportAnalysis(analysis)

	s.setState(StateValidating)
	if s.opts.MaxRows > 0 && analysis.EstimatedRows > s.opts.MaxRows {
		return s.fail(logger, &ValidationError{
			Code:    CodeTooManyRows,
			Message: fmt.Sprintf("file has about %d rows, limit is %d", analysis.EstimatedRows, s.opts.MaxRows),
		})
	}
	if s.cancelled.Load() {
		return s.cancel(logger)
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return s.fail(logger, &ValidationError{Code: CodeUnreadable, Message: "cannot open file", Err: err})
	}
	src, err := DecodeReader(f, s.opts.Encoding)
	if err != nil {
		f.Close()
		return s.fail(logger, err)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.Close()
			if !s.opts.DeleteOnFinish {
				return
			}
			if err := s.fs.Remove(path); err != nil {
				logger.Warn("cleanup failed", "error", err)
				return
			}
			logger.Debug("source file removed")
		})
	}
	defer cleanup()

	s.setState(StateStreaming)
	err = s.stream(ctx, src, analysis, importBatchID, ownerID)

	switch {
	case errors.Is(err, ErrCancelled), err != nil && ctx.Err() != nil:
		cleanup()
		return s.cancel(logger)
	case err != nil:
		cleanup()
		return s.fail(logger, err)
	}

	s.setState(StateFinalizing)
	cleanup()
	return s.complete(logger)
}

// stream runs the batcher producer and the sequential batch consumer.
func (s *Session) stream(ctx context.Context, src io.Reader, analysis Analysis, importID, ownerID string) error {
	batcher := NewBatcher(src, analysis.Mapping, analysis.Delimiter, s.opts.BatchSize)
	proc := NewProcessor(s.store, s.audit, s.opts, s.emit)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return batcher.Produce(gctx, s.cancelled.Load)
	})
	g.Go(func() error {
		for {
			if s.cancelled.Load() {
				return ErrCancelled
			}
			batch, err := batcher.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if s.cancelled.Load() {
				return ErrCancelled
			}

			s.mu.Lock()
			s.currentBatch = batch.Index
			s.mu.Unlock()

			// The parent context is used so a producer failure cannot abort
			// a batch mid-transaction.
			res, err := proc.Process(ctx, batch, importID, ownerID)
			if err != nil {
				return err
			}
			s.fold(res, batch.Size())
		}
	})
	return g.Wait()
}

// Cancel asks the running import to stop at the next checkpoint: before the
// next row is read and before the next batch starts. A batch already
// writing finishes. Cancel is idempotent.
func (s *Session) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.logger.Info("import cancellation requested", "import_id", s.ImportBatchID())
	}
}

// ImportBatchID returns the id of the current or last import.
func (s *Session) ImportBatchID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.importID
}

// Subscribe returns a channel of events for the current or next import and
// a function that detaches it. The channel first replays the latest event
// and is closed when the import finishes.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.RLock()
	b := s.events
	s.mu.RUnlock()
	return b.subscribe()
}

// Status returns a point-in-time snapshot.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ImportBatchID:     s.importID,
		IsRunning:         s.running.Load(),
		IsCancelled:       s.cancelled.Load(),
		State:             s.state,
		Stats:             s.stats,
		CurrentBatchIndex: s.currentBatch,
	}

	if s.startedAt.IsZero() {
		return st
	}
	end := s.finishedAt
	if end.IsZero() {
		end = s.now()
	}
	st.CurrentSpeed = rowsPerSecond(s.stats.Processed, end.Sub(s.startedAt))
	st.ProgressPercent = progressPercent(s.stats.Processed, s.stats.TotalRows)
	if s.state == StateCompleted {
		st.ProgressPercent = 100
	}
	if remaining := s.stats.TotalRows - s.stats.Processed; remaining > 0 && st.CurrentSpeed > 0 && !s.state.Terminal() {
		st.EstimatedRemaining = time.Duration(float64(remaining) / st.CurrentSpeed * float64(time.Second))
	}
	return st
}

// begin resets per-import state and returns the broadcaster for this run.
func (s *Session) begin(importID string) *broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		s.cancelled.Store(false)
		s.events = newBroadcaster()
	}
	s.state = StateIdle
	s.importID = importID
	s.stats = Stats{}
	s.startedAt = s.now()
	s.finishedAt = time.Time{}
	s.currentBatch = 0
	s.lastProgress = time.Time{}
	return s.events
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) reportAnalysis(a Analysis) {
	s.mu.Lock()
	s.stats.TotalRows = a.EstimatedRows
	s.mu.Unlock()

	s.emit(EventAnalysis, AnalysisData{
		TotalRows:        a.EstimatedRows,
		Exact:            a.Exact,
		EstimatedBatches: a.EstimatedBatches(s.opts.BatchSize),
		EstimatedTime:    time.Duration(float64(a.EstimatedRows) / assumedRowsPerSecond * float64(time.Second)),
	})
	if unmapped := a.Mapping.Unmapped(); len(unmapped) > 0 {
		s.emit(EventWarning, WarningData{
			Type:   WarningUnmappedColumns,
			Detail: strings.Join(unmapped, ", "),
		})
	}
	if !a.Exact {
		s.emit(EventWarning, WarningData{
			Type:   WarningEstimatedRows,
			Detail: fmt.Sprintf("row count of about %d extrapolated from a sample", a.EstimatedRows),
		})
	}
}

// fold adds a committed batch to the counters and emits throttled progress.
func (s *Session) fold(res BatchResult, rows int) {
	now := s.now()

	s.mu.Lock()
	s.stats.add(res, rows)
	if s.stats.Processed > s.stats.TotalRows {
		s.stats.TotalRows = s.stats.Processed
	}
	due := now.Sub(s.lastProgress) >= s.opts.ProgressInterval
	if due {
		s.lastProgress = now
	}
	stats := s.stats
	elapsed := now.Sub(s.startedAt)
	s.mu.Unlock()

	if !due {
		return
	}
	s.emit(EventProgress, ProgressData{
		Processed:     stats.Processed,
		Total:         stats.TotalRows,
		Percentage:    progressPercent(stats.Processed, stats.TotalRows),
		RowsPerSecond: rowsPerSecond(stats.Processed, elapsed),
		Memory:        stats.MemoryPeak,
	})
}

func (s *Session) finish(st State) (Stats, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.finishedAt = s.now()
	return s.stats, s.finishedAt.Sub(s.startedAt)
}

func (s *Session) complete(logger *slog.Logger) (ImportResult, error) {
	s.mu.Lock()
	s.stats.TotalRows = s.stats.Processed
	s.mu.Unlock()

	stats, elapsed := s.finish(StateCompleted)
	perf := classifyPerformance(stats, elapsed)

	s.emit(EventComplete, CompleteData{
		Stats:       stats,
		Duration:    elapsed,
		SuccessRate: perf.SuccessRate,
		Performance: perf,
	})
	logger.Info("import completed",
		"rows", stats.Processed,
		"imported", stats.Imported,
		"updated", stats.Updated,
		"duplicates", stats.Duplicates,
		"errors", stats.Errors,
		"batches", stats.Batches,
		"duration", elapsed,
		"rows_per_second", perf.RowsPerSecond,
		"memory_peak", FormatBytes(stats.MemoryPeak),
	)

	return ImportResult{
		Success:       true,
		ImportBatchID: s.ImportBatchID(),
		State:         StateCompleted,
		Stats:         stats,
		Duration:      elapsed,
		Performance:   perf,
	}, nil
}

func (s *Session) fail(logger *slog.Logger, err error) (ImportResult, error) {
	stats, elapsed := s.finish(StateFailed)

	s.emit(EventError, ErrorData{Error: err.Error(), Code: MapError(err).Code, Stats: stats})
	logger.Error("import failed",
		"error", err,
		"processed", stats.Processed,
		"batches", stats.Batches,
		"duration", elapsed,
	)

	return ImportResult{
		ImportBatchID: s.ImportBatchID(),
		State:         StateFailed,
		Stats:         stats,
		Duration:      elapsed,
		Performance:   classifyPerformance(stats, elapsed),
		Error:         err.Error(),
	}, err
}

func (s *Session) cancel(logger *slog.Logger) (ImportResult, error) {
	s.cancelled.Store(true)
	stats, elapsed := s.finish(StateCancelled)

	s.emit(EventCancelled, CancelledData{Stats: stats})
	logger.Info("import cancelled",
		"processed", stats.Processed,
		"batches", stats.Batches,
		"duration", elapsed,
	)

	return ImportResult{
		ImportBatchID: s.ImportBatchID(),
		State:         StateCancelled,
		Stats:         stats,
		Duration:      elapsed,
		Performance:   classifyPerformance(stats, elapsed),
		Error:         ErrCancelled.Error(),
	}, nil
}

// emit records batch memory snapshots, then delivers the event to the
// synchronous hook and the channel subscribers.
func (s *Session) emit(typ EventType, data any) {
	s.mu.Lock()
	switch d := data.(type) {
	case BatchCompleteData:
		s.stats.MemoryPeak = max(s.stats.MemoryPeak, d.Memory)
	case BatchErrorData:
		s.stats.MemoryPeak = max(s.stats.MemoryPeak, d.Memory)
	}
	ev := Event{Type: typ, ImportBatchID: s.importID, Time: s.now(), Data: data}
	b := s.events
	s.mu.Unlock()

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
	b.publish(ev)
}

func rowsPerSecond(rows int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(rows) / elapsed.Seconds()
}

func progressPercent(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return min(float64(processed)*100/float64(total), 100)
}
