package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// rollbackTimeout bounds the rollback issued after a failed batch. It runs
// on a context detached from the batch deadline.
const rollbackTimeout = 5 * time.Second

// Processor writes one batch inside one transaction.
type Processor struct {
	store  DataStore
	audit  AuditLogger
	opts   Options
	logger *slog.Logger
	emit   func(EventType, any)
	now    func() time.Time
}

// NewProcessor returns a Processor. audit and emit may be nil.
func NewProcessor(store DataStore, audit AuditLogger, opts Options, emit func(EventType, any)) *Processor {
	opts = opts.withDefaults()
	if audit == nil {
		audit = nopAudit{}
	}
	if emit == nil {
		emit = func(EventType, any) {}
	}
	return &Processor{
		store:  store,
		audit:  audit,
		opts:   opts,
		logger: opts.Logger,
		emit:   emit,
		now:    time.Now,
	}
}

// Process validates, deduplicates and upserts batch under a BatchTimeout
// deadline. Any failure rolls the whole batch back and is returned as a
// *BatchError; a deadline failure wraps ErrBatchTimeout.
func (p *Processor) Process(ctx context.Context, batch Batch, importID, ownerID string) (BatchResult, error) {
	start := p.now()
	p.emit(EventBatchStart, BatchStartData{BatchIndex: batch.Index, Size: batch.Size()})

	bctx, cancel := context.WithTimeout(ctx, p.opts.BatchTimeout)
	defer cancel()

	res, err := p.write(bctx, batch, UpsertMeta{ImportID: importID, OwnerID: ownerID, ImportedAt: start})
	elapsed := p.now().Sub(start)

	if err != nil {
		if ctx.Err() == nil && errors.Is(bctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrBatchTimeout, p.opts.BatchTimeout, err)
		}
		batchErr := &BatchError{Index: batch.Index, Err: err}
		p.emit(EventBatchError, BatchErrorData{
			BatchIndex: batch.Index,
			Size:       batch.Size(),
			Error:      err.Error(),
			Timeout:    batchErr.IsTimeout(),
			Duration:   elapsed,
			Memory:     memorySnapshot(),
		})
		return BatchResult{}, batchErr
	}

	p.emit(EventBatchComplete, BatchCompleteData{
		BatchIndex: batch.Index,
		Size:       batch.Size(),
		Results:    res,
		Duration:   elapsed,
		Memory:     memorySnapshot(),
	})

	if p.opts.AuditEvery > 0 && batch.Index%p.opts.AuditEvery == 0 {
		p.recordAudit(ctx, BatchAudit{
			ImportID:   importID,
			OwnerID:    ownerID,
			BatchIndex: batch.Index,
			Result:     res,
			Duration:   elapsed,
			RecordedAt: p.now(),
		})
	}
	return res, nil
}

func (p *Processor) write(ctx context.Context, batch Batch, meta UpsertMeta) (BatchResult, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		if rbErr := tx.Rollback(rctx); rbErr != nil {
			p.logger.Error("rollback failed", "batch", batch.Index, "error", rbErr)
		}
	}()

	staged, res := p.stage(batch)

	if p.opts.Dedupe && len(staged) > 0 {
		keys := make([]DedupKey, len(staged))
		for i, rec := range staged {
			keys[i] = rec.Key()
		}
		existing, err := tx.ExistingKeys(ctx, keys)
		if err != nil {
			return BatchResult{}, fmt.Errorf("lookup existing: %w", err)
		}
		kept := staged[:0]
		for _, rec := range staged {
			if existing[rec.Key()] {
				res.Duplicates++
				continue
			}
			kept = append(kept, rec)
		}
		staged = kept
	}

	if len(staged) > 0 {
		ur, err := tx.Upsert(ctx, staged, meta)
		if err != nil {
			return BatchResult{}, fmt.Errorf("upsert: %w", err)
		}
		res.Imported += ur.Inserted
		res.Updated += ur.Updated
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return res, nil
}

// stage drops rejected rows and resolves keys repeated within the batch. A
// multi-row upsert cannot touch the same conflict target twice, so repeats
// are either duplicates (dedupe on) or collapse onto the first position with
// the later row winning (dedupe off).
func (p *Processor) stage(batch Batch) ([]Record, BatchResult) {
	var res BatchResult
	staged := make([]Record, 0, len(batch.Rows))
	seen := make(map[DedupKey]int, len(batch.Rows))

	for _, row := range batch.Rows {
		if row.Err != nil {
			res.Errors++
			continue
		}
		key := row.Record.Key()
		if i, ok := seen[key]; ok {
			if p.opts.Dedupe {
				res.Duplicates++
			} else {
				staged[i] = row.Record
				res.Updated++
			}
			continue
		}
		seen[key] = len(staged)
		staged = append(staged, row.Record)
	}
	return staged, res
}

func (p *Processor) recordAudit(ctx context.Context, entry BatchAudit) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := p.audit.RecordBatch(actx, entry); err != nil {
		p.logger.Warn("audit record failed",
			"import_id", entry.ImportID,
			"batch", entry.BatchIndex,
			"error", err,
		)
	}
}
