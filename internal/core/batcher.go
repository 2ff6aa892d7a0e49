package core

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// Batcher turns a decoded stream into a finite, non-restartable sequence of
// batches.
//
// Produce runs in its own goroutine: it reads, normalizes and sends rows into
// a channel whose capacity equals the batch size. Next pulls rows off that
// channel. When the consumer is busy writing a batch the channel fills and
// Produce blocks, so at most one batch of decoded rows is held ahead of the
// store.
type Batcher struct {
	reader  *csv.Reader
	mapping HeaderMapping
	size    int

	rows chan BatchRow
	err  error // set by Produce before rows is closed

	next int
}

// NewBatcher reads src, which must already be decoded to UTF-8. The first
// record is treated as the header and skipped.
func NewBatcher(src io.Reader, mapping HeaderMapping, delim rune, batchSize int) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if delim == 0 {
		delim = ','
	}
	return &Batcher{
		reader:  newCSVReader(bufio.NewReaderSize(src, bufferSize), delim),
		mapping: mapping,
		size:    batchSize,
		rows:    make(chan BatchRow, batchSize),
	}
}

// Produce reads rows until EOF, an error, or cancellation. cancelled is
// checked before every row; once it reports true Produce stops with
// ErrCancelled. It must be called exactly once.
func (b *Batcher) Produce(ctx context.Context, cancelled func() bool) (err error) {
	defer func() {
		b.err = err
		close(b.rows)
	}()

	if _, err := b.reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read header: %w", err)
	}

	for {
		if cancelled != nil && cancelled() {
			return ErrCancelled
		}

		fields, readErr := b.reader.Read()
		if errors.Is(readErr, io.EOF) {
			return nil
		}

		var row BatchRow
		var parseErr *csv.ParseError
		switch {
		case readErr == nil:
			line, _ := b.reader.FieldPos(0)
			row.Line = line
			row.Record, row.Err = Normalize(RawRow{Line: line, Fields: fields}, b.mapping)
		case errors.As(readErr, &parseErr):
			row.Line = parseErr.StartLine
			row.Err = &RowError{Line: parseErr.StartLine, Message: parseErr.Err.Error()}
		default:
			return fmt.Errorf("read row: %w", readErr)
		}

		select {
		case b.rows <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next returns the next batch. A short trailing batch is returned once,
// after which Next returns io.EOF. If Produce failed, the partially
// assembled batch is discarded and its error is returned.
func (b *Batcher) Next(ctx context.Context) (Batch, error) {
	batch := Batch{Index: b.next, Rows: make([]BatchRow, 0, b.size)}

	for len(batch.Rows) < b.size {
		select {
		case row, ok := <-b.rows:
			if !ok {
				if b.err != nil {
					return Batch{}, b.err
				}
				if len(batch.Rows) == 0 {
					return Batch{}, io.EOF
				}
				b.next++
				return batch, nil
			}
			batch.Rows = append(batch.Rows, row)
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}

	b.next++
	return batch, nil
}
