package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testMapping(t *testing.T) HeaderMapping {
	t.Helper()
	m, err := BuildHeaderMapping(strings.Split(testHeader, ";"))
	if err != nil {
		t.Fatalf("BuildHeaderMapping: %v", err)
	}
	return m
}

// drain runs Produce in the background and collects every batch.
func drain(t *testing.T, b *Batcher, cancelled func() bool) ([]Batch, error) {
	t.Helper()
	ctx := context.Background()

	prodErr := make(chan error, 1)
	go func() { prodErr <- b.Produce(ctx, cancelled) }()

	var batches []Batch
	for {
		batch, err := b.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			<-prodErr
			return batches, err
		}
		batches = append(batches, batch)
	}
	return batches, <-prodErr
}

func TestBatcher_BatchCount(t *testing.T) {
	tests := []struct {
		rows, size  int
		wantBatches int
		wantLast    int
	}{
		{rows: 0, size: 3, wantBatches: 0},
		{rows: 1, size: 3, wantBatches: 1, wantLast: 1},
		{rows: 3, size: 3, wantBatches: 1, wantLast: 3},
		{rows: 7, size: 3, wantBatches: 3, wantLast: 1},
		{rows: 9, size: 3, wantBatches: 3, wantLast: 3},
		{rows: 10, size: 1, wantBatches: 10, wantLast: 1},
		{rows: 25, size: 1000, wantBatches: 1, wantLast: 25},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			src := strings.NewReader(csvFile(testHeader, personRows(tt.rows)...))
			b := NewBatcher(src, testMapping(t), ';', tt.size)

			batches, err := drain(t, b, nil)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(batches) != tt.wantBatches {
				t.Fatalf("rows=%d size=%d: got %d batches, want %d", tt.rows, tt.size, len(batches), tt.wantBatches)
			}
			total := 0
			for i, batch := range batches {
				if batch.Index != i {
					t.Errorf("batch %d has Index %d", i, batch.Index)
				}
				if i < len(batches)-1 && batch.Size() != tt.size {
					t.Errorf("batch %d size = %d, want %d", i, batch.Size(), tt.size)
				}
				total += batch.Size()
			}
			if total != tt.rows {
				t.Errorf("total rows = %d, want %d", total, tt.rows)
			}
			if tt.wantBatches > 0 {
				if got := batches[len(batches)-1].Size(); got != tt.wantLast {
					t.Errorf("last batch size = %d, want %d", got, tt.wantLast)
				}
			}
		})
	}
}

func TestBatcher_PreservesFileOrderAndLines(t *testing.T) {
	src := strings.NewReader(csvFile(testHeader, personRows(5)...))
	batches, err := drain(t, NewBatcher(src, testMapping(t), ';', 2), nil)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	line := 2
	for _, batch := range batches {
		for _, row := range batch.Rows {
			if row.Line != line {
				t.Errorf("row line = %d, want %d", row.Line, line)
			}
			want := personRows(5)[line-2]
			if !strings.HasPrefix(want, row.Record.LastName+";") {
				t.Errorf("line %d: last name %q out of order", line, row.Record.LastName)
			}
			line++
		}
	}
}

func TestBatcher_RowErrorsStayInBatch(t *testing.T) {
	src := strings.NewReader(csvFile(testHeader, "KONE;Awa", "TRAORE;", "\n", ";;;;", "DIALLO;Moussa"))
	batches, err := drain(t, NewBatcher(src, testMapping(t), ';', 10), nil)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	rows := batches[0].Rows
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4 (empty lines skipped, delimiter-only row kept)", len(rows))
	}
	var rowErr *RowError
	if !errors.As(rows[1].Err, &rowErr) || rowErr.Line != 3 {
		t.Errorf("row 1 error = %v, want RowError on line 3", rows[1].Err)
	}
	if !errors.As(rows[2].Err, &rowErr) || rowErr.Line != 6 {
		t.Errorf("row 2 error = %v, want RowError on line 6", rows[2].Err)
	}
	if rows[0].Err != nil || rows[3].Err != nil {
		t.Errorf("unexpected errors: %v, %v", rows[0].Err, rows[3].Err)
	}
}

func TestBatcher_HeaderOnly(t *testing.T) {
	batches, err := drain(t, NewBatcher(strings.NewReader(testHeader+"\n"), testMapping(t), ';', 2), nil)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches, want 0", len(batches))
	}
}

func TestBatcher_Cancellation(t *testing.T) {
	src := strings.NewReader(csvFile(testHeader, personRows(10)...))
	b := NewBatcher(src, testMapping(t), ';', 2)

	var reads atomic.Int32
	cancelled := func() bool { return reads.Add(1) > 5 }

	batches, err := drain(t, b, cancelled)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	// Five rows were read before cancellation: two full batches, and the
	// partial third is discarded.
	if len(batches) > 2 {
		t.Errorf("got %d batches, want at most 2", len(batches))
	}
}

func TestBatcher_Backpressure(t *testing.T) {
	const size = 3
	src := strings.NewReader(csvFile(testHeader, personRows(50)...))
	b := NewBatcher(src, testMapping(t), ';', size)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Produce(ctx, nil) }()

	// Without a consumer the producer fills the channel and blocks.
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("producer finished without a consumer: %v", err)
	default:
	}
	if got := len(b.rows); got != size {
		t.Errorf("buffered rows = %d, want %d", got, size)
	}

	batch, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if batch.Size() != size {
		t.Errorf("batch size = %d, want %d", batch.Size(), size)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer did not stop after context cancellation")
	}
}
