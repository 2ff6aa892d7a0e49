package core

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// Analysis is the pre-scan result of one file.
//
// EstimatedRows is exact only when Exact is true. For files above the
// sampling threshold it is extrapolated from the first sampled bytes and is
// meant for progress and ETA only.
type Analysis struct {
	FilePath      string        `json:"filePath"`
	FileSize      int64         `json:"fileSize"`
	Header        []string      `json:"header"`
	Mapping       HeaderMapping `json:"-"`
	Delimiter     rune          `json:"delimiter"`
	EstimatedRows int           `json:"estimatedRows"`
	Exact         bool          `json:"exact"`
}

// MappedFields lists canonical fields that found a source column.
func (a Analysis) MappedFields() []string {
	fields := a.Mapping.Mapped()
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.String()
	}
	return out
}

// EstimatedBatches returns ceil(EstimatedRows / batchSize).
func (a Analysis) EstimatedBatches(batchSize int) int {
	if batchSize <= 0 || a.EstimatedRows <= 0 {
		return 0
	}
	return (a.EstimatedRows + batchSize - 1) / batchSize
}

// Analyzer validates a file's header and estimates its row count.
type Analyzer struct {
	fs   Filesystem
	opts Options
}

// NewAnalyzer returns an Analyzer reading through fs.
func NewAnalyzer(fs Filesystem, opts Options) *Analyzer {
	return &Analyzer{fs: fs, opts: opts.withDefaults()}
}

// ctxCheckEvery is how many rows are counted between context checks.
const ctxCheckEvery = 4096

// Analyze stats the file, validates the header and counts data rows.
// Failures are *ValidationError except for context cancellation.
func (a *Analyzer) Analyze(ctx context.Context, path string) (Analysis, error) {
	info, err := a.fs.Stat(path)
	if err != nil {
		return Analysis{}, &ValidationError{Code: CodeUnreadable, Message: "cannot stat file", Err: err}
	}
	size := info.Size()
	if size == 0 {
		return Analysis{}, &ValidationError{Code: CodeEmptyFile, Message: "file is empty"}
	}
	if a.opts.MaxFileSize > 0 && size > a.opts.MaxFileSize {
		return Analysis{}, &ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("file is %d bytes, limit is %d", size, a.opts.MaxFileSize),
		}
	}

	f, err := a.fs.Open(path)
	if err != nil {
		return Analysis{}, &ValidationError{Code: CodeUnreadable, Message: "cannot open file", Err: err}
	}
	defer f.Close()

	decoded, err := DecodeReader(f, a.opts.Encoding)
	if err != nil {
		return Analysis{}, err
	}
	// Counted after decoding so bytes still buffered can be subtracted
	// exactly. Decoded size only approximates file size for non-UTF-8 input.
	counter := NewCountingReader(decoded)
	br := bufio.NewReaderSize(counter, bufferSize)

	delim := a.opts.Delimiter
	if delim == 0 {
		delim = sniffDelimiter(br)
	}
	r := newCSVReader(br, delim)

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return Analysis{}, &ValidationError{Code: CodeEmptyFile, Message: "file has no header row"}
	}
	if err != nil {
		return Analysis{}, &ValidationError{Code: CodeEncoding, Message: "cannot read header row", Err: err}
	}
	header = append([]string(nil), header...)

	mapping, err := BuildHeaderMapping(header)
	if err != nil {
		return Analysis{}, err
	}

	exact := size <= a.opts.SampleThreshold
	rows := 0
	for {
		if rows%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Analysis{}, err
			}
		}
		if !exact && counter.BytesRead()-int64(br.Buffered()) >= a.opts.SampleBytes {
			break
		}

		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			exact = true
			break
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return Analysis{}, &ValidationError{Code: CodeUnreadable, Message: "read failed", Err: err}
		}
		rows++
	}

	estimate := rows
	if !exact {
		scanned := counter.BytesRead() - int64(br.Buffered())
		if scanned > 0 {
			estimate = int(float64(rows) / float64(scanned) * float64(size))
		}
	}

	return Analysis{
		FilePath:      path,
		FileSize:      size,
		Header:        header,
		Mapping:       mapping,
		Delimiter:     delim,
		EstimatedRows: estimate,
		Exact:         exact,
	}, nil
}

func newCSVReader(r io.Reader, delim rune) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return cr
}
