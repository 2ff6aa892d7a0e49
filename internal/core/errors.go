package core

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start while another import is in flight
	// on the same session.
	ErrAlreadyRunning = errors.New("import already running")

	// ErrCancelled ends the batch sequence when cancellation is observed.
	ErrCancelled = errors.New("import cancelled")

	// ErrBatchTimeout marks a batch whose transaction outlived BatchTimeout.
	ErrBatchTimeout = errors.New("batch timeout")

	// ErrImportNotFound is returned by Service lookups for unknown ids.
	ErrImportNotFound = errors.New("import not found")
)

// Codes carried by ValidationError. They double as user-facing codes in MapError.
const (
	CodeFileTooLarge        = "FILE001"
	CodeUnreadable          = "FILE002"
	CodeEncoding            = "FILE003"
	CodeEmptyFile           = "FILE005"
	CodeTooManyRows         = "FILE006"
	CodeMissingColumn       = "VAL004"
	CodeUnsupportedEncoding = "VAL007"
)

// ValidationError is a fatal pre-flight failure: the file is rejected before
// any batch is processed.
type ValidationError struct {
	Code    string
	Field   string
	Message string
	Err     error // underlying cause, if any
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "validation: " + e.Message + ": " + e.Err.Error()
	}
	return "validation: " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RowError rejects a single row. It is counted and never aborts the batch.
type RowError struct {
	Line    int
	Field   string
	Message string
}

func (e *RowError) Error() string {
	switch {
	case e.Line > 0 && e.Field != "":
		return fmt.Sprintf("line %d: %s %q", e.Line, e.Message, e.Field)
	case e.Field != "":
		return fmt.Sprintf("%s %q", e.Message, e.Field)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// BatchError is a batch-level failure. The batch was rolled back and the
// import stops; batches committed earlier stay committed.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// IsTimeout reports whether the batch failed because it ran out of time.
func (e *BatchError) IsTimeout() bool { return errors.Is(e.Err, ErrBatchTimeout) }
