package core

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default pipeline settings.
const (
	DefaultBatchSize        = 1000
	DefaultMaxRows          = 500_000
	DefaultMaxFileSize      = 200 << 20
	DefaultBatchTimeout     = 30 * time.Second
	DefaultProgressInterval = time.Second
	DefaultAuditEvery       = 10
	DefaultSampleThreshold  = 10 << 20
	DefaultSampleBytes      = 1 << 20
)

// Options configure a Session. Zero sizes, timeouts and intervals fall back
// to the defaults. MaxRows 0 disables the row ceiling and AuditEvery 0
// disables auditing.
type Options struct {
	BatchSize        int
	MaxRows          int   // row ceiling checked against the analyzer estimate
	MaxFileSize      int64 // bytes
	BatchTimeout     time.Duration
	ProgressInterval time.Duration
	AuditEvery       int // audit every Nth batch (index % N == 0)
	Dedupe           bool
	DeleteOnFinish   bool
	Encoding         string
	Delimiter        rune // 0 auto-detects from the header line

	// MaxConcurrentBatches is accepted and validated but batches always run
	// sequentially; the store dedup check depends on that ordering.
	MaxConcurrentBatches int

	// Files at or below SampleThreshold are counted exactly; larger files
	// are sampled over the first SampleBytes.
	SampleThreshold int64
	SampleBytes     int64

	// OnEvent, if set, is called synchronously for every event before it is
	// fanned out to subscribers.
	OnEvent func(Event)

	Logger *slog.Logger
}

// DefaultOptions returns the production defaults with deduplication on.
func DefaultOptions() Options {
	return Options{
		BatchSize:            DefaultBatchSize,
		MaxRows:              DefaultMaxRows,
		MaxFileSize:          DefaultMaxFileSize,
		BatchTimeout:         DefaultBatchTimeout,
		ProgressInterval:     DefaultProgressInterval,
		AuditEvery:           DefaultAuditEvery,
		Dedupe:               true,
		Encoding:             EncodingUTF8,
		MaxConcurrentBatches: 1,
		SampleThreshold:      DefaultSampleThreshold,
		SampleBytes:          DefaultSampleBytes,
	}
}

// withDefaults fills zero-valued fields.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize == 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = d.MaxFileSize
	}
	if o.BatchTimeout == 0 {
		o.BatchTimeout = d.BatchTimeout
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	if o.MaxConcurrentBatches == 0 {
		o.MaxConcurrentBatches = d.MaxConcurrentBatches
	}
	if o.SampleThreshold == 0 {
		o.SampleThreshold = d.SampleThreshold
	}
	if o.SampleBytes == 0 {
		o.SampleBytes = d.SampleBytes
	}
	if o.Encoding == "" {
		o.Encoding = d.Encoding
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Validate reports every invalid setting at once.
func (o Options) Validate() error {
	var errs []error
	if o.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", o.BatchSize))
	}
	if o.MaxRows < 0 {
		errs = append(errs, fmt.Errorf("max rows must not be negative, got %d", o.MaxRows))
	}
	if o.MaxFileSize < 0 {
		errs = append(errs, fmt.Errorf("max file size must not be negative, got %d", o.MaxFileSize))
	}
	if o.BatchTimeout < 0 {
		errs = append(errs, fmt.Errorf("batch timeout must be positive, got %s", o.BatchTimeout))
	}
	if o.ProgressInterval < 0 {
		errs = append(errs, fmt.Errorf("progress interval must be positive, got %s", o.ProgressInterval))
	}
	if o.AuditEvery < 0 {
		errs = append(errs, fmt.Errorf("audit interval must not be negative, got %d", o.AuditEvery))
	}
	if o.MaxConcurrentBatches < 0 {
		errs = append(errs, fmt.Errorf("max concurrent batches must be positive, got %d", o.MaxConcurrentBatches))
	}
	if o.Delimiter == '"' || o.Delimiter == '\r' || o.Delimiter == '\n' {
		errs = append(errs, fmt.Errorf("invalid delimiter %q", o.Delimiter))
	}
	if _, err := lookupEncoding(o.Encoding); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
