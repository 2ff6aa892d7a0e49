package core

import (
	"strings"
	"time"
)

// Record is one normalized card record in canonical field order.
type Record struct {
	EnrollmentSite    string `json:"enrollmentSite"`
	WithdrawalSite    string `json:"withdrawalSite"`
	StorageLocation   string `json:"storageLocation"`
	LastName          string `json:"lastName"`
	FirstNames        string `json:"firstNames"`
	BirthDate         string `json:"birthDate"` // YYYY-MM-DD or empty
	BirthPlace        string `json:"birthPlace"`
	Contact           string `json:"contact"`
	DeliveryStatus    string `json:"deliveryStatus"`
	WithdrawalContact string `json:"withdrawalContact"`
	DeliveryDate      string `json:"deliveryDate"` // YYYY-MM-DD or empty
}

// DedupKey identifies a person in the store. Names are lower-cased so the
// comparison is case-insensitive.
type DedupKey struct {
	LastName   string
	FirstNames string
	BirthDate  string
}

// Key returns the record's dedup key.
func (r Record) Key() DedupKey {
	return DedupKey{
		LastName:   strings.ToLower(r.LastName),
		FirstNames: strings.ToLower(r.FirstNames),
		BirthDate:  r.BirthDate,
	}
}

// Validate checks the required fields. The returned error is a *RowError.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.LastName) == "":
		return &RowError{Field: FieldLastName.String(), Message: "empty required field"}
	case strings.TrimSpace(r.FirstNames) == "":
		return &RowError{Field: FieldFirstNames.String(), Message: "empty required field"}
	}
	return nil
}

// RawRow is one decoded data line before normalization.
type RawRow struct {
	Line   int
	Fields []string
}

// BatchRow is a row inside a batch: either a normalized record or the
// row-level error that rejected it.
type BatchRow struct {
	Line   int
	Record Record
	Err    error
}

// Batch is an ordered, bounded group of rows committed together.
type Batch struct {
	Index int
	Rows  []BatchRow
}

// Size returns the number of data rows in the batch.
func (b Batch) Size() int { return len(b.Rows) }

// BatchResult holds the outcome counts for one batch.
type BatchResult struct {
	Imported   int `json:"imported"`
	Updated    int `json:"updated"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// Total returns the number of rows accounted for.
func (r BatchResult) Total() int {
	return r.Imported + r.Updated + r.Duplicates + r.Errors
}

// Stats are the cumulative counters of one import.
type Stats struct {
	TotalRows  int    `json:"totalRows"`
	Processed  int    `json:"processed"`
	Imported   int    `json:"imported"`
	Updated    int    `json:"updated"`
	Duplicates int    `json:"duplicates"`
	Errors     int    `json:"errors"`
	Batches    int    `json:"batches"`
	MemoryPeak uint64 `json:"memoryPeak"`
}

func (s *Stats) add(res BatchResult, rows int) {
	s.Processed += rows
	s.Imported += res.Imported
	s.Updated += res.Updated
	s.Duplicates += res.Duplicates
	s.Errors += res.Errors
	s.Batches++
}

// SuccessRate returns the share of processed rows that were written, in percent.
func (s Stats) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Imported+s.Updated) * 100 / float64(s.Processed)
}

// State is the lifecycle state of an import session.
type State string

const (
	StateIdle       State = "idle"
	StateAnalyzing  State = "analyzing"
	StateValidating State = "validating"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Performance summarizes throughput of a finished import.
type Performance struct {
	RowsPerSecond float64 `json:"rowsPerSecond"`
	Efficiency    string  `json:"efficiency"`
	SuccessRate   float64 `json:"successRate"`
}

// Throughput thresholds for the efficiency classification, in rows/second.
const (
	excellentRowsPerSecond = 1000
	goodRowsPerSecond      = 500
	fairRowsPerSecond      = 100
)

func classifyPerformance(stats Stats, elapsed time.Duration) Performance {
	p := Performance{SuccessRate: stats.SuccessRate()}
	if secs := elapsed.Seconds(); secs > 0 {
		p.RowsPerSecond = float64(stats.Processed) / secs
	}
	switch {
	case p.RowsPerSecond >= excellentRowsPerSecond:
		p.Efficiency = "excellent"
	case p.RowsPerSecond >= goodRowsPerSecond:
		p.Efficiency = "good"
	case p.RowsPerSecond >= fairRowsPerSecond:
		p.Efficiency = "fair"
	default:
		p.Efficiency = "slow"
	}
	return p
}

// ImportResult is the terminal outcome of Session.Start.
type ImportResult struct {
	Success       bool          `json:"success"`
	ImportBatchID string        `json:"importBatchId"`
	State         State         `json:"state"`
	Stats         Stats         `json:"stats"`
	Duration      time.Duration `json:"duration"`
	Performance   Performance   `json:"performance"`
	Error         string        `json:"error,omitempty"`
}

// Status is a point-in-time view of a session.
type Status struct {
	ImportBatchID      string        `json:"importBatchId"`
	IsRunning          bool          `json:"isRunning"`
	IsCancelled        bool          `json:"isCancelled"`
	State              State         `json:"state"`
	Stats              Stats         `json:"stats"`
	ProgressPercent    float64       `json:"progressPercent"`
	CurrentBatchIndex  int           `json:"currentBatchIndex"`
	CurrentSpeed       float64       `json:"currentSpeed"`
	EstimatedRemaining time.Duration `json:"estimatedRemaining"`
}
