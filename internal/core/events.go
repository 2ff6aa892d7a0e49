package core

import (
	"sync"
	"time"
)

// EventType names a session event.
type EventType string

const (
	EventStart         EventType = "start"
	EventAnalysis      EventType = "analysis"
	EventWarning       EventType = "warning"
	EventProgress      EventType = "progress"
	EventBatchStart    EventType = "batchStart"
	EventBatchComplete EventType = "batchComplete"
	EventBatchError    EventType = "batchError"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
	EventCancelled     EventType = "cancelled"
)

// Event is one lifecycle notification. Data holds the payload struct that
// matches Type.
type Event struct {
	Type          EventType `json:"type"`
	ImportBatchID string    `json:"importBatchId"`
	Time          time.Time `json:"time"`
	Data          any       `json:"data"`
}

type StartData struct {
	FilePath      string    `json:"filePath"`
	StartTime     time.Time `json:"startTime"`
	ImportBatchID string    `json:"importBatchId"`
}

type AnalysisData struct {
	TotalRows        int           `json:"totalRows"`
	Exact            bool          `json:"exact"`
	EstimatedBatches int           `json:"estimatedBatches"`
	EstimatedTime    time.Duration `json:"estimatedTime"`
}

// Warning types.
const (
	WarningUnmappedColumns = "unmapped_columns"
	WarningEstimatedRows   = "estimated_row_count"
)

type WarningData struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

type ProgressData struct {
	Processed     int     `json:"processed"`
	Total         int     `json:"total"`
	Percentage    float64 `json:"percentage"`
	RowsPerSecond float64 `json:"rowsPerSecond"`
	Memory        uint64  `json:"memory"`
}

type BatchStartData struct {
	BatchIndex int `json:"batchIndex"`
	Size       int `json:"size"`
}

type BatchCompleteData struct {
	BatchIndex int           `json:"batchIndex"`
	Size       int           `json:"size"`
	Results    BatchResult   `json:"results"`
	Duration   time.Duration `json:"duration"`
	Memory     uint64        `json:"memory"`
}

type BatchErrorData struct {
	BatchIndex int           `json:"batchIndex"`
	Size       int           `json:"size"`
	Error      string        `json:"error"`
	Timeout    bool          `json:"timeout"`
	Duration   time.Duration `json:"duration"`
	Memory     uint64        `json:"memory"`
}

type CompleteData struct {
	Stats       Stats         `json:"stats"`
	Duration    time.Duration `json:"duration"`
	SuccessRate float64       `json:"successRate"`
	Performance Performance   `json:"performance"`
}

type ErrorData struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Stats Stats  `json:"stats"`
}

type CancelledData struct {
	Stats Stats `json:"stats"`
}

// listenerBuffer is the channel capacity per subscriber. Events are dropped
// for a subscriber whose buffer is full.
const listenerBuffer = 64

// broadcaster fans events out to channel subscribers without ever blocking
// the publisher.
type broadcaster struct {
	mu        sync.Mutex
	listeners map[chan Event]struct{}
	last      *Event
	closed    bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{listeners: make(map[chan Event]struct{})}
}

// subscribe returns a channel that first receives the most recent event, if
// any. On a closed broadcaster the channel is already closed after the
// replay.
func (b *broadcaster) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, listenerBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.last != nil {
		ch <- *b.last
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.listeners[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.last = &ev
	for ch := range b.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
}
