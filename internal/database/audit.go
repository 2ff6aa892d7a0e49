package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// AuditLog writes periodic batch summaries to import_audit.
type AuditLog struct {
	q *Queries
}

func NewAuditLog(db DBTX) *AuditLog {
	return &AuditLog{q: New(db)}
}

var _ core.AuditLogger = (*AuditLog)(nil)

// auditDetails is the JSONB payload stored next to the counters.
type auditDetails struct {
	Total       int     `json:"total"`
	SuccessRate float64 `json:"successRate"`
	Duration    string  `json:"duration"`
}

func (a *AuditLog) RecordBatch(ctx context.Context, entry core.BatchAudit) error {
	return a.q.InsertImportAudit(ctx, auditParams(uuid.NewString(), entry))
}

func auditParams(id string, entry core.BatchAudit) InsertImportAuditParams {
	total := entry.Result.Total()
	rate := 0.0
	if total > 0 {
		rate = float64(entry.Result.Imported+entry.Result.Updated) / float64(total) * 100
	}
	details, _ := json.Marshal(auditDetails{
		Total:       total,
		SuccessRate: rate,
		Duration:    entry.Duration.String(),
	})

	recorded := entry.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}

	return InsertImportAuditParams{
		ID:         toPgUUID(id),
		ImportID:   entry.ImportID,
		OwnerID:    toPgText(entry.OwnerID),
		BatchIndex: int32(entry.BatchIndex),
		Imported:   int32(entry.Result.Imported),
		Updated:    int32(entry.Result.Updated),
		Duplicates: int32(entry.Result.Duplicates),
		Errors:     int32(entry.Result.Errors),
		DurationMs: entry.Duration.Milliseconds(),
		Details:    details,
		RecordedAt: toPgTimestamptz(recorded),
	}
}

// AuditEntry is one stored batch summary.
type AuditEntry struct {
	ID         string           `json:"id"`
	ImportID   string           `json:"importId"`
	OwnerID    string           `json:"ownerId,omitempty"`
	BatchIndex int              `json:"batchIndex"`
	Result     core.BatchResult `json:"result"`
	Duration   time.Duration    `json:"durationNs"`
	RecordedAt time.Time        `json:"recordedAt"`
}

// List returns the audit trail of one import ordered by batch index.
func (a *AuditLog) List(ctx context.Context, importID string) ([]AuditEntry, error) {
	rows, err := a.q.ListImportAudit(ctx, importID)
	if err != nil {
		return nil, fmt.Errorf("list import audit: %w", err)
	}
	out := make([]AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = AuditEntry{
			ID:         fromPgUUID(r.ID),
			ImportID:   r.ImportID,
			OwnerID:    fromPgText(r.OwnerID),
			BatchIndex: int(r.BatchIndex),
			Result: core.BatchResult{
				Imported:   int(r.Imported),
				Updated:    int(r.Updated),
				Duplicates: int(r.Duplicates),
				Errors:     int(r.Errors),
			},
			Duration:   time.Duration(r.DurationMs) * time.Millisecond,
			RecordedAt: r.RecordedAt.Time,
		}
	}
	return out, nil
}
