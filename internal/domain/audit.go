/**
 * @description
 * Audit and batch reporting models. Audit records are written for every
 * compensation-affecting action and consumed by the reporting stack; batch
 * summaries are returned to the invoking scheduler or operator tool.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord captures one compensation-affecting action.
// Maps to the `audit_records` table.
type AuditRecord struct {
	ID        uuid.UUID              `json:"id"`
	AccountID uuid.UUID              `json:"account_id"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// BatchSummary is the aggregate outcome of one batch run. Skipped items are
// tallied by reason; a skip never aborts the batch.
type BatchSummary struct {
	ProcessedCount int            `json:"processed_count"`
	TotalAmount    int64          `json:"total_amount"`
	SkipReasons    map[string]int `json:"skip_reasons,omitempty"`
}

// SkippedCount sums the skip tallies across all reasons.
func (s *BatchSummary) SkippedCount() int {
	total := 0
	for _, n := range s.SkipReasons {
		total += n
	}
	return total
}
