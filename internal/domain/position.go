/**
 * @description
 * This file defines the subscription position and cap-cycle models. A position is
 * owned by exactly one account, and at most one position per account is ACTIVE at
 * a time. The cap cycle state machine is one-way within a cycle:
 * ACTIVE -> CAP_REACHED, reverting to ACTIVE only through a renewal, which also
 * increments the cycle number and opens a fresh cap tracker at zero.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// CapStatus enumerates the cap lifecycle states of a position.
type CapStatus string

const (
	CapActive         CapStatus = "ACTIVE"
	CapReached        CapStatus = "CAP_REACHED"
	CapRenewalPending CapStatus = "RENEWAL_PENDING"
)

// PositionStatus enumerates the lifecycle states of a position record.
type PositionStatus string

const (
	PositionActive PositionStatus = "ACTIVE"
	PositionClosed PositionStatus = "CLOSED"
)

// Position represents one subscription position. Maps to the `positions` table.
type Position struct {
	ID                   uuid.UUID      `json:"id"`
	AccountID            uuid.UUID      `json:"account_id"`
	Status               PositionStatus `json:"status"`
	BaseAmount           int64          `json:"base_amount"`
	CapMultiplier        float64        `json:"cap_multiplier"`
	CapAmount            int64          `json:"cap_amount"`
	CycleNumber          int            `json:"cycle_number"`
	CapStatus            CapStatus      `json:"cap_status"`
	CapReachedAt         *time.Time     `json:"cap_reached_at,omitempty"`
	WorkingDaysProcessed int            `json:"working_days_processed"`
	YieldPaidTotal       int64          `json:"yield_paid_total"`
	LastYieldAt          *time.Time     `json:"last_yield_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// EarningsBlocked reports whether the position's cap state should stop further
// eligible earnings when the cap action is STOP_EARNINGS.
func (p *Position) EarningsBlocked() bool {
	return p.CapStatus == CapReached || p.CapStatus == CapRenewalPending
}

// CapTracker is the per-cycle accumulator gating eligible credits.
// Keyed by (account_id, cycle_number); the eligible total is non-decreasing
// within a cycle and resets to zero only at a renewal boundary.
type CapTracker struct {
	AccountID            uuid.UUID  `json:"account_id"`
	CycleNumber          int        `json:"cycle_number"`
	EligibleEarningsTotal int64     `json:"eligible_earnings_total"`
	CapAmount            int64      `json:"cap_amount"`
	CapReached           bool       `json:"cap_reached"`
	CapReachedAt         *time.Time `json:"cap_reached_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Remaining returns the headroom left under the cap for this cycle.
func (t *CapTracker) Remaining() int64 {
	if t.EligibleEarningsTotal >= t.CapAmount {
		return 0
	}
	return t.CapAmount - t.EligibleEarningsTotal
}

// RenewalPayerRole identifies who pays for a cycle renewal.
type RenewalPayerRole string

const (
	RenewalPayerSelf    RenewalPayerRole = "SELF"
	RenewalPayerSponsor RenewalPayerRole = "SPONSOR"
	RenewalPayerAdmin   RenewalPayerRole = "ADMIN_COMPLIMENTARY"
)

// RenewalRecord links an account's old and new cycle after a renewal.
// Maps to the `renewal_records` table.
type RenewalRecord struct {
	ID             uuid.UUID        `json:"id"`
	AccountID      uuid.UUID        `json:"account_id"`
	PositionID     uuid.UUID        `json:"position_id"`
	FromCycle      int              `json:"from_cycle"`
	ToCycle        int              `json:"to_cycle"`
	AmountPaid     int64            `json:"amount_paid"`
	PayerAccountID *uuid.UUID       `json:"payer_account_id,omitempty"`
	PayerRole      RenewalPayerRole `json:"payer_role"`
	Method         string           `json:"method"`
	CreatedAt      time.Time        `json:"created_at"`
}
