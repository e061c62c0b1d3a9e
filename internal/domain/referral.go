/**
 * @description
 * Referral distribution models and the pure qualification rules for the
 * multi-level walk. The walk itself lives in the app layer; everything here is
 * data plus stateless level math so the band and threshold rules stay unit
 * testable.
 */

package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ActivationEvent marks a subscription position earning-eligible. Received from
// purchase, sponsor and admin activation flows.
type ActivationEvent struct {
	AccountID        uuid.UUID `json:"account_id"`
	PositionID       uuid.UUID `json:"position_id"`
	ActivationAmount int64     `json:"activation_amount"`
	// PositionSnapshot is the base/multiplier pair captured at activation time,
	// so distribution is stable even if the position is mutated concurrently.
	PositionSnapshot PositionSnapshot `json:"position_snapshot"`
	OccurredAt       time.Time        `json:"occurred_at"`
}

// PositionSnapshot is the immutable slice of position state an activation carries.
type PositionSnapshot struct {
	BaseAmount    int64   `json:"base_amount"`
	CapMultiplier float64 `json:"cap_multiplier"`
	CycleNumber   int     `json:"cycle_number"`
}

// SkipReason is a structured non-success outcome from the distributor. These are
// expected business data, frequent in batch contexts, and never errors.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipLeaderAccount      SkipReason = "LEADER_ACCOUNT"
	SkipReferralDisabled   SkipReason = "REFERRAL_DISABLED"
	SkipIneligibleStatus   SkipReason = "INELIGIBLE_STATUS"
	SkipBelowMinimum       SkipReason = "BELOW_MINIMUM_AMOUNT"
	SkipNoUpline           SkipReason = "NO_UPLINE"
	SkipUplineNotFound     SkipReason = "UPLINE_NOT_FOUND"
	SkipUplineLeader       SkipReason = "UPLINE_IS_LEADER"
	SkipUplineIneligible   SkipReason = "UPLINE_INELIGIBLE"
	SkipAlreadyProcessed   SkipReason = "ALREADY_PROCESSED"
	SkipSelfReferral       SkipReason = "SELF_REFERRAL"
	SkipCircularReferral   SkipReason = "CIRCULAR_REFERRAL"
	SkipDailyCeiling       SkipReason = "DAILY_CEILING_REACHED"
	SkipPerSourceCeiling   SkipReason = "PER_SOURCE_CEILING_REACHED"
	SkipCapReached         SkipReason = "CAP_REACHED"
)

// LevelCredit is one posted multi-level credit within a distribution.
type LevelCredit struct {
	Level     int       `json:"level"`
	AccountID uuid.UUID `json:"account_id"`
	Amount    int64     `json:"amount"`
}

// DistributionResult summarizes one activation's referral distribution.
// A non-processed result carries the structured skip reason.
type DistributionResult struct {
	Processed      bool          `json:"processed"`
	Reason         SkipReason    `json:"reason,omitempty"`
	DirectUplineID *uuid.UUID    `json:"direct_upline_id,omitempty"`
	DirectAmount   int64         `json:"direct_amount"`
	PerLevel       []LevelCredit `json:"per_level,omitempty"`
	TotalAmount    int64         `json:"total_amount"`
}

// QualifiedForLevel applies the multi-level qualification thresholds to an
// ancestor's direct referral count. Level numbering starts at 1 for the first
// ancestor above the direct upline (the multi-level walk begins there; the
// direct credit is not gated by qualification).
func QualifiedForLevel(level, directCount int, rules ReferralRules) bool {
	if !rules.QualificationEnabled {
		return true
	}
	switch {
	case level <= 3:
		return directCount >= rules.MinDirectFlat
	case level <= 13:
		return directCount >= ratioThreshold(level, rules.MidBandRatio)
	default:
		return directCount >= ratioThreshold(level, rules.TopBandRatio)
	}
}

func ratioThreshold(level int, ratio float64) int {
	if ratio <= 0 {
		return 0
	}
	return int(math.Ceil(float64(level) / ratio))
}

// PercentOf computes a percent of an amount in minor units, truncating toward
// zero the way the ledger stores whole minor units.
func PercentOf(amount int64, percent float64) int64 {
	return int64(float64(amount) * percent / 100)
}
