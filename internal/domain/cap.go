/**
 * @description
 * Pure cap evaluation logic. The repository loads the position and tracker under
 * a row lock and delegates the decision here, so two concurrent credits to the
 * same tracker serialize on the database while the numeric rules stay unit
 * testable without a database.
 *
 * Numeric rules:
 * - The cap amount itself is payable: a credit whose projected total equals the
 *   cap is allowed and flips the cycle to CAP_REACHED.
 * - The grace window applies to the overage only, never to the whole credit.
 */

package domain

// CapDecision is the outcome of evaluating one proposed credit against a cap
// tracker.
type CapDecision struct {
	Allowed         bool
	CountsTowardCap bool
	CapReached      bool
	Remaining       int64
	Reason          string
}

// EvaluateCap decides whether a proposed positive credit may post against a
// position's current cycle tracker. countsOverride is the entry-level
// counts-toward-cap metadata; when nil, referral kinds fall back to the global
// referral configuration (investor accounts default to counting).
func EvaluateCap(pos *Position, tracker *CapTracker, rules RuleSnapshot, amount int64, entryType EntryType, countsOverride *bool) CapDecision {
	// Renewal gating disabled: everything posts freely.
	if !rules.Cap.Enabled {
		return CapDecision{Allowed: true, Remaining: tracker.Remaining()}
	}

	counts := true
	if entryType.IsReferral() {
		if countsOverride != nil {
			counts = *countsOverride
		} else {
			counts = rules.Referral.CountsTowardCap
		}
	}

	// Types outside the eligible allowlist pass through without touching the cap.
	if !rules.Cap.TypeEligible(entryType) || !counts {
		return CapDecision{Allowed: true, Remaining: tracker.Remaining()}
	}

	stops := rules.Cap.Action == CapActionStopEarnings
	if pos.EarningsBlocked() && stops {
		return CapDecision{
			Allowed:         false,
			CountsTowardCap: true,
			CapReached:      true,
			Remaining:       tracker.Remaining(),
			Reason:          "cap reached",
		}
	}

	projected := tracker.EligibleEarningsTotal + amount
	capReached := projected >= tracker.CapAmount
	withinGrace := true
	if projected > tracker.CapAmount {
		withinGrace = projected-tracker.CapAmount <= rules.Cap.GraceLimit
	}

	if capReached && !withinGrace && stops {
		return CapDecision{
			Allowed:         false,
			CountsTowardCap: true,
			CapReached:      true,
			Remaining:       tracker.Remaining(),
			Reason:          "credit would exceed earnings cap",
		}
	}

	remaining := int64(0)
	if projected < tracker.CapAmount {
		remaining = tracker.CapAmount - projected
	}
	return CapDecision{
		Allowed:         true,
		CountsTowardCap: true,
		CapReached:      capReached,
		Remaining:       remaining,
	}
}
