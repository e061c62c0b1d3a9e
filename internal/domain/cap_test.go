package domain

import "testing"

func testCapRules() RuleSnapshot {
	rules := DefaultRuleSnapshot()
	rules.Cap.Enabled = true
	rules.Cap.GraceLimit = 0
	rules.Cap.Action = CapActionStopEarnings
	return rules
}

func activePosition() *Position {
	return &Position{
		BaseAmount:    100_000,
		CapMultiplier: 2.0,
		CapAmount:     200_000,
		CycleNumber:   1,
		CapStatus:     CapActive,
		Status:        PositionActive,
	}
}

func trackerWith(total int64) *CapTracker {
	return &CapTracker{
		CycleNumber:           1,
		EligibleEarningsTotal: total,
		CapAmount:             200_000,
	}
}

func TestEvaluateCap_BoundaryAtExactCap(t *testing.T) {
	tests := []struct {
		name        string
		total       int64
		amount      int64
		grace       int64
		wantAllowed bool
		wantReached bool
	}{
		{
			name:        "credit landing exactly on cap is allowed",
			total:       190_000,
			amount:      10_000,
			wantAllowed: true,
			wantReached: true,
		},
		{
			name:        "one unit over cap is rejected at zero grace",
			total:       190_000,
			amount:      10_001,
			wantAllowed: false,
			wantReached: true,
		},
		{
			name:        "overage within grace is allowed",
			total:       190_000,
			amount:      12_000,
			grace:       5_000,
			wantAllowed: true,
			wantReached: true,
		},
		{
			name:        "overage past grace is rejected",
			total:       190_000,
			amount:      20_000,
			grace:       5_000,
			wantAllowed: false,
			wantReached: true,
		},
		{
			name:        "credit below cap is allowed and does not reach",
			total:       100_000,
			amount:      50_000,
			wantAllowed: true,
			wantReached: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := testCapRules()
			rules.Cap.GraceLimit = tt.grace
			decision := EvaluateCap(activePosition(), trackerWith(tt.total), rules, tt.amount, EntryDailyYield, nil)
			if decision.Allowed != tt.wantAllowed {
				t.Fatalf("expected allowed=%v, got %v (reason=%q)", tt.wantAllowed, decision.Allowed, decision.Reason)
			}
			if decision.CapReached != tt.wantReached {
				t.Fatalf("expected capReached=%v, got %v", tt.wantReached, decision.CapReached)
			}
		})
	}
}

func TestEvaluateCap_AllowOverflowNeverRejects(t *testing.T) {
	rules := testCapRules()
	rules.Cap.Action = CapActionAllowOverflow

	decision := EvaluateCap(activePosition(), trackerWith(199_000), rules, 50_000, EntryDailyYield, nil)
	if !decision.Allowed {
		t.Fatalf("expected overflow action to allow the credit, got rejection %q", decision.Reason)
	}
	if !decision.CapReached {
		t.Fatal("expected the tracker to be marked reached")
	}
}

func TestEvaluateCap_DisabledAllowsEverything(t *testing.T) {
	rules := testCapRules()
	rules.Cap.Enabled = false

	decision := EvaluateCap(activePosition(), trackerWith(1_000_000), rules, 1, EntryDailyYield, nil)
	if !decision.Allowed {
		t.Fatal("expected disabled cap to allow the credit")
	}
	if decision.CountsTowardCap {
		t.Fatal("expected disabled cap not to count the credit")
	}
}

func TestEvaluateCap_IneligibleTypeBypassesTracker(t *testing.T) {
	rules := testCapRules()

	decision := EvaluateCap(activePosition(), trackerWith(200_000), rules, 10_000, EntryTransferIn, nil)
	if !decision.Allowed {
		t.Fatal("expected transfer credit to bypass the cap")
	}
	if decision.CountsTowardCap {
		t.Fatal("expected transfer credit not to count toward the cap")
	}
}

func TestEvaluateCap_ReferralOverrideExcludesFromCap(t *testing.T) {
	rules := testCapRules()
	noCount := false

	decision := EvaluateCap(activePosition(), trackerWith(200_000), rules, 10_000, EntryReferralDirect, &noCount)
	if !decision.Allowed {
		t.Fatal("expected non-counting referral credit to post past the cap")
	}
	if decision.CountsTowardCap {
		t.Fatal("expected the override to exclude the credit from the cap")
	}
}

func TestEvaluateCap_BlockedPositionRejectsEligibleCredits(t *testing.T) {
	rules := testCapRules()
	pos := activePosition()
	pos.CapStatus = CapReached

	decision := EvaluateCap(pos, trackerWith(200_000), rules, 1, EntryDailyYield, nil)
	if decision.Allowed {
		t.Fatal("expected a capped position to reject further eligible credits")
	}

	// Transfers still flow into a capped position.
	decision = EvaluateCap(pos, trackerWith(200_000), rules, 1, EntryTransferIn, nil)
	if !decision.Allowed {
		t.Fatal("expected non-eligible types to bypass the capped position")
	}
}

func TestEvaluateCap_RemainingTracksHeadroom(t *testing.T) {
	rules := testCapRules()

	decision := EvaluateCap(activePosition(), trackerWith(150_000), rules, 10_000, EntryDailyYield, nil)
	if !decision.Allowed {
		t.Fatalf("unexpected rejection: %q", decision.Reason)
	}
	if decision.Remaining != 40_000 {
		t.Fatalf("expected 40000 remaining after credit, got %d", decision.Remaining)
	}
}
