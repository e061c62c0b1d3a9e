/**
 * @description
 * This file defines the configuration snapshot consumed by the cap evaluator,
 * referral distributor and batch jobs. Rules are loaded per operation or tick as
 * an explicit versioned value, never read as ambient state, which keeps the
 * evaluator and distributor pure functions of (state, snapshot, event).
 */

package domain

import "time"

// CapAction controls what happens to eligible earnings once the cap is reached.
type CapAction string

const (
	CapActionStopEarnings  CapAction = "STOP_EARNINGS"
	CapActionAllowOverflow CapAction = "ALLOW_OVERFLOW"
)

// PayoutMode controls whether referral credits post instantly or as PENDING.
type PayoutMode string

const (
	PayoutInstant PayoutMode = "INSTANT"
	PayoutPending PayoutMode = "PENDING"
)

// YieldTier holds the per-tier daily yield parameters.
type YieldTier struct {
	DailyPercent   float64 `json:"daily_percent"`
	MaxWorkingDays int     `json:"max_working_days"`
}

// YieldRules configures the daily yield batch.
type YieldRules struct {
	Enabled            bool      `json:"enabled"`
	LeaderYieldEnabled bool      `json:"leader_yield_enabled"`
	SecurityThreshold  int64     `json:"security_threshold"` // baseAmount >= threshold selects the secured tier
	Secured            YieldTier `json:"secured"`
	Unsecured          YieldTier `json:"unsecured"`
}

// TierFor selects the yield tier applicable to a position's base amount.
func (r YieldRules) TierFor(baseAmount int64) YieldTier {
	if baseAmount >= r.SecurityThreshold {
		return r.Secured
	}
	return r.Unsecured
}

// LevelBand maps an inclusive level range onto a percent of the activation
// amount. Overlapping bands are resolved by declaration order: first match wins.
type LevelBand struct {
	LevelFrom int     `json:"level_from"`
	LevelTo   int     `json:"level_to"`
	Percent   float64 `json:"percent"`
}

// ResolveBandPercent returns the percent for a level and whether any band
// matched. An unmatched level means the level is skipped, not zero-paid.
func ResolveBandPercent(bands []LevelBand, level int) (float64, bool) {
	for _, b := range bands {
		if level >= b.LevelFrom && level <= b.LevelTo {
			return b.Percent, true
		}
	}
	return 0, false
}

// ReferralRules configures the referral distributor.
type ReferralRules struct {
	Enabled              bool            `json:"enabled"`
	InvestorEnabled      bool            `json:"investor_enabled"`
	DirectPercent        float64         `json:"direct_percent"`
	MinActivationAmount  int64           `json:"min_activation_amount"`
	EligibleStatuses     []AccountStatus `json:"eligible_statuses"`
	MultiLevelEnabled    bool            `json:"multi_level_enabled"`
	MaxLevels            int             `json:"max_levels"`
	Bands                []LevelBand     `json:"bands"`
	QualificationEnabled bool            `json:"qualification_enabled"`
	MinDirectFlat        int             `json:"min_direct_flat"`  // levels 1-3
	MidBandRatio         float64         `json:"mid_band_ratio"`   // levels 4-13: ceil(level/ratio)
	TopBandRatio         float64         `json:"top_band_ratio"`   // levels 14-25: ceil(level/ratio)
	CountsTowardCap      bool            `json:"counts_toward_cap"`
	DailyCreditCeiling   int             `json:"daily_credit_ceiling"`      // per upline per day, 0 = unlimited
	PerSourceCeiling     int             `json:"per_source_ceiling"`        // per (upline, referred account), 0 = unlimited
	PayoutMode           PayoutMode      `json:"payout_mode"`
}

// CapRules configures the earning-cap evaluator and renewal behaviour.
type CapRules struct {
	Enabled            bool        `json:"enabled"`
	InvestorMultiplier float64     `json:"investor_multiplier"`
	LeaderMultiplier   float64     `json:"leader_multiplier"`
	LeaderFlatBase     int64       `json:"leader_flat_base"` // leaders cap against a flat base, not the package price
	GraceLimit         int64       `json:"grace_limit"`      // allowed overage beyond the cap
	Action             CapAction   `json:"action"`
	AutoMarkReached    bool        `json:"auto_mark_reached"`
	EligibleTypes      []EntryType `json:"eligible_types"`
	RenewalAmount      int64       `json:"renewal_amount"`
	UpgradeAllowed     bool        `json:"upgrade_allowed"`
}

// TypeEligible reports whether an entry type is inside the cap allowlist.
func (r CapRules) TypeEligible(t EntryType) bool {
	for _, e := range r.EligibleTypes {
		if e == t {
			return true
		}
	}
	return false
}

// NormalizeEligibleTypes resolves legacy aliases in the cap allowlist, so a
// stored rules row written with old income-type names still gates the cap.
// Unknown names are dropped rather than kept as never-matching entries.
func (r *CapRules) NormalizeEligibleTypes() {
	normalized := r.EligibleTypes[:0]
	for _, t := range r.EligibleTypes {
		if entryType, ok := NormalizeEntryType(string(t)); ok {
			normalized = append(normalized, entryType)
		}
	}
	r.EligibleTypes = normalized
}

// CapAmountFor seeds a cycle's cap amount from the position base and program
// multiplier. Leaders cap against the configured flat base rather than the
// position's package price.
func (r CapRules) CapAmountFor(program ProgramType, baseAmount int64) int64 {
	if program == ProgramLeader {
		return int64(float64(r.LeaderFlatBase) * r.LeaderMultiplier)
	}
	return int64(float64(baseAmount) * r.InvestorMultiplier)
}

// PayoutRules configures the weekly payout batch.
type PayoutRules struct {
	MinPayoutAmount int64        `json:"min_payout_amount"`
	PayoutWeekday   time.Weekday `json:"payout_weekday"`
}

// RuleSnapshot is the versioned, read-only tunables value passed explicitly
// into every operation and batch tick.
type RuleSnapshot struct {
	Version  int64         `json:"version"`
	Yield    YieldRules    `json:"yield"`
	Referral ReferralRules `json:"referral"`
	Cap      CapRules      `json:"cap"`
	Payout   PayoutRules   `json:"payout"`
}

// DefaultRuleSnapshot returns the built-in tunables used when no override rows
// exist in the rules table.
func DefaultRuleSnapshot() RuleSnapshot {
	return RuleSnapshot{
		Version: 1,
		Yield: YieldRules{
			Enabled:            true,
			LeaderYieldEnabled: false,
			SecurityThreshold:  5_000_000,
			Secured:            YieldTier{DailyPercent: 0.5, MaxWorkingDays: 500},
			Unsecured:          YieldTier{DailyPercent: 0.4, MaxWorkingDays: 400},
		},
		Referral: ReferralRules{
			Enabled:             true,
			InvestorEnabled:     true,
			DirectPercent:       5,
			MinActivationAmount: 10_000,
			EligibleStatuses:    []AccountStatus{StatusActiveInvestor},
			MultiLevelEnabled:   true,
			MaxLevels:           25,
			Bands: []LevelBand{
				{LevelFrom: 1, LevelTo: 3, Percent: 2},
				{LevelFrom: 4, LevelTo: 13, Percent: 1},
				{LevelFrom: 14, LevelTo: 25, Percent: 0.5},
			},
			QualificationEnabled: true,
			MinDirectFlat:        2,
			MidBandRatio:         2,
			TopBandRatio:         3,
			CountsTowardCap:      true,
			DailyCreditCeiling:   50,
			PerSourceCeiling:     1,
			PayoutMode:           PayoutInstant,
		},
		Cap: CapRules{
			Enabled:            true,
			InvestorMultiplier: 2.0,
			LeaderMultiplier:   3.0,
			LeaderFlatBase:     1_000_000,
			GraceLimit:         0,
			Action:             CapActionStopEarnings,
			AutoMarkReached:    true,
			EligibleTypes: []EntryType{
				EntryDailyYield, EntryReferralDirect, EntryReferralLevel, EntryAchievement,
			},
			RenewalAmount:  100_000,
			UpgradeAllowed: true,
		},
		Payout: PayoutRules{
			MinPayoutAmount: 50_000,
			PayoutWeekday:   time.Saturday,
		},
	}
}
