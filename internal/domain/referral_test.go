package domain

import "testing"

func TestResolveBandPercent(t *testing.T) {
	bands := []LevelBand{
		{LevelFrom: 1, LevelTo: 5, Percent: 5},
		{LevelFrom: 6, LevelTo: 10, Percent: 4},
	}

	tests := []struct {
		name        string
		level       int
		wantPercent float64
		wantFound   bool
	}{
		{name: "last level of first band", level: 5, wantPercent: 5, wantFound: true},
		{name: "first level of second band", level: 6, wantPercent: 4, wantFound: true},
		{name: "level past all bands is skipped", level: 26, wantFound: false},
		{name: "level zero matches nothing", level: 0, wantFound: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			percent, found := ResolveBandPercent(bands, tt.level)
			if found != tt.wantFound {
				t.Fatalf("expected found=%v, got %v", tt.wantFound, found)
			}
			if found && percent != tt.wantPercent {
				t.Fatalf("expected percent=%v, got %v", tt.wantPercent, percent)
			}
		})
	}
}

func TestResolveBandPercent_FirstMatchWins(t *testing.T) {
	bands := []LevelBand{
		{LevelFrom: 1, LevelTo: 10, Percent: 3},
		{LevelFrom: 5, LevelTo: 10, Percent: 9},
	}
	percent, found := ResolveBandPercent(bands, 7)
	if !found || percent != 3 {
		t.Fatalf("expected first matching band to win with 3%%, got %v (found=%v)", percent, found)
	}
}

func TestQualifiedForLevel(t *testing.T) {
	rules := ReferralRules{
		QualificationEnabled: true,
		MinDirectFlat:        2,
		MidBandRatio:         2,
		TopBandRatio:         3,
	}

	tests := []struct {
		name        string
		level       int
		directCount int
		want        bool
	}{
		{name: "low band needs the flat minimum", level: 1, directCount: 2, want: true},
		{name: "low band below flat minimum fails", level: 3, directCount: 1, want: false},
		{name: "mid band threshold is ceil(level/ratio)", level: 7, directCount: 4, want: true},
		{name: "mid band one short fails", level: 7, directCount: 3, want: false},
		{name: "top band threshold uses its own ratio", level: 15, directCount: 5, want: true},
		{name: "top band one short fails", level: 15, directCount: 4, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QualifiedForLevel(tt.level, tt.directCount, rules); got != tt.want {
				t.Fatalf("level=%d directs=%d: expected %v, got %v", tt.level, tt.directCount, tt.want, got)
			}
		})
	}
}

func TestQualifiedForLevel_DisabledAlwaysQualifies(t *testing.T) {
	rules := ReferralRules{QualificationEnabled: false, MinDirectFlat: 99}
	if !QualifiedForLevel(25, 0, rules) {
		t.Fatal("expected disabled qualification to always pass")
	}
}

func TestPercentOf_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		amount  int64
		percent float64
		want    int64
	}{
		{amount: 100_000, percent: 5, want: 5_000},
		{amount: 100_000, percent: 0.5, want: 500},
		{amount: 999, percent: 0.5, want: 4},     // 4.995 truncates
		{amount: 1, percent: 0.5, want: 0},       // below one minor unit
		{amount: 33_333, percent: 1, want: 333},  // 333.33 truncates
		{amount: 0, percent: 100, want: 0},
	}

	for _, tt := range tests {
		if got := PercentOf(tt.amount, tt.percent); got != tt.want {
			t.Fatalf("PercentOf(%d, %v): expected %d, got %d", tt.amount, tt.percent, tt.want, got)
		}
	}
}

func TestNormalizeEntryType(t *testing.T) {
	tests := []struct {
		raw    string
		want   EntryType
		wantOK bool
	}{
		{raw: "DAILY_YIELD", want: EntryDailyYield, wantOK: true},
		{raw: "daily_profit", want: EntryDailyYield, wantOK: true},
		{raw: "roi", want: EntryDailyYield, wantOK: true},
		{raw: "sponsor_bonus", want: EntryReferralDirect, wantOK: true},
		{raw: "unilevel_bonus", want: EntryReferralLevel, wantOK: true},
		{raw: "reward_bonus", want: EntryAchievement, wantOK: true},
		{raw: "withdrawal", want: EntryPayoutRequest, wantOK: true},
		{raw: "admin_adjustment", want: EntryAdminAdjust, wantOK: true},
		{raw: "something_else", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizeEntryType(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok && got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
