/**
 * @description
 * This file defines the financial source of truth for the compensation-service:
 * the per-account wallet projection, the append-only ledger entry, and the
 * wallet transaction snapshot written alongside every posting for reconciliation.
 *
 * @notes
 * - Ledger entries are immutable once written. Wallet balances must be
 *   reconstructable from the approved signed entry sequence alone.
 * - Entry types form a closed tagged union. Legacy string aliases from older
 *   deployments are normalized once at the boundary via NormalizeEntryType and
 *   never dispatched on raw strings inside the engine.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntryType tags the income or movement channel of a ledger entry.
type EntryType string

const (
	EntryDailyYield         EntryType = "DAILY_YIELD"
	EntryReferralDirect     EntryType = "REFERRAL_DIRECT"
	EntryReferralLevel      EntryType = "REFERRAL_LEVEL"
	EntryAchievement        EntryType = "ACHIEVEMENT"
	EntryAdminAdjust        EntryType = "ADMIN_ADJUST"
	EntryTransferIn         EntryType = "TRANSFER_IN"
	EntryTransferOut        EntryType = "TRANSFER_OUT"
	EntryActivationPaid     EntryType = "ACTIVATION_PAID"
	EntryActivationReceived EntryType = "ACTIVATION_RECEIVED"
	EntryRenewalPaid        EntryType = "RENEWAL_PAID"
	EntryPayoutRequest      EntryType = "PAYOUT_REQUEST"
)

// entryTypeAliases maps legacy wire names (kept from the generation that renamed
// the direct referral bonus twice) onto the closed union.
var entryTypeAliases = map[string]EntryType{
	"daily_profit":      EntryDailyYield,
	"roi":               EntryDailyYield,
	"referral_bonus":    EntryReferralDirect,
	"sponsor_bonus":     EntryReferralDirect,
	"direct_bonus":      EntryReferralDirect,
	"level_bonus":       EntryReferralLevel,
	"unilevel_bonus":    EntryReferralLevel,
	"reward_bonus":      EntryAchievement,
	"achievement_bonus": EntryAchievement,
	"admin_adjustment":  EntryAdminAdjust,
	"withdrawal":        EntryPayoutRequest,
}

// NormalizeEntryType resolves a raw entry-type string, including legacy aliases,
// into the closed union. The second return is false for unknown types.
func NormalizeEntryType(raw string) (EntryType, bool) {
	trimmed := strings.TrimSpace(raw)
	switch EntryType(strings.ToUpper(trimmed)) {
	case EntryDailyYield, EntryReferralDirect, EntryReferralLevel, EntryAchievement,
		EntryAdminAdjust, EntryTransferIn, EntryTransferOut, EntryActivationPaid,
		EntryActivationReceived, EntryRenewalPaid, EntryPayoutRequest:
		return EntryType(strings.ToUpper(trimmed)), true
	}
	if normalized, ok := entryTypeAliases[strings.ToLower(trimmed)]; ok {
		return normalized, true
	}
	return "", false
}

// IsReferral reports whether the entry type is one of the referral income kinds.
func (t EntryType) IsReferral() bool {
	return t == EntryReferralDirect || t == EntryReferralLevel
}

// EntryStatus enumerates ledger entry states.
type EntryStatus string

const (
	EntryPending  EntryStatus = "PENDING"
	EntryApproved EntryStatus = "APPROVED"
	EntryRejected EntryStatus = "REJECTED"
)

// EntryMetadata carries the posting context of a ledger entry.
type EntryMetadata struct {
	SourceAccountID *uuid.UUID `json:"source_account_id,omitempty"`
	Level           int        `json:"level,omitempty"`
	CountsTowardCap *bool      `json:"counts_toward_cap,omitempty"`
	PositionID      *uuid.UUID `json:"position_id,omitempty"`
}

// LedgerEntry is one append-only, per-account-ordered ledger record.
// Maps to the `ledger_entries` table; Seq is the per-account ordering key.
type LedgerEntry struct {
	ID          uuid.UUID     `json:"id"`
	AccountID   uuid.UUID     `json:"account_id"`
	Seq         int64         `json:"seq"`
	Type        EntryType     `json:"type"`
	Amount      int64         `json:"amount"` // signed; credits positive, debits negative
	Status      EntryStatus   `json:"status"`
	Description string        `json:"description"`
	Reason      string        `json:"reason,omitempty"` // populated on REJECTED entries
	Metadata    EntryMetadata `json:"metadata"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Wallet is the derived balance projection, one per account.
// Maps to the `wallets` table.
type Wallet struct {
	AccountID         uuid.UUID `json:"account_id"`
	AvailableBalance  int64     `json:"available_balance"`
	PendingBalance    int64     `json:"pending_balance"`
	LifetimeEarned    int64     `json:"lifetime_earned"`
	LifetimeWithdrawn int64     `json:"lifetime_withdrawn"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WalletTransaction snapshots a wallet's balance around one ledger entry, for
// reconciliation. Maps to the `wallet_transactions` table.
type WalletTransaction struct {
	ID            uuid.UUID `json:"id"`
	AccountID     uuid.UUID `json:"account_id"`
	LedgerEntryID uuid.UUID `json:"ledger_entry_id"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreditResult is returned synchronously after a successful posting.
type CreditResult struct {
	NewBalance    int64     `json:"new_balance"`
	LedgerEntryID uuid.UUID `json:"ledger_entry_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	CapRemaining  int64     `json:"cap_remaining"`
	CapReached    bool      `json:"cap_reached"`
}

// CapRejection carries the figures needed to explain a cap-gated rejection.
type CapRejection struct {
	Reason        string    `json:"reason"`
	CapStatus     CapStatus `json:"cap_status"`
	EarningsTotal int64     `json:"earnings_total"`
	CapAmount     int64     `json:"cap_amount"`
}

// CapExceededError is returned when a credit would breach a stopping cap.
// The REJECTED ledger entry has already been written; the wallet is untouched.
type CapExceededError struct {
	Rejection CapRejection
}

func (e *CapExceededError) Error() string {
	return "cap exceeded: " + e.Rejection.Reason
}
