/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the compensation engine. The interface keeps the business logic
 * decoupled from PostgreSQL and lets tests run against an in-memory fake.
 *
 * The atomic methods (PostEntry, PostReferralEntryIfAbsent, AdvanceYieldAndPost,
 * RenewPosition, TransferBetweenWallets) each commit their whole touched set --
 * cap tracker, position, wallet, ledger entry, snapshot -- as one database
 * transaction. Callers never observe a partial posting.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/veloracapital/compensation-service/internal/domain"
)

// PostEntryParams describes one proposed ledger posting.
type PostEntryParams struct {
	AccountID    uuid.UUID
	Amount       int64 // signed; credits positive, debits negative
	Type         domain.EntryType
	Status       domain.EntryStatus // zero value posts as APPROVED
	Description  string
	Metadata     domain.EntryMetadata
	SkipCapCheck bool
	Rules        domain.RuleSnapshot
}

// AdvanceYieldParams describes one daily-yield advance for a position.
type AdvanceYieldParams struct {
	PositionID  uuid.UUID
	BusinessDay time.Time // midnight UTC of the tick's business day
	Tier        domain.YieldTier
	Rules       domain.RuleSnapshot
}

// RenewParams describes one cycle renewal.
type RenewParams struct {
	AccountID      uuid.UUID
	PositionID     uuid.UUID
	PayerAccountID *uuid.UUID // nil for admin-complimentary renewals
	PayerRole      domain.RenewalPayerRole
	AmountPaid     int64
	Method         string
	NewBaseAmount  int64 // 0 keeps the current base (same-plan renewal)
	Rules          domain.RuleSnapshot
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account directory
	GetAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	IncrementDirectReferralCount(ctx context.Context, accountID uuid.UUID) error
	CreateAccount(ctx context.Context, account *domain.Account) error
	UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus) error

	// Positions and cap trackers
	GetPositionByID(ctx context.Context, id uuid.UUID) (*domain.Position, error)
	GetActivePositionByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.Position, error)
	CreatePosition(ctx context.Context, position *domain.Position) error
	GetCapTracker(ctx context.Context, accountID uuid.UUID, cycle int) (*domain.CapTracker, error)
	SetPositionCapAmount(ctx context.Context, positionID uuid.UUID, capAmount int64) error

	// Wallet and ledger
	GetWalletByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.Wallet, error)
	ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error)
	PostEntry(ctx context.Context, params PostEntryParams) (*domain.CreditResult, error)
	TransferBetweenWallets(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amount int64, description string) (*domain.CreditResult, error)

	// Referral distribution
	PostReferralEntryIfAbsent(ctx context.Context, params PostEntryParams) (*domain.CreditResult, error)
	CountReferralEntriesFromSource(ctx context.Context, beneficiaryID, sourceAccountID uuid.UUID) (int, error)

	// Daily yield batch
	ListYieldEligiblePositions(ctx context.Context, leaderYieldEnabled bool) ([]domain.Position, error)
	AdvanceYieldAndPost(ctx context.Context, params AdvanceYieldParams) (*domain.CreditResult, error)

	// Weekly payout batch
	ListPendingPayoutEntries(ctx context.Context) ([]domain.LedgerEntry, error)
	CompletePayoutEntry(ctx context.Context, entryID uuid.UUID) error

	// Renewal
	RenewPosition(ctx context.Context, params RenewParams) (*domain.RenewalRecord, error)

	// Configuration store and audit trail
	GetRuleSnapshot(ctx context.Context, defaults domain.RuleSnapshot) (*domain.RuleSnapshot, error)
	CreateAuditRecord(ctx context.Context, record domain.AuditRecord) error
}
