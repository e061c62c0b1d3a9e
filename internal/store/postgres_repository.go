/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all SQL for accounts, positions, wallets, ledger entries, cap
 * trackers, renewal records and audit records.
 *
 * Concurrency model: every posting locks the beneficiary's wallet row (and, for
 * cap-gated credits, the active position and its cycle tracker) with
 * `SELECT ... FOR UPDATE`, so concurrent credits to the same account serialize
 * on the database rather than racing in memory. The locked wallet row also
 * serializes the per-account ledger sequence.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Domain models and the pure cap evaluation rules.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veloracapital/compensation-service/internal/domain"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrEntryNotFound     = errors.New("ledger entry not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyProcessed  = errors.New("referral entry already exists for this source and level")
	ErrYieldAlreadyRun   = errors.New("yield already posted for this business day")
	ErrYieldExhausted    = errors.New("position has exhausted its working days")
	ErrRenewalNotAllowed = errors.New("position is not eligible for renewal")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetAccountByID retrieves one account from the directory.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT id, program_type, status, upline_id, direct_referral_count, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&account.ID, &account.ProgramType, &account.Status, &account.UplineID,
		&account.DirectReferralCount, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// IncrementDirectReferralCount bumps the upline's direct referral counter.
func (r *PostgresRepository) IncrementDirectReferralCount(ctx context.Context, accountID uuid.UUID) error {
	result, err := r.db.Exec(ctx,
		`UPDATE accounts SET direct_referral_count = direct_referral_count + 1, updated_at = NOW() WHERE id = $1`,
		accountID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateAccountStatus transitions an account's status.
func (r *PostgresRepository) UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus) error {
	result, err := r.db.Exec(ctx,
		`UPDATE accounts SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, accountID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CreateAccount inserts a new account with a zero-balance wallet.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (id, program_type, status, upline_id, direct_referral_count)
		VALUES ($1, $2, $3, $4, 0)
	`, account.ID, account.ProgramType, account.Status, account.UplineID)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (account_id, available_balance, pending_balance, lifetime_earned, lifetime_withdrawn)
		VALUES ($1, 0, 0, 0, 0)
	`, account.ID)
	if err != nil {
		return fmt.Errorf("failed to insert wallet: %w", err)
	}

	return tx.Commit(ctx)
}

// GetPositionByID retrieves one position.
func (r *PostgresRepository) GetPositionByID(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	return r.getPosition(ctx, r.db, `WHERE id = $1`, id)
}

// GetActivePositionByAccountID retrieves the account's single active position.
func (r *PostgresRepository) GetActivePositionByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.Position, error) {
	return r.getPosition(ctx, r.db, `WHERE account_id = $1 AND status = 'ACTIVE'`, accountID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) getPosition(ctx context.Context, q rowQuerier, where string, arg any) (*domain.Position, error) {
	var p domain.Position
	query := `
		SELECT id, account_id, status, base_amount, cap_multiplier, cap_amount, cycle_number,
		       cap_status, cap_reached_at, working_days_processed, yield_paid_total, last_yield_at,
		       created_at, updated_at
		FROM positions ` + where
	err := q.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.AccountID, &p.Status, &p.BaseAmount, &p.CapMultiplier, &p.CapAmount,
		&p.CycleNumber, &p.CapStatus, &p.CapReachedAt, &p.WorkingDaysProcessed,
		&p.YieldPaidTotal, &p.LastYieldAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreatePosition inserts a new position and opens its first-cycle cap tracker.
func (r *PostgresRepository) CreatePosition(ctx context.Context, position *domain.Position) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (id, account_id, status, base_amount, cap_multiplier, cap_amount,
		                       cycle_number, cap_status, working_days_processed, yield_paid_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0)
	`, position.ID, position.AccountID, position.Status, position.BaseAmount,
		position.CapMultiplier, position.CapAmount, position.CycleNumber, position.CapStatus)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cap_trackers (account_id, cycle_number, eligible_earnings_total, cap_amount, cap_reached)
		VALUES ($1, $2, 0, $3, FALSE)
		ON CONFLICT (account_id, cycle_number) DO NOTHING
	`, position.AccountID, position.CycleNumber, position.CapAmount)
	if err != nil {
		return fmt.Errorf("failed to open cap tracker: %w", err)
	}

	return tx.Commit(ctx)
}

// GetCapTracker reads the accumulator for one (account, cycle). Historical
// cycles stay readable after renewal.
func (r *PostgresRepository) GetCapTracker(ctx context.Context, accountID uuid.UUID, cycle int) (*domain.CapTracker, error) {
	var t domain.CapTracker
	query := `
		SELECT account_id, cycle_number, eligible_earnings_total, cap_amount, cap_reached, cap_reached_at, updated_at
		FROM cap_trackers
		WHERE account_id = $1 AND cycle_number = $2
	`
	err := r.db.QueryRow(ctx, query, accountID, cycle).Scan(
		&t.AccountID, &t.CycleNumber, &t.EligibleEarningsTotal, &t.CapAmount,
		&t.CapReached, &t.CapReachedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// SetPositionCapAmount overwrites a position's cap amount and mirrors it onto
// the current cycle tracker. Used by the admin cap recalculation command.
func (r *PostgresRepository) SetPositionCapAmount(ctx context.Context, positionID uuid.UUID, capAmount int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	var cycle int
	err = tx.QueryRow(ctx,
		`UPDATE positions SET cap_amount = $1, updated_at = NOW() WHERE id = $2 RETURNING account_id, cycle_number`,
		capAmount, positionID,
	).Scan(&accountID, &cycle)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrPositionNotFound
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cap_trackers (account_id, cycle_number, eligible_earnings_total, cap_amount, cap_reached)
		VALUES ($1, $2, 0, $3, FALSE)
		ON CONFLICT (account_id, cycle_number) DO UPDATE SET cap_amount = EXCLUDED.cap_amount, updated_at = NOW()
	`, accountID, cycle, capAmount)
	if err != nil {
		return fmt.Errorf("failed to update cap tracker: %w", err)
	}

	return tx.Commit(ctx)
}

// GetWalletByAccountID retrieves the balance projection for an account.
func (r *PostgresRepository) GetWalletByAccountID(ctx context.Context, accountID uuid.UUID) (*domain.Wallet, error) {
	var w domain.Wallet
	query := `
		SELECT account_id, available_balance, pending_balance, lifetime_earned, lifetime_withdrawn, updated_at
		FROM wallets
		WHERE account_id = $1
	`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&w.AccountID, &w.AvailableBalance, &w.PendingBalance,
		&w.LifetimeEarned, &w.LifetimeWithdrawn, &w.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// ListLedgerEntries returns the account's entries in per-account order, newest first.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, account_id, seq, type, amount, status, description, COALESCE(reason, ''),
		       source_account_id, COALESCE(level, 0), counts_toward_cap, position_id, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		err := rows.Scan(
			&e.ID, &e.AccountID, &e.Seq, &e.Type, &e.Amount, &e.Status, &e.Description,
			&e.Reason, &e.Metadata.SourceAccountID, &e.Metadata.Level,
			&e.Metadata.CountsTowardCap, &e.Metadata.PositionID, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PostEntry posts one ledger entry with its wallet delta and transaction
// snapshot as a single atomic unit, gated by the cap evaluator for positive
// credits unless the caller explicitly skips the check.
//
// On a cap rejection the REJECTED entry is committed, the wallet is untouched,
// and a *domain.CapExceededError carrying the figures is returned.
func (r *PostgresRepository) PostEntry(ctx context.Context, params PostEntryParams) (*domain.CreditResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, postErr := r.postEntryInTx(ctx, tx, params)
	var capErr *domain.CapExceededError
	if postErr != nil && !errors.As(postErr, &capErr) {
		return nil, postErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, postErr
}

// postEntryInTx runs the §-style posting pipeline inside an open transaction:
// lock wallet, evaluate cap, mutate tracker/position, mutate wallet, append the
// entry, write the snapshot. A returned *domain.CapExceededError means a
// REJECTED entry was written and the transaction should still be committed.
func (r *PostgresRepository) postEntryInTx(ctx context.Context, tx pgx.Tx, params PostEntryParams) (*domain.CreditResult, error) {
	status := params.Status
	if status == "" {
		status = domain.EntryApproved
	}

	var w domain.Wallet
	err := tx.QueryRow(ctx, `
		SELECT account_id, available_balance, pending_balance, lifetime_earned, lifetime_withdrawn
		FROM wallets
		WHERE account_id = $1
		FOR UPDATE
	`, params.AccountID).Scan(
		&w.AccountID, &w.AvailableBalance, &w.PendingBalance, &w.LifetimeEarned, &w.LifetimeWithdrawn,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	var decision domain.CapDecision
	if params.Amount > 0 && !params.SkipCapCheck {
		rejected, d, err := r.evaluateCapInTx(ctx, tx, params)
		if err != nil {
			return nil, err
		}
		decision = d
		if rejected != nil {
			// Write the rejected entry so the refusal is auditable, leave the
			// wallet untouched.
			if _, _, err := r.appendEntryInTx(ctx, tx, params, domain.EntryRejected, rejected.Reason); err != nil {
				return nil, err
			}
			return nil, &domain.CapExceededError{Rejection: *rejected}
		}
	}

	// Debits must be rejected before any mutation.
	pendingCredit := params.Amount > 0 && status == domain.EntryPending
	pendingDebit := params.Amount < 0 && status == domain.EntryPending
	newAvailable := w.AvailableBalance
	newPending := w.PendingBalance
	newEarned := w.LifetimeEarned
	switch {
	case pendingCredit:
		newPending += params.Amount
	case pendingDebit:
		newAvailable += params.Amount
		newPending += -params.Amount
	default:
		newAvailable += params.Amount
		if params.Amount > 0 {
			newEarned += params.Amount
		}
	}
	if newAvailable < 0 {
		return nil, ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET available_balance = $1, pending_balance = $2, lifetime_earned = $3, updated_at = NOW()
		WHERE account_id = $4
	`, newAvailable, newPending, newEarned, params.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}

	entryID, _, err := r.appendEntryInTx(ctx, tx, params, status, "")
	if err != nil {
		return nil, err
	}

	snapshotID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, account_id, ledger_entry_id, balance_before, balance_after)
		VALUES ($1, $2, $3, $4, $5)
	`, snapshotID, params.AccountID, entryID, w.AvailableBalance, newAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to write wallet transaction snapshot: %w", err)
	}

	return &domain.CreditResult{
		NewBalance:    newAvailable,
		LedgerEntryID: entryID,
		TransactionID: snapshotID,
		CapRemaining:  decision.Remaining,
		CapReached:    decision.CapReached,
	}, nil
}

// evaluateCapInTx loads the active position and its cycle tracker under row
// locks, seeds a missing tracker, applies the pure evaluation rules and
// persists the tracker/position transitions for an allowed, counting credit.
// A non-nil rejection means the credit must not touch the wallet.
func (r *PostgresRepository) evaluateCapInTx(ctx context.Context, tx pgx.Tx, params PostEntryParams) (*domain.CapRejection, domain.CapDecision, error) {
	pos, err := r.getPosition(ctx, tx, `WHERE account_id = $1 AND status = 'ACTIVE' FOR UPDATE`, params.AccountID)
	if err != nil {
		if errors.Is(err, ErrPositionNotFound) {
			// No active position means no cap cycle to enforce.
			return nil, domain.CapDecision{Allowed: true}, nil
		}
		return nil, domain.CapDecision{}, err
	}

	var program domain.ProgramType
	if err := tx.QueryRow(ctx, `SELECT program_type FROM accounts WHERE id = $1`, params.AccountID).Scan(&program); err != nil {
		return nil, domain.CapDecision{}, fmt.Errorf("failed to read account program: %w", err)
	}

	tracker := &domain.CapTracker{AccountID: params.AccountID, CycleNumber: pos.CycleNumber}
	seedCap := params.Rules.Cap.CapAmountFor(program, pos.BaseAmount)
	err = tx.QueryRow(ctx, `
		INSERT INTO cap_trackers (account_id, cycle_number, eligible_earnings_total, cap_amount, cap_reached)
		VALUES ($1, $2, 0, $3, FALSE)
		ON CONFLICT (account_id, cycle_number) DO UPDATE SET updated_at = cap_trackers.updated_at
		RETURNING eligible_earnings_total, cap_amount, cap_reached
	`, params.AccountID, pos.CycleNumber, seedCap).Scan(
		&tracker.EligibleEarningsTotal, &tracker.CapAmount, &tracker.CapReached,
	)
	if err != nil {
		return nil, domain.CapDecision{}, fmt.Errorf("failed to load cap tracker: %w", err)
	}

	decision := domain.EvaluateCap(pos, tracker, params.Rules, params.Amount, params.Type, params.Metadata.CountsTowardCap)
	if !decision.Allowed {
		return &domain.CapRejection{
			Reason:        decision.Reason,
			CapStatus:     pos.CapStatus,
			EarningsTotal: tracker.EligibleEarningsTotal,
			CapAmount:     tracker.CapAmount,
		}, decision, nil
	}

	if decision.CountsTowardCap {
		_, err = tx.Exec(ctx, `
			UPDATE cap_trackers
			SET eligible_earnings_total = eligible_earnings_total + $1,
			    cap_reached = cap_reached OR $2,
			    cap_reached_at = CASE WHEN $2 AND cap_reached_at IS NULL THEN NOW() ELSE cap_reached_at END,
			    updated_at = NOW()
			WHERE account_id = $3 AND cycle_number = $4
		`, params.Amount, decision.CapReached, params.AccountID, pos.CycleNumber)
		if err != nil {
			return nil, domain.CapDecision{}, fmt.Errorf("failed to update cap tracker: %w", err)
		}

		if decision.CapReached && params.Rules.Cap.AutoMarkReached && pos.CapStatus == domain.CapActive {
			_, err = tx.Exec(ctx, `
				UPDATE positions
				SET cap_status = $1, cap_reached_at = NOW(), updated_at = NOW()
				WHERE id = $2
			`, domain.CapReached, pos.ID)
			if err != nil {
				return nil, domain.CapDecision{}, fmt.Errorf("failed to mark position cap reached: %w", err)
			}
		}
	}

	return nil, decision, nil
}

// appendEntryInTx appends one immutable ledger entry. The caller must hold the
// wallet row lock, which serializes the per-account sequence.
func (r *PostgresRepository) appendEntryInTx(ctx context.Context, tx pgx.Tx, params PostEntryParams, status domain.EntryStatus, reason string) (uuid.UUID, int64, error) {
	entryID := uuid.New()
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, seq, type, amount, status, description, reason,
		                            source_account_id, level, counts_toward_cap, position_id)
		VALUES ($1, $2,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries WHERE account_id = $2),
		        $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
		RETURNING seq
	`, entryID, params.AccountID, params.Type, params.Amount, status, params.Description, reason,
		params.Metadata.SourceAccountID, params.Metadata.Level, params.Metadata.CountsTowardCap,
		params.Metadata.PositionID,
	).Scan(&seq)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return entryID, seq, nil
}

// TransferBetweenWallets moves an amount between two wallets as one atomic
// TRANSFER_OUT/TRANSFER_IN entry pair. Wallets are locked in a stable order to
// avoid deadlock between opposite concurrent transfers.
func (r *PostgresRepository) TransferBetweenWallets(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amount int64, description string) (*domain.CreditResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	first, second := fromAccountID, toAccountID
	if second.String() < first.String() {
		first, second = second, first
	}
	for _, id := range []uuid.UUID{first, second} {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM wallets WHERE account_id = $1 FOR UPDATE`, id); err != nil {
			return nil, fmt.Errorf("failed to lock wallet %s: %w", id, err)
		}
	}

	outResult, err := r.postEntryInTx(ctx, tx, PostEntryParams{
		AccountID:   fromAccountID,
		Amount:      -amount,
		Type:        domain.EntryTransferOut,
		Description: description,
		Metadata:    domain.EntryMetadata{SourceAccountID: &toAccountID},
	})
	if err != nil {
		return nil, err
	}

	_, err = r.postEntryInTx(ctx, tx, PostEntryParams{
		AccountID:    toAccountID,
		Amount:       amount,
		Type:         domain.EntryTransferIn,
		Description:  description,
		Metadata:     domain.EntryMetadata{SourceAccountID: &fromAccountID},
		SkipCapCheck: true, // transfers are balance movement, not earnings
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return outResult, nil
}

// PostReferralEntryIfAbsent performs the existence check and the posting as one
// transactional unit, so a real-time activation trigger and a reconciliation
// batch targeting the same source event cannot both credit.
func (r *PostgresRepository) PostReferralEntryIfAbsent(ctx context.Context, params PostEntryParams) (*domain.CreditResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The wallet lock serializes concurrent distributors for this beneficiary;
	// the existence check below is therefore race-free.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM wallets WHERE account_id = $1 FOR UPDATE`, params.AccountID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE account_id = $1 AND source_account_id = $2 AND level = $3
			  AND type IN ('REFERRAL_DIRECT', 'REFERRAL_LEVEL')
			  AND status IN ('APPROVED', 'PENDING')
		)
	`, params.AccountID, params.Metadata.SourceAccountID, params.Metadata.Level).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing referral entry: %w", err)
	}
	if exists {
		return nil, ErrAlreadyProcessed
	}

	result, postErr := r.postEntryInTx(ctx, tx, params)
	var capErr *domain.CapExceededError
	if postErr != nil && !errors.As(postErr, &capErr) {
		return nil, postErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, postErr
}

// CountReferralEntriesFromSource counts the approved/pending referral credits a
// beneficiary already holds for one referred account, for the per-source ceiling.
func (r *PostgresRepository) CountReferralEntriesFromSource(ctx context.Context, beneficiaryID, sourceAccountID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE account_id = $1 AND source_account_id = $2
		  AND type IN ('REFERRAL_DIRECT', 'REFERRAL_LEVEL')
		  AND status IN ('APPROVED', 'PENDING')
	`, beneficiaryID, sourceAccountID).Scan(&count)
	return count, err
}

// ListYieldEligiblePositions returns active positions whose accounts may earn
// daily yield. Leader positions are excluded unless leader yield is enabled.
func (r *PostgresRepository) ListYieldEligiblePositions(ctx context.Context, leaderYieldEnabled bool) ([]domain.Position, error) {
	query := `
		SELECT p.id, p.account_id, p.status, p.base_amount, p.cap_multiplier, p.cap_amount,
		       p.cycle_number, p.cap_status, p.cap_reached_at, p.working_days_processed,
		       p.yield_paid_total, p.last_yield_at, p.created_at, p.updated_at
		FROM positions p
		JOIN accounts a ON a.id = p.account_id
		WHERE p.status = 'ACTIVE'
		  AND a.status IN ('ACTIVE_INVESTOR', 'ACTIVE_LEADER')
		  AND (a.program_type <> 'LEADER' OR $1)
		ORDER BY p.created_at
	`
	rows, err := r.db.Query(ctx, query, leaderYieldEnabled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		err := rows.Scan(
			&p.ID, &p.AccountID, &p.Status, &p.BaseAmount, &p.CapMultiplier, &p.CapAmount,
			&p.CycleNumber, &p.CapStatus, &p.CapReachedAt, &p.WorkingDaysProcessed,
			&p.YieldPaidTotal, &p.LastYieldAt, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// AdvanceYieldAndPost advances a position's working-day counters and posts the
// day's yield in one transaction. The counters move before the credit; a re-run
// of the same business day short-circuits on last_yield_at, and an interrupted
// run can be restarted safely because counter and credit commit together.
func (r *PostgresRepository) AdvanceYieldAndPost(ctx context.Context, params AdvanceYieldParams) (*domain.CreditResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pos, err := r.getPosition(ctx, tx, `WHERE id = $1 FOR UPDATE`, params.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.Status != domain.PositionActive {
		return nil, ErrPositionNotFound
	}
	if pos.LastYieldAt != nil && !pos.LastYieldAt.Before(params.BusinessDay) {
		return nil, ErrYieldAlreadyRun
	}
	if pos.WorkingDaysProcessed >= params.Tier.MaxWorkingDays {
		return nil, ErrYieldExhausted
	}

	dailyAmount := domain.PercentOf(pos.BaseAmount, params.Tier.DailyPercent)

	// Counter first, credit second; both under the same commit.
	_, err = tx.Exec(ctx, `
		UPDATE positions
		SET working_days_processed = working_days_processed + 1,
		    yield_paid_total = yield_paid_total + $1,
		    last_yield_at = $2,
		    updated_at = NOW()
		WHERE id = $3
	`, dailyAmount, params.BusinessDay, params.PositionID)
	if err != nil {
		return nil, fmt.Errorf("failed to advance yield counters: %w", err)
	}

	result, postErr := r.postEntryInTx(ctx, tx, PostEntryParams{
		AccountID:   pos.AccountID,
		Amount:      dailyAmount,
		Type:        domain.EntryDailyYield,
		Description: fmt.Sprintf("Daily yield, working day %d", pos.WorkingDaysProcessed+1),
		Metadata:    domain.EntryMetadata{PositionID: &pos.ID},
		Rules:       params.Rules,
	})
	var capErr *domain.CapExceededError
	if postErr != nil && !errors.As(postErr, &capErr) {
		return nil, postErr
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, postErr
}

// ListPendingPayoutEntries returns pending payout requests and pending referral
// credits awaiting the weekly settlement batch.
func (r *PostgresRepository) ListPendingPayoutEntries(ctx context.Context) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, account_id, seq, type, amount, status, description, COALESCE(reason, ''),
		       source_account_id, COALESCE(level, 0), counts_toward_cap, position_id, created_at
		FROM ledger_entries
		WHERE status = 'PENDING'
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		err := rows.Scan(
			&e.ID, &e.AccountID, &e.Seq, &e.Type, &e.Amount, &e.Status, &e.Description,
			&e.Reason, &e.Metadata.SourceAccountID, &e.Metadata.Level,
			&e.Metadata.CountsTowardCap, &e.Metadata.PositionID, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CompletePayoutEntry settles one PENDING entry: pending payout debits move to
// lifetime withdrawn, pending credits release into the available balance.
func (r *PostgresRepository) CompletePayoutEntry(ctx context.Context, entryID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	var amount int64
	var status domain.EntryStatus
	err = tx.QueryRow(ctx, `
		SELECT account_id, amount, status FROM ledger_entries WHERE id = $1 FOR UPDATE
	`, entryID).Scan(&accountID, &amount, &status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrEntryNotFound
		}
		return err
	}
	if status != domain.EntryPending {
		return ErrEntryNotFound
	}

	if _, err := tx.Exec(ctx, `SELECT 1 FROM wallets WHERE account_id = $1 FOR UPDATE`, accountID); err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}

	if amount < 0 {
		_, err = tx.Exec(ctx, `
			UPDATE wallets
			SET pending_balance = pending_balance - $1, lifetime_withdrawn = lifetime_withdrawn + $1, updated_at = NOW()
			WHERE account_id = $2
		`, -amount, accountID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE wallets
			SET pending_balance = pending_balance - $1,
			    available_balance = available_balance + $1,
			    lifetime_earned = lifetime_earned + $1,
			    updated_at = NOW()
			WHERE account_id = $2
		`, amount, accountID)
	}
	if err != nil {
		return fmt.Errorf("failed to settle wallet balances: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE ledger_entries SET status = 'APPROVED' WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("failed to approve entry: %w", err)
	}

	return tx.Commit(ctx)
}

// RenewPosition performs the full cycle transition atomically: payer debit,
// plan recompute, cycle increment, fresh tracker, renewal record. The position
// row lock makes the transition serial with concurrent credit postings, so no
// credit is ever evaluated against the wrong cycle.
func (r *PostgresRepository) RenewPosition(ctx context.Context, params RenewParams) (*domain.RenewalRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order matches postEntryInTx (wallet, then position), so a renewal
	// and a concurrent credit for the same account never deadlock.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM wallets WHERE account_id = $1 FOR UPDATE`, params.AccountID); err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	pos, err := r.getPosition(ctx, tx, `WHERE id = $1 FOR UPDATE`, params.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.AccountID != params.AccountID {
		return nil, ErrPositionNotFound
	}
	if pos.CapStatus != domain.CapReached && pos.CapStatus != domain.CapRenewalPending {
		return nil, ErrRenewalNotAllowed
	}

	if params.PayerRole != domain.RenewalPayerAdmin && params.AmountPaid > 0 {
		payerID := params.AccountID
		if params.PayerAccountID != nil {
			payerID = *params.PayerAccountID
		}
		_, err = r.postEntryInTx(ctx, tx, PostEntryParams{
			AccountID:   payerID,
			Amount:      -params.AmountPaid,
			Type:        domain.EntryRenewalPaid,
			Description: fmt.Sprintf("Cycle renewal for account %s", params.AccountID),
			Metadata:    domain.EntryMetadata{SourceAccountID: &params.AccountID, PositionID: &params.PositionID},
			Rules:       params.Rules,
		})
		if err != nil {
			return nil, err
		}
	}

	var program domain.ProgramType
	if err := tx.QueryRow(ctx, `SELECT program_type FROM accounts WHERE id = $1`, params.AccountID).Scan(&program); err != nil {
		return nil, fmt.Errorf("failed to read account program: %w", err)
	}

	newBase := pos.BaseAmount
	if params.NewBaseAmount > 0 && params.Rules.Cap.UpgradeAllowed {
		newBase = params.NewBaseAmount
	}
	multiplier := params.Rules.Cap.InvestorMultiplier
	if program == domain.ProgramLeader {
		multiplier = params.Rules.Cap.LeaderMultiplier
	}
	newCapAmount := params.Rules.Cap.CapAmountFor(program, newBase)
	newCycle := pos.CycleNumber + 1

	_, err = tx.Exec(ctx, `
		UPDATE positions
		SET base_amount = $1, cap_multiplier = $2, cap_amount = $3, cycle_number = $4,
		    cap_status = 'ACTIVE', cap_reached_at = NULL,
		    working_days_processed = 0, yield_paid_total = 0, last_yield_at = NULL,
		    updated_at = NOW()
		WHERE id = $5
	`, newBase, multiplier, newCapAmount, newCycle, params.PositionID)
	if err != nil {
		return nil, fmt.Errorf("failed to roll position into new cycle: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cap_trackers (account_id, cycle_number, eligible_earnings_total, cap_amount, cap_reached)
		VALUES ($1, $2, 0, $3, FALSE)
	`, params.AccountID, newCycle, newCapAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to open new cycle tracker: %w", err)
	}

	record := &domain.RenewalRecord{
		ID:             uuid.New(),
		AccountID:      params.AccountID,
		PositionID:     params.PositionID,
		FromCycle:      pos.CycleNumber,
		ToCycle:        newCycle,
		AmountPaid:     params.AmountPaid,
		PayerAccountID: params.PayerAccountID,
		PayerRole:      params.PayerRole,
		Method:         params.Method,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO renewal_records (id, account_id, position_id, from_cycle, to_cycle, amount_paid, payer_account_id, payer_role, method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.AccountID, record.PositionID, record.FromCycle, record.ToCycle,
		record.AmountPaid, record.PayerAccountID, record.PayerRole, record.Method)
	if err != nil {
		return nil, fmt.Errorf("failed to write renewal record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// GetRuleSnapshot overlays rule rows from the `compensation_rules` table onto
// the built-in defaults. Each row holds one JSON section; the snapshot version
// is the highest row version seen.
func (r *PostgresRepository) GetRuleSnapshot(ctx context.Context, defaults domain.RuleSnapshot) (*domain.RuleSnapshot, error) {
	snapshot := defaults

	rows, err := r.db.Query(ctx, `SELECT section, payload, version FROM compensation_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var section string
		var payload []byte
		var version int64
		if err := rows.Scan(&section, &payload, &version); err != nil {
			return nil, err
		}
		if version > snapshot.Version {
			snapshot.Version = version
		}

		switch section {
		case "yield":
			err = json.Unmarshal(payload, &snapshot.Yield)
		case "referral":
			err = json.Unmarshal(payload, &snapshot.Referral)
		case "cap":
			err = json.Unmarshal(payload, &snapshot.Cap)
		case "payout":
			err = json.Unmarshal(payload, &snapshot.Payout)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode %q rule section: %w", section, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	snapshot.Cap.NormalizeEligibleTypes()
	return &snapshot, nil
}

// CreateAuditRecord appends one audit record.
func (r *PostgresRepository) CreateAuditRecord(ctx context.Context, record domain.AuditRecord) error {
	detail, err := json.Marshal(record.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode audit detail: %w", err)
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_records (id, account_id, action, actor, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, record.ID, record.AccountID, record.Action, record.Actor, detail)
	return err
}
