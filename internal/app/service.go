/**
 * @description
 * This file contains the core business logic for the compensation-service. The
 * `Service` struct orchestrates all ledger operations, coordinating between the
 * database repository, the Redis ceiling limiter, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: account registration, position activation,
 *   admin adjustments, wallet transfers, payout requests and cycle renewals.
 * - Delegates all balance mutation to the repository's atomic posting methods.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/veloracapital/compensation-service/internal/domain"
	"github.com/veloracapital/compensation-service/internal/store"
	"github.com/veloracapital/compensation-service/pkg/rabbitmq"
)

var (
	ErrAccountNotActivatable = errors.New("account is not in an activatable state")
	ErrAccountBlocked        = errors.New("account is blocked")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrBelowMinimumPayout    = errors.New("amount is below the minimum payout")
)

// Service provides the core business logic for the compensation ledger.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	ceilings      *ReferralCeilingLimiter
}

// NewService creates a new compensation service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, ceilings *ReferralCeilingLimiter) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
		ceilings:      ceilings,
	}
}

// Rules loads the current rule snapshot, overlaying stored overrides on the
// built-in defaults. Every operation reads one snapshot up front and uses it
// throughout, so a mid-flight rule change cannot split a single distribution.
func (s *Service) Rules(ctx context.Context) (*domain.RuleSnapshot, error) {
	return s.repo.GetRuleSnapshot(ctx, domain.DefaultRuleSnapshot())
}

// RegisterAccount creates a new account in the directory with an empty wallet.
func (s *Service) RegisterAccount(ctx context.Context, programType domain.ProgramType, uplineID *uuid.UUID) (*domain.Account, error) {
	if programType != domain.ProgramInvestor && programType != domain.ProgramLeader {
		return nil, fmt.Errorf("unknown program type %q", programType)
	}
	if uplineID != nil {
		if _, err := s.repo.GetAccountByID(ctx, *uplineID); err != nil {
			return nil, fmt.Errorf("failed to find upline: %w", err)
		}
	}

	account := &domain.Account{
		ID:          uuid.New(),
		ProgramType: programType,
		Status:      domain.StatusPendingActivation,
		UplineID:    uplineID,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// ActivationResult bundles the position created by an activation with the
// referral distribution it triggered.
type ActivationResult struct {
	Position     *domain.Position           `json:"position"`
	Distribution *domain.DistributionResult `json:"distribution"`
}

// ActivatePosition opens a position for a pending account, activates the
// account, and runs the referral distribution for the activation amount.
//
// When payFromWallet is set the activation amount is debited from the
// account's own wallet first; otherwise payment is assumed to have settled
// out of band.
func (s *Service) ActivatePosition(ctx context.Context, accountID uuid.UUID, amount int64, payFromWallet bool) (*ActivationResult, error) {
	log.Printf("ActivatePosition: Starting activation for account %s amount %d", accountID, amount)

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	rules, err := s.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	account, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account.Status == domain.StatusBlocked || account.Status == domain.StatusAutoBlocked {
		return nil, ErrAccountBlocked
	}
	if account.Status != domain.StatusPendingActivation {
		return nil, ErrAccountNotActivatable
	}

	if payFromWallet {
		_, err := s.repo.PostEntry(ctx, store.PostEntryParams{
			AccountID:   accountID,
			Amount:      -amount,
			Type:        domain.EntryActivationPaid,
			Description: "Position activation payment",
			Rules:       *rules,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to debit activation payment: %w", err)
		}
	}

	multiplier := rules.Cap.InvestorMultiplier
	if account.ProgramType == domain.ProgramLeader {
		multiplier = rules.Cap.LeaderMultiplier
	}
	position := &domain.Position{
		ID:            uuid.New(),
		AccountID:     accountID,
		Status:        domain.PositionActive,
		BaseAmount:    amount,
		CapMultiplier: multiplier,
		CapAmount:     rules.Cap.CapAmountFor(account.ProgramType, amount),
		CycleNumber:   1,
		CapStatus:     domain.CapActive,
	}
	if err := s.repo.CreatePosition(ctx, position); err != nil {
		return nil, fmt.Errorf("failed to create position: %w", err)
	}

	newStatus := domain.StatusActiveInvestor
	if account.ProgramType == domain.ProgramLeader {
		newStatus = domain.StatusActiveLeader
	}
	if err := s.repo.UpdateAccountStatus(ctx, accountID, newStatus); err != nil {
		return nil, fmt.Errorf("failed to activate account: %w", err)
	}

	s.audit(ctx, accountID, "position.activated", "system", map[string]any{
		"position_id": position.ID.String(),
		"base_amount": amount,
		"cap_amount":  position.CapAmount,
	})

	event := domain.ActivationEvent{
		AccountID:        accountID,
		PositionID:       position.ID,
		ActivationAmount: amount,
		PositionSnapshot: domain.PositionSnapshot{
			BaseAmount:    position.BaseAmount,
			CapMultiplier: position.CapMultiplier,
			CycleNumber:   position.CycleNumber,
		},
		OccurredAt: time.Now().UTC(),
	}
	distribution, err := s.DistributeActivation(ctx, event)
	if err != nil {
		// The position is live; the distribution can be replayed safely because
		// posting is guarded per (beneficiary, source, level).
		log.Printf("WARN: ActivatePosition: distribution failed for account %s: %v", accountID, err)
		return &ActivationResult{Position: position}, nil
	}

	return &ActivationResult{Position: position, Distribution: distribution}, nil
}

// AdminAdjust posts a manual correction entry. A positive amount is cap-checked
// like any other earning unless countsTowardCap explicitly opts it out.
func (s *Service) AdminAdjust(ctx context.Context, accountID uuid.UUID, amount int64, description, actor string, countsTowardCap *bool) (*domain.CreditResult, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	rules, err := s.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	result, err := s.repo.PostEntry(ctx, store.PostEntryParams{
		AccountID:   accountID,
		Amount:      amount,
		Type:        domain.EntryAdminAdjust,
		Description: description,
		Metadata:    domain.EntryMetadata{CountsTowardCap: countsTowardCap},
		Rules:       *rules,
	})
	if err != nil {
		return result, err
	}

	s.audit(ctx, accountID, "admin.adjustment", actor, map[string]any{
		"amount":      amount,
		"description": description,
	})
	s.notifyCapReached(ctx, accountID, result)
	return result, nil
}

// GrantAchievement credits a one-off achievement bonus, cap-checked.
func (s *Service) GrantAchievement(ctx context.Context, accountID uuid.UUID, amount int64, description, actor string) (*domain.CreditResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	rules, err := s.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	result, err := s.repo.PostEntry(ctx, store.PostEntryParams{
		AccountID:   accountID,
		Amount:      amount,
		Type:        domain.EntryAchievement,
		Description: description,
		Rules:       *rules,
	})
	if err != nil {
		return result, err
	}

	s.audit(ctx, accountID, "achievement.granted", actor, map[string]any{
		"amount":      amount,
		"description": description,
	})
	s.notifyCapReached(ctx, accountID, result)
	return result, nil
}

// Transfer moves funds between two wallets.
func (s *Service) Transfer(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amount int64, description string) (*domain.CreditResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromAccountID == toAccountID {
		return nil, errors.New("cannot transfer to the same account")
	}
	return s.repo.TransferBetweenWallets(ctx, fromAccountID, toAccountID, amount, description)
}

// RequestPayout places a pending payout request, moving the amount from the
// available balance into the pending balance until the weekly batch settles it.
func (s *Service) RequestPayout(ctx context.Context, accountID uuid.UUID, amount int64) (*domain.CreditResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	rules, err := s.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if amount < rules.Payout.MinPayoutAmount {
		return nil, ErrBelowMinimumPayout
	}

	result, err := s.repo.PostEntry(ctx, store.PostEntryParams{
		AccountID:   accountID,
		Amount:      -amount,
		Type:        domain.EntryPayoutRequest,
		Status:      domain.EntryPending,
		Description: "Payout request",
		Rules:       *rules,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, accountID, "payout.requested", "account", map[string]any{"amount": amount})
	return result, nil
}

// RecalculateCap recomputes a position's cap amount from the current rules and
// applies it to the position and its current cycle tracker.
func (s *Service) RecalculateCap(ctx context.Context, positionID uuid.UUID, actor string) (*domain.Position, error) {
	rules, err := s.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	position, err := s.repo.GetPositionByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.GetAccountByID(ctx, position.AccountID)
	if err != nil {
		return nil, err
	}

	newCap := rules.Cap.CapAmountFor(account.ProgramType, position.BaseAmount)
	if err := s.repo.SetPositionCapAmount(ctx, positionID, newCap); err != nil {
		return nil, err
	}

	s.audit(ctx, position.AccountID, "cap.recalculated", actor, map[string]any{
		"position_id": positionID.String(),
		"old_cap":     position.CapAmount,
		"new_cap":     newCap,
	})

	position.CapAmount = newCap
	return position, nil
}

// Renew rolls a capped position into its next cycle.
func (s *Service) Renew(ctx context.Context, accountID, positionID uuid.UUID, payerAccountID *uuid.UUID, payerRole domain.RenewalPayerRole, method string, newBaseAmount int64) (*domain.RenewalRecord, error) {
	rules, err := s.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	amountPaid := rules.Cap.RenewalAmount
	if payerRole == domain.RenewalPayerAdmin {
		amountPaid = 0
	}

	record, err := s.repo.RenewPosition(ctx, store.RenewParams{
		AccountID:      accountID,
		PositionID:     positionID,
		PayerAccountID: payerAccountID,
		PayerRole:      payerRole,
		AmountPaid:     amountPaid,
		Method:         method,
		NewBaseAmount:  newBaseAmount,
		Rules:          *rules,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, accountID, "cycle.renewed", string(payerRole), map[string]any{
		"from_cycle":  record.FromCycle,
		"to_cycle":    record.ToCycle,
		"amount_paid": record.AmountPaid,
	})

	if s.eventProducer != nil {
		event := rabbitmq.CycleRenewedEvent{
			AccountID:  accountID,
			FromCycle:  record.FromCycle,
			ToCycle:    record.ToCycle,
			AmountPaid: record.AmountPaid,
			PayerRole:  string(payerRole),
			Timestamp:  time.Now().UTC(),
		}
		if err := s.eventProducer.PublishCycleRenewed(ctx, event); err != nil {
			log.Printf("WARN: Failed to publish cycle renewed event for account %s: %v", accountID, err)
		}
	}

	return record, nil
}

// GetAccount retrieves one account.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.GetAccountByID(ctx, accountID)
}

// GetWallet retrieves the balance projection for an account.
func (s *Service) GetWallet(ctx context.Context, accountID uuid.UUID) (*domain.Wallet, error) {
	return s.repo.GetWalletByAccountID(ctx, accountID)
}

// GetLedger retrieves a page of the account's ledger entries.
func (s *Service) GetLedger(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx, accountID, limit, offset)
}

// CapStatusView joins a position with its current cycle tracker for reads.
type CapStatusView struct {
	Position *domain.Position   `json:"position"`
	Tracker  *domain.CapTracker `json:"tracker"`
}

// GetCapStatus retrieves the account's active position together with its
// current cycle accumulator.
func (s *Service) GetCapStatus(ctx context.Context, accountID uuid.UUID) (*CapStatusView, error) {
	position, err := s.repo.GetActivePositionByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	tracker, err := s.repo.GetCapTracker(ctx, accountID, position.CycleNumber)
	if err != nil {
		if errors.Is(err, store.ErrPositionNotFound) {
			// No credits have posted this cycle yet; present an empty tracker.
			tracker = &domain.CapTracker{
				AccountID:   accountID,
				CycleNumber: position.CycleNumber,
				CapAmount:   position.CapAmount,
			}
		} else {
			return nil, err
		}
	}
	return &CapStatusView{Position: position, Tracker: tracker}, nil
}

// notifyCapReached publishes a cap reached event when a posting result crossed
// the cap. Best effort; the tracker state is already committed.
func (s *Service) notifyCapReached(ctx context.Context, accountID uuid.UUID, result *domain.CreditResult) {
	if s.eventProducer == nil || result == nil || !result.CapReached {
		return
	}
	position, err := s.repo.GetActivePositionByAccountID(ctx, accountID)
	if err != nil {
		log.Printf("WARN: notifyCapReached: failed to load position for %s: %v", accountID, err)
		return
	}
	tracker, err := s.repo.GetCapTracker(ctx, accountID, position.CycleNumber)
	if err != nil {
		log.Printf("WARN: notifyCapReached: failed to load tracker for %s: %v", accountID, err)
		return
	}
	event := rabbitmq.CapReachedEvent{
		AccountID:     accountID,
		CycleNumber:   position.CycleNumber,
		EarningsTotal: tracker.EligibleEarningsTotal,
		CapAmount:     tracker.CapAmount,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.eventProducer.PublishCapReached(ctx, event); err != nil {
		log.Printf("WARN: Failed to publish cap reached event for account %s: %v", accountID, err)
	}
}

// audit records an audit trail entry, logging on failure rather than failing
// the parent operation.
func (s *Service) audit(ctx context.Context, accountID uuid.UUID, action, actor string, detail map[string]any) {
	record := domain.AuditRecord{
		ID:        uuid.New(),
		AccountID: accountID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateAuditRecord(ctx, record); err != nil {
		log.Printf("WARN: Failed to write audit record action=%s account=%s: %v", action, accountID, err)
	}
}
