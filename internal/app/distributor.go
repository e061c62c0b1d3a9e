/**
 * @description
 * This file implements the referral distribution flow. One activation event
 * fans out into a direct bonus for the upline and band-based credits up the
 * referral chain, each posted through the repository's guarded insert so a
 * replayed event can never credit twice.
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

// DistributeActivation runs the full referral distribution for one activation.
//
// The source account and the direct upline are validated first; any structural
// skip (leader or ineligible source, below-minimum activation, no upline,
// leader or ineligible direct upline, direct circular pair) abandons the whole
// distribution with a reason. Ancestors above the direct upline are skipped
// independently: a leader or unqualified ancestor consumes its level but earns
// nothing, and the walk continues above it.
func (s *Service) DistributeActivation(ctx context.Context, event domain.ActivationEvent) (*domain.DistributionResult, error) {
	log.Printf("DistributeActivation: Starting distribution for account %s amount %d", event.AccountID, event.ActivationAmount)

	rules, err := s.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	if !rules.Referral.Enabled {
		return s.skipDistribution(ctx, event, domain.SkipReferralDisabled), nil
	}

	source, err := s.repo.GetAccountByID(ctx, event.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find source account: %w", err)
	}
	if source.IsLeader() {
		// Leader activations never generate referral income.
		return s.skipDistribution(ctx, event, domain.SkipLeaderAccount), nil
	}
	if !rules.Referral.InvestorEnabled {
		return s.skipDistribution(ctx, event, domain.SkipReferralDisabled), nil
	}
	if !source.StatusIn(rules.Referral.EligibleStatuses) {
		return s.skipDistribution(ctx, event, domain.SkipIneligibleStatus), nil
	}
	if event.ActivationAmount < rules.Referral.MinActivationAmount {
		return s.skipDistribution(ctx, event, domain.SkipBelowMinimum), nil
	}
	if source.UplineID == nil {
		return s.skipDistribution(ctx, event, domain.SkipNoUpline), nil
	}
	if *source.UplineID == source.ID {
		return s.skipDistribution(ctx, event, domain.SkipSelfReferral), nil
	}

	upline, err := s.repo.GetAccountByID(ctx, *source.UplineID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return s.skipDistribution(ctx, event, domain.SkipUplineNotFound), nil
		}
		return nil, fmt.Errorf("failed to find upline: %w", err)
	}
	// A leader or ineligible direct upline voids the whole event; nothing is
	// paid at any level.
	if upline.IsLeader() {
		return s.skipDistribution(ctx, event, domain.SkipUplineLeader), nil
	}
	if !upline.StatusIn(rules.Referral.EligibleStatuses) {
		return s.skipDistribution(ctx, event, domain.SkipUplineIneligible), nil
	}
	if upline.UplineID != nil && *upline.UplineID == source.ID {
		return s.skipDistribution(ctx, event, domain.SkipCircularReferral), nil
	}

	result := &domain.DistributionResult{
		Processed:      true,
		DirectUplineID: &upline.ID,
	}

	// Direct bonus, level 1. A duplicate here means the whole event was
	// already distributed.
	directAmount := domain.PercentOf(event.ActivationAmount, rules.Referral.DirectPercent)
	skip, err := s.creditReferral(ctx, rules, upline, source.ID, event, 1, directAmount, domain.EntryReferralDirect)
	if err != nil {
		return nil, err
	}
	switch skip {
	case domain.SkipAlreadyProcessed:
		return s.skipDistribution(ctx, event, domain.SkipAlreadyProcessed), nil
	case domain.SkipNone:
		result.DirectAmount = directAmount
		result.TotalAmount += directAmount
		if err := s.repo.IncrementDirectReferralCount(ctx, upline.ID); err != nil {
			log.Printf("WARN: DistributeActivation: failed to increment direct count for %s: %v", upline.ID, err)
		}
	default:
		log.Printf("DistributeActivation: direct bonus skipped for upline %s reason=%s", upline.ID, skip)
	}

	if rules.Referral.MultiLevelEnabled {
		s.walkUplineChain(ctx, rules, upline, source.ID, event, result)
	}

	if s.eventProducer != nil {
		publishErr := s.eventProducer.PublishReferralDistributed(ctx, rabbitmq.ReferralDistributedEvent{
			SourceAccountID:  source.ID,
			ActivationAmount: event.ActivationAmount,
			DirectAmount:     result.DirectAmount,
			LevelCount:       len(result.PerLevel),
			TotalAmount:      result.TotalAmount,
			Timestamp:        time.Now().UTC(),
		})
		if publishErr != nil {
			log.Printf("WARN: Failed to publish referral distributed event for source %s: %v", source.ID, publishErr)
		}
	}

	s.audit(ctx, source.ID, "referral.distributed", "system", map[string]any{
		"direct_amount": result.DirectAmount,
		"level_count":   len(result.PerLevel),
		"total_amount":  result.TotalAmount,
	})

	return result, nil
}

// walkUplineChain posts the band-based credits for levels above the direct
// upline. Level numbering starts at 1 for the first ancestor above the direct
// upline and each ancestor consumes its level whether or not it earns.
func (s *Service) walkUplineChain(ctx context.Context, rules *domain.RuleSnapshot, directUpline *domain.Account, sourceID uuid.UUID, event domain.ActivationEvent, result *domain.DistributionResult) {
	visited := map[uuid.UUID]bool{sourceID: true, directUpline.ID: true}

	current := directUpline
	for level := 1; level <= rules.Referral.MaxLevels; level++ {
		if current.UplineID == nil {
			return
		}
		nextID := *current.UplineID
		if visited[nextID] {
			log.Printf("WARN: walkUplineChain: circular referral chain detected at account %s", nextID)
			return
		}
		visited[nextID] = true

		ancestor, err := s.repo.GetAccountByID(ctx, nextID)
		if err != nil {
			log.Printf("WARN: walkUplineChain: broken chain above %s: %v", current.ID, err)
			return
		}
		current = ancestor

		percent, ok := domain.ResolveBandPercent(rules.Referral.Bands, level)
		if !ok {
			continue
		}
		amount := domain.PercentOf(event.ActivationAmount, percent)
		if amount <= 0 {
			continue
		}
		if !domain.QualifiedForLevel(level, ancestor.DirectReferralCount, rules.Referral) {
			continue
		}

		skip, err := s.creditReferral(ctx, rules, ancestor, sourceID, event, level+1, amount, domain.EntryReferralLevel)
		if err != nil {
			log.Printf("WARN: walkUplineChain: level %d credit failed for %s: %v", level, ancestor.ID, err)
			continue
		}
		if skip != domain.SkipNone {
			continue
		}
		result.PerLevel = append(result.PerLevel, domain.LevelCredit{
			Level:     level,
			AccountID: ancestor.ID,
			Amount:    amount,
		})
		result.TotalAmount += amount
	}
}

// creditReferral applies per-beneficiary eligibility and ceiling checks, then
// posts one guarded referral credit. It returns a skip reason instead of an
// error for expected refusals; a cap rejection is a silent skip because the
// REJECTED ledger entry already tells the story.
func (s *Service) creditReferral(ctx context.Context, rules *domain.RuleSnapshot, beneficiary *domain.Account, sourceID uuid.UUID, event domain.ActivationEvent, level int, amount int64, entryType domain.EntryType) (domain.SkipReason, error) {
	if beneficiary.IsLeader() {
		return domain.SkipUplineLeader, nil
	}
	if !beneficiary.StatusIn(rules.Referral.EligibleStatuses) {
		return domain.SkipUplineIneligible, nil
	}

	if rules.Referral.PerSourceCeiling > 0 {
		count, err := s.repo.CountReferralEntriesFromSource(ctx, beneficiary.ID, sourceID)
		if err != nil {
			return domain.SkipNone, fmt.Errorf("failed to count per-source credits: %w", err)
		}
		if count >= rules.Referral.PerSourceCeiling {
			return domain.SkipPerSourceCeiling, nil
		}
	}

	day := event.OccurredAt
	if day.IsZero() {
		day = time.Now().UTC()
	}
	allowed, _, err := s.ceilings.ReserveDailyBudget(ctx, beneficiary.ID.String(), day, 1, int64(rules.Referral.DailyCreditCeiling))
	if err != nil {
		// Redis being down must not stall compensation; the ceiling is a
		// throttle, not a ledger invariant.
		log.Printf("WARN: creditReferral: ceiling check unavailable for %s: %v", beneficiary.ID, err)
		allowed = true
	}
	if !allowed {
		return domain.SkipDailyCeiling, nil
	}

	status := domain.EntryApproved
	if rules.Referral.PayoutMode == domain.PayoutPending {
		status = domain.EntryPending
	}
	counts := rules.Referral.CountsTowardCap

	description := fmt.Sprintf("Direct referral bonus from activation %s", event.PositionID)
	if entryType == domain.EntryReferralLevel {
		description = fmt.Sprintf("Level %d referral bonus from activation %s", level-1, event.PositionID)
	}

	_, err = s.repo.PostReferralEntryIfAbsent(ctx, store.PostEntryParams{
		AccountID:   beneficiary.ID,
		Amount:      amount,
		Type:        entryType,
		Status:      status,
		Description: description,
		Metadata: domain.EntryMetadata{
			SourceAccountID: &sourceID,
			Level:           level,
			CountsTowardCap: &counts,
			PositionID:      &event.PositionID,
		},
		Rules: *rules,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			s.releaseCeiling(ctx, beneficiary.ID, day)
			return domain.SkipAlreadyProcessed, nil
		}
		var capErr *domain.CapExceededError
		if errors.As(err, &capErr) {
			s.releaseCeiling(ctx, beneficiary.ID, day)
			return domain.SkipCapReached, nil
		}
		s.releaseCeiling(ctx, beneficiary.ID, day)
		return domain.SkipNone, err
	}

	return domain.SkipNone, nil
}

func (s *Service) releaseCeiling(ctx context.Context, beneficiaryID uuid.UUID, day time.Time) {
	if err := s.ceilings.ReleaseDailyBudget(ctx, beneficiaryID.String(), day, 1); err != nil {
		log.Printf("WARN: failed to release ceiling budget for %s: %v", beneficiaryID, err)
	}
}

// skipDistribution records a whole-event skip in the audit trail and returns
// the structured result.
func (s *Service) skipDistribution(ctx context.Context, event domain.ActivationEvent, reason domain.SkipReason) *domain.DistributionResult {
	log.Printf("DistributeActivation: skipped for account %s reason=%s", event.AccountID, reason)
	s.audit(ctx, event.AccountID, "referral.skipped", "system", map[string]any{
		"reason": string(reason),
		"amount": event.ActivationAmount,
	})
	return &domain.DistributionResult{Processed: false, Reason: reason}
}
