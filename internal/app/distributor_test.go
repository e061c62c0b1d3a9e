package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/veloracapital/compensation-service/internal/domain"
	"github.com/veloracapital/compensation-service/internal/store"
)

type distributorRepoStub struct {
	store.Repository

	rules    domain.RuleSnapshot
	accounts map[uuid.UUID]*domain.Account

	posted      []store.PostEntryParams
	existing    map[string]bool
	postErrs    map[uuid.UUID]error
	incremented []uuid.UUID
	audits      []domain.AuditRecord
}

func newDistributorRepoStub(rules domain.RuleSnapshot) *distributorRepoStub {
	return &distributorRepoStub{
		rules:    rules,
		accounts: map[uuid.UUID]*domain.Account{},
		existing: map[string]bool{},
	}
}

func (s *distributorRepoStub) addAccount(account *domain.Account) *domain.Account {
	s.accounts[account.ID] = account
	return account
}

func (s *distributorRepoStub) GetRuleSnapshot(ctx context.Context, defaults domain.RuleSnapshot) (*domain.RuleSnapshot, error) {
	rules := s.rules
	return &rules, nil
}

func (s *distributorRepoStub) GetAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func referralKey(beneficiary, source uuid.UUID, level int) string {
	return fmt.Sprintf("%s|%s|%d", beneficiary, source, level)
}

func (s *distributorRepoStub) PostReferralEntryIfAbsent(ctx context.Context, params store.PostEntryParams) (*domain.CreditResult, error) {
	if err, ok := s.postErrs[params.AccountID]; ok {
		return nil, err
	}
	key := referralKey(params.AccountID, *params.Metadata.SourceAccountID, params.Metadata.Level)
	if s.existing[key] {
		return nil, store.ErrAlreadyProcessed
	}
	s.existing[key] = true
	s.posted = append(s.posted, params)
	return &domain.CreditResult{LedgerEntryID: uuid.New()}, nil
}

func (s *distributorRepoStub) CountReferralEntriesFromSource(ctx context.Context, beneficiaryID, sourceAccountID uuid.UUID) (int, error) {
	count := 0
	for _, p := range s.posted {
		if p.AccountID == beneficiaryID && *p.Metadata.SourceAccountID == sourceAccountID {
			count++
		}
	}
	return count, nil
}

func (s *distributorRepoStub) IncrementDirectReferralCount(ctx context.Context, accountID uuid.UUID) error {
	s.incremented = append(s.incremented, accountID)
	return nil
}

func (s *distributorRepoStub) CreateAuditRecord(ctx context.Context, record domain.AuditRecord) error {
	s.audits = append(s.audits, record)
	return nil
}

func activeInvestor(upline *uuid.UUID, directs int) *domain.Account {
	return &domain.Account{
		ID:                  uuid.New(),
		ProgramType:         domain.ProgramInvestor,
		Status:              domain.StatusActiveInvestor,
		UplineID:            upline,
		DirectReferralCount: directs,
	}
}

func activationFor(account *domain.Account, amount int64) domain.ActivationEvent {
	return domain.ActivationEvent{
		AccountID:        account.ID,
		PositionID:       uuid.New(),
		ActivationAmount: amount,
		OccurredAt:       time.Now().UTC(),
	}
}

func TestDistributeActivation_DirectBonusIsPercentOfActivation(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	upline := repo.addAccount(activeInvestor(nil, 5))
	source := repo.addAccount(activeInvestor(&upline.ID, 0))
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Processed {
		t.Fatalf("expected distribution to process, got skip %s", result.Reason)
	}
	if result.DirectAmount != 5_000 {
		t.Fatalf("expected direct bonus of 5000, got %d", result.DirectAmount)
	}
	if len(repo.posted) != 1 {
		t.Fatalf("expected exactly one posting, got %d", len(repo.posted))
	}

	posted := repo.posted[0]
	if posted.AccountID != upline.ID {
		t.Fatal("expected the direct bonus to go to the upline")
	}
	if posted.Type != domain.EntryReferralDirect {
		t.Fatalf("expected REFERRAL_DIRECT, got %s", posted.Type)
	}
	if posted.Metadata.Level != 1 {
		t.Fatalf("expected level 1 metadata, got %d", posted.Metadata.Level)
	}
	if len(repo.incremented) != 1 || repo.incremented[0] != upline.ID {
		t.Fatal("expected the upline's direct referral count to be incremented once")
	}
}

func TestDistributeActivation_LeaderSourceSkipsEverything(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	upline := repo.addAccount(activeInvestor(nil, 5))
	source := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramLeader,
		Status:      domain.StatusActiveLeader,
		UplineID:    &upline.ID,
	})
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed {
		t.Fatal("expected leader activation to be skipped")
	}
	if result.Reason != domain.SkipLeaderAccount {
		t.Fatalf("expected LEADER_ACCOUNT skip, got %s", result.Reason)
	}
	if len(repo.posted) != 0 {
		t.Fatal("expected no postings for a leader activation")
	}
}

func TestDistributeActivation_BelowMinimumSkips(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	upline := repo.addAccount(activeInvestor(nil, 5))
	source := repo.addAccount(activeInvestor(&upline.ID, 0))
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 9_999))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed || result.Reason != domain.SkipBelowMinimum {
		t.Fatalf("expected BELOW_MINIMUM_AMOUNT skip, got processed=%v reason=%s", result.Processed, result.Reason)
	}
}

func TestDistributeActivation_NoUplineSkips(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	source := repo.addAccount(activeInvestor(nil, 0))
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed || result.Reason != domain.SkipNoUpline {
		t.Fatalf("expected NO_UPLINE skip, got processed=%v reason=%s", result.Processed, result.Reason)
	}
}

func TestDistributeActivation_ReplayedEventIsIdempotent(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	upline := repo.addAccount(activeInvestor(nil, 5))
	source := repo.addAccount(activeInvestor(&upline.ID, 0))
	service := NewService(repo, nil, nil)

	event := activationFor(source, 100_000)
	first, err := service.DistributeActivation(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error on first run: %v", err)
	}
	if !first.Processed {
		t.Fatalf("expected first run to process, got %s", first.Reason)
	}

	second, err := service.DistributeActivation(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if second.Processed {
		t.Fatal("expected replay to be skipped")
	}
	if second.Reason != domain.SkipAlreadyProcessed {
		t.Fatalf("expected ALREADY_PROCESSED, got %s", second.Reason)
	}
	if len(repo.posted) != 1 {
		t.Fatalf("expected the replay to post nothing, total postings %d", len(repo.posted))
	}
	if len(repo.incremented) != 1 {
		t.Fatalf("expected a single direct count increment, got %d", len(repo.incremented))
	}
}

func TestDistributeActivation_MultiLevelHonorsQualification(t *testing.T) {
	rules := domain.DefaultRuleSnapshot()
	repo := newDistributorRepoStub(rules)

	// Chain: source -> direct -> qualified -> unqualified.
	unqualified := repo.addAccount(activeInvestor(nil, 0))
	qualified := repo.addAccount(activeInvestor(&unqualified.ID, 2))
	direct := repo.addAccount(activeInvestor(&qualified.ID, 5))
	source := repo.addAccount(activeInvestor(&direct.ID, 0))
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Processed {
		t.Fatalf("expected distribution to process, got %s", result.Reason)
	}
	if len(result.PerLevel) != 1 {
		t.Fatalf("expected one level credit, got %d", len(result.PerLevel))
	}

	levelCredit := result.PerLevel[0]
	if levelCredit.AccountID != qualified.ID {
		t.Fatal("expected the qualified ancestor to receive the level credit")
	}
	// Level 1 of the walk pays the first band percent.
	if levelCredit.Amount != 2_000 {
		t.Fatalf("expected 2%% level credit of 2000, got %d", levelCredit.Amount)
	}
	if result.TotalAmount != 5_000+2_000 {
		t.Fatalf("expected total of direct plus level credit, got %d", result.TotalAmount)
	}
}

func TestDistributeActivation_LeaderUplineVoidsEveryLevel(t *testing.T) {
	rules := domain.DefaultRuleSnapshot()
	repo := newDistributorRepoStub(rules)

	grandparent := repo.addAccount(activeInvestor(nil, 3))
	leaderUpline := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramLeader,
		Status:      domain.StatusActiveLeader,
		UplineID:    &grandparent.ID,
	})
	source := repo.addAccount(activeInvestor(&leaderUpline.ID, 0))
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed {
		t.Fatal("expected a leader direct upline to void the whole event")
	}
	if result.Reason != domain.SkipUplineLeader {
		t.Fatalf("expected UPLINE_IS_LEADER, got %s", result.Reason)
	}
	// Nothing may be paid at any level, the grandparent included.
	if len(repo.posted) != 0 {
		t.Fatalf("expected zero postings, got %d", len(repo.posted))
	}
	if len(repo.incremented) != 0 {
		t.Fatal("expected no direct count increment")
	}
}

func TestDistributeActivation_IneligibleUplineVoidsEveryLevel(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	grandparent := repo.addAccount(activeInvestor(nil, 3))
	pendingUpline := repo.addAccount(&domain.Account{
		ID:                  uuid.New(),
		ProgramType:         domain.ProgramInvestor,
		Status:              domain.StatusPendingActivation,
		UplineID:            &grandparent.ID,
		DirectReferralCount: 5,
	})
	source := repo.addAccount(activeInvestor(&pendingUpline.ID, 0))
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed || result.Reason != domain.SkipUplineIneligible {
		t.Fatalf("expected UPLINE_INELIGIBLE, got processed=%v reason=%s", result.Processed, result.Reason)
	}
	if len(repo.posted) != 0 {
		t.Fatalf("expected zero postings, got %d", len(repo.posted))
	}
}

func TestDistributeActivation_BlockedSourceSkips(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	upline := repo.addAccount(activeInvestor(nil, 5))
	source := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusBlocked,
		UplineID:    &upline.ID,
	})
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed || result.Reason != domain.SkipIneligibleStatus {
		t.Fatalf("expected INELIGIBLE_STATUS, got processed=%v reason=%s", result.Processed, result.Reason)
	}
	if len(repo.posted) != 0 {
		t.Fatal("expected no postings for a blocked source")
	}
}

func TestDistributeActivation_DirectCircularPairSkips(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	source := activeInvestor(nil, 0)
	upline := activeInvestor(&source.ID, 5)
	source.UplineID = &upline.ID
	repo.addAccount(source)
	repo.addAccount(upline)
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed || result.Reason != domain.SkipCircularReferral {
		t.Fatalf("expected CIRCULAR_REFERRAL, got processed=%v reason=%s", result.Processed, result.Reason)
	}
	if len(repo.posted) != 0 {
		t.Fatal("expected the circular pair to earn nothing")
	}
	if len(repo.incremented) != 0 {
		t.Fatal("expected no direct count increment")
	}
}

func TestDistributeActivation_CappedUplineEarnsNothingWithoutError(t *testing.T) {
	repo := newDistributorRepoStub(domain.DefaultRuleSnapshot())
	upline := repo.addAccount(activeInvestor(nil, 5))
	source := repo.addAccount(activeInvestor(&upline.ID, 0))
	repo.postErrs = map[uuid.UUID]error{upline.ID: &domain.CapExceededError{}}
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("expected a cap rejection to be absorbed, got %v", err)
	}
	if !result.Processed {
		t.Fatalf("expected the event itself to process, got %s", result.Reason)
	}
	if result.DirectAmount != 0 {
		t.Fatalf("expected no direct bonus past the cap, got %d", result.DirectAmount)
	}
	if len(repo.incremented) != 0 {
		t.Fatal("expected no direct count increment for a rejected credit")
	}
}

func TestDistributeActivation_CircularChainTerminates(t *testing.T) {
	rules := domain.DefaultRuleSnapshot()
	repo := newDistributorRepoStub(rules)

	a := activeInvestor(nil, 5)
	b := activeInvestor(&a.ID, 5)
	a.UplineID = &b.ID // cycle between a and b
	repo.addAccount(a)
	repo.addAccount(b)
	source := repo.addAccount(activeInvestor(&a.ID, 0))
	service := NewService(repo, nil, nil)

	result, err := service.DistributeActivation(context.Background(), activationFor(source, 100_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Processed {
		t.Fatalf("expected distribution to process, got %s", result.Reason)
	}
	// Direct to a, one walk level to b, then the cycle back to a stops the walk.
	if len(repo.posted) != 2 {
		t.Fatalf("expected exactly two postings before the cycle is detected, got %d", len(repo.posted))
	}
}
