package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/veloracapital/compensation-service/internal/domain"
	"github.com/veloracapital/compensation-service/internal/store"
)

type serviceRepoStub struct {
	store.Repository

	rules    domain.RuleSnapshot
	accounts map[uuid.UUID]*domain.Account

	createdPositions []*domain.Position
	statusUpdates    map[uuid.UUID]domain.AccountStatus
	postedEntries    []store.PostEntryParams
	postErr          error

	position *domain.Position
	trackers map[int]*domain.CapTracker
}

func newServiceRepoStub() *serviceRepoStub {
	return &serviceRepoStub{
		rules:         domain.DefaultRuleSnapshot(),
		accounts:      map[uuid.UUID]*domain.Account{},
		statusUpdates: map[uuid.UUID]domain.AccountStatus{},
	}
}

func (s *serviceRepoStub) addAccount(account *domain.Account) *domain.Account {
	s.accounts[account.ID] = account
	return account
}

func (s *serviceRepoStub) GetRuleSnapshot(ctx context.Context, defaults domain.RuleSnapshot) (*domain.RuleSnapshot, error) {
	rules := s.rules
	return &rules, nil
}

func (s *serviceRepoStub) GetAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func (s *serviceRepoStub) CreateAccount(ctx context.Context, account *domain.Account) error {
	s.accounts[account.ID] = account
	return nil
}

func (s *serviceRepoStub) CreatePosition(ctx context.Context, position *domain.Position) error {
	s.createdPositions = append(s.createdPositions, position)
	return nil
}

func (s *serviceRepoStub) UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus) error {
	s.statusUpdates[accountID] = status
	if account, ok := s.accounts[accountID]; ok {
		account.Status = status
	}
	return nil
}

func (s *serviceRepoStub) PostEntry(ctx context.Context, params store.PostEntryParams) (*domain.CreditResult, error) {
	if s.postErr != nil {
		return nil, s.postErr
	}
	s.postedEntries = append(s.postedEntries, params)
	return &domain.CreditResult{LedgerEntryID: uuid.New()}, nil
}

func (s *serviceRepoStub) CreateAuditRecord(ctx context.Context, record domain.AuditRecord) error {
	return nil
}

// RenewPosition mirrors the store's transition contract on in-memory state:
// payer debit, cycle increment, fresh zero tracker, earlier trackers untouched.
func (s *serviceRepoStub) RenewPosition(ctx context.Context, params store.RenewParams) (*domain.RenewalRecord, error) {
	pos := s.position
	if pos == nil || pos.AccountID != params.AccountID {
		return nil, store.ErrPositionNotFound
	}
	if pos.CapStatus != domain.CapReached && pos.CapStatus != domain.CapRenewalPending {
		return nil, store.ErrRenewalNotAllowed
	}

	if params.PayerRole != domain.RenewalPayerAdmin && params.AmountPaid > 0 {
		payerID := params.AccountID
		if params.PayerAccountID != nil {
			payerID = *params.PayerAccountID
		}
		s.postedEntries = append(s.postedEntries, store.PostEntryParams{
			AccountID: payerID,
			Amount:    -params.AmountPaid,
			Type:      domain.EntryRenewalPaid,
		})
	}

	fromCycle := pos.CycleNumber
	pos.CycleNumber++
	pos.CapStatus = domain.CapActive
	s.trackers[pos.CycleNumber] = &domain.CapTracker{
		AccountID:   params.AccountID,
		CycleNumber: pos.CycleNumber,
		CapAmount:   pos.CapAmount,
	}

	return &domain.RenewalRecord{
		ID:             uuid.New(),
		AccountID:      params.AccountID,
		PositionID:     params.PositionID,
		FromCycle:      fromCycle,
		ToCycle:        pos.CycleNumber,
		AmountPaid:     params.AmountPaid,
		PayerAccountID: params.PayerAccountID,
		PayerRole:      params.PayerRole,
		Method:         params.Method,
	}, nil
}

func cappedPositionFixture(repo *serviceRepoStub, accountID uuid.UUID) *domain.Position {
	repo.position = &domain.Position{
		ID:          uuid.New(),
		AccountID:   accountID,
		Status:      domain.PositionActive,
		BaseAmount:  100_000,
		CapAmount:   200_000,
		CycleNumber: 1,
		CapStatus:   domain.CapReached,
	}
	repo.trackers = map[int]*domain.CapTracker{
		1: {AccountID: accountID, CycleNumber: 1, EligibleEarningsTotal: 200_000, CapAmount: 200_000, CapReached: true},
	}
	return repo.position
}

func TestActivatePosition_OpensPositionAndActivatesAccount(t *testing.T) {
	repo := newServiceRepoStub()
	account := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusPendingActivation,
	})
	service := NewService(repo, nil, nil)

	result, err := service.ActivatePosition(context.Background(), account.ID, 100_000, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.createdPositions) != 1 {
		t.Fatalf("expected one created position, got %d", len(repo.createdPositions))
	}

	position := result.Position
	if position.BaseAmount != 100_000 {
		t.Fatalf("expected base of 100000, got %d", position.BaseAmount)
	}
	if position.CapAmount != 200_000 {
		t.Fatalf("expected investor cap of 200000, got %d", position.CapAmount)
	}
	if position.CycleNumber != 1 {
		t.Fatalf("expected cycle 1, got %d", position.CycleNumber)
	}
	if repo.statusUpdates[account.ID] != domain.StatusActiveInvestor {
		t.Fatalf("expected account to become ACTIVE_INVESTOR, got %s", repo.statusUpdates[account.ID])
	}
	if result.Distribution == nil || result.Distribution.Reason != domain.SkipNoUpline {
		t.Fatal("expected the distribution to be skipped for the upline-less account")
	}
}

func TestActivatePosition_LeaderCapIgnoresPackageSize(t *testing.T) {
	repo := newServiceRepoStub()
	account := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramLeader,
		Status:      domain.StatusPendingActivation,
	})
	service := NewService(repo, nil, nil)

	result, err := service.ActivatePosition(context.Background(), account.ID, 50_000, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Leader caps derive from the flat base, not the activation amount.
	if result.Position.CapAmount != 3_000_000 {
		t.Fatalf("expected leader cap of 3000000, got %d", result.Position.CapAmount)
	}
	if repo.statusUpdates[account.ID] != domain.StatusActiveLeader {
		t.Fatalf("expected account to become ACTIVE_LEADER, got %s", repo.statusUpdates[account.ID])
	}
}

func TestActivatePosition_StatusGuards(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.AccountStatus
		wantErr error
	}{
		{"already active", domain.StatusActiveInvestor, ErrAccountNotActivatable},
		{"blocked", domain.StatusBlocked, ErrAccountBlocked},
		{"auto blocked", domain.StatusAutoBlocked, ErrAccountBlocked},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := newServiceRepoStub()
			account := repo.addAccount(&domain.Account{
				ID:          uuid.New(),
				ProgramType: domain.ProgramInvestor,
				Status:      tc.status,
			})
			service := NewService(repo, nil, nil)

			_, err := service.ActivatePosition(context.Background(), account.ID, 100_000, false)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(repo.createdPositions) != 0 {
				t.Fatal("expected no position to be created")
			}
		})
	}
}

func TestActivatePosition_WalletPaymentDebitsFirst(t *testing.T) {
	repo := newServiceRepoStub()
	account := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusPendingActivation,
	})
	service := NewService(repo, nil, nil)

	_, err := service.ActivatePosition(context.Background(), account.ID, 100_000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.postedEntries) != 1 {
		t.Fatalf("expected one wallet debit, got %d", len(repo.postedEntries))
	}

	debit := repo.postedEntries[0]
	if debit.Amount != -100_000 {
		t.Fatalf("expected a debit of -100000, got %d", debit.Amount)
	}
	if debit.Type != domain.EntryActivationPaid {
		t.Fatalf("expected ACTIVATION_PAID, got %s", debit.Type)
	}
}

func TestActivatePosition_InsufficientWalletAbortsActivation(t *testing.T) {
	repo := newServiceRepoStub()
	repo.postErr = store.ErrInsufficientFunds
	account := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusPendingActivation,
	})
	service := NewService(repo, nil, nil)

	_, err := service.ActivatePosition(context.Background(), account.ID, 100_000, true)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if len(repo.createdPositions) != 0 {
		t.Fatal("expected no position when the wallet debit fails")
	}
}

func TestRequestPayout_EnforcesMinimum(t *testing.T) {
	repo := newServiceRepoStub()
	service := NewService(repo, nil, nil)

	_, err := service.RequestPayout(context.Background(), uuid.New(), 49_999)
	if !errors.Is(err, ErrBelowMinimumPayout) {
		t.Fatalf("expected ErrBelowMinimumPayout, got %v", err)
	}
	if len(repo.postedEntries) != 0 {
		t.Fatal("expected no posting below the minimum")
	}
}

func TestRequestPayout_PostsPendingDebit(t *testing.T) {
	repo := newServiceRepoStub()
	service := NewService(repo, nil, nil)

	_, err := service.RequestPayout(context.Background(), uuid.New(), 60_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.postedEntries) != 1 {
		t.Fatalf("expected one posting, got %d", len(repo.postedEntries))
	}

	entry := repo.postedEntries[0]
	if entry.Amount != -60_000 {
		t.Fatalf("expected -60000, got %d", entry.Amount)
	}
	if entry.Type != domain.EntryPayoutRequest || entry.Status != domain.EntryPending {
		t.Fatalf("expected a PENDING PAYOUT_REQUEST, got %s/%s", entry.Type, entry.Status)
	}
}

func TestTransfer_RejectsSelfAndNonPositive(t *testing.T) {
	repo := newServiceRepoStub()
	service := NewService(repo, nil, nil)
	id := uuid.New()

	if _, err := service.Transfer(context.Background(), id, id, 1_000, "self"); err == nil {
		t.Fatal("expected a self-transfer to be rejected")
	}
	if _, err := service.Transfer(context.Background(), id, uuid.New(), 0, "zero"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRenew_SelfPayerRollsCycleAndIsCharged(t *testing.T) {
	repo := newServiceRepoStub()
	account := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusActiveInvestor,
	})
	position := cappedPositionFixture(repo, account.ID)
	service := NewService(repo, nil, nil)

	record, err := service.Renew(context.Background(), account.ID, position.ID, nil, domain.RenewalPayerSelf, "wallet", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.FromCycle != 1 || record.ToCycle != 2 {
		t.Fatalf("expected cycle 1 to roll to 2, got %d to %d", record.FromCycle, record.ToCycle)
	}
	if record.AmountPaid != 100_000 {
		t.Fatalf("expected the configured renewal amount of 100000, got %d", record.AmountPaid)
	}
	if len(repo.postedEntries) != 1 {
		t.Fatalf("expected one payer debit, got %d", len(repo.postedEntries))
	}

	debit := repo.postedEntries[0]
	if debit.AccountID != account.ID || debit.Amount != -100_000 || debit.Type != domain.EntryRenewalPaid {
		t.Fatalf("expected a RENEWAL_PAID debit of -100000 on the account, got %+v", debit)
	}
	if repo.position.CycleNumber != 2 || repo.position.CapStatus != domain.CapActive {
		t.Fatal("expected the position to carry cycle 2 with an ACTIVE cap")
	}
	// The new cycle starts from zero; the closed cycle's accumulator is history.
	if repo.trackers[2].EligibleEarningsTotal != 0 {
		t.Fatalf("expected the cycle-2 tracker to start at zero, got %d", repo.trackers[2].EligibleEarningsTotal)
	}
	if repo.trackers[1].EligibleEarningsTotal != 200_000 {
		t.Fatalf("expected the cycle-1 tracker untouched at 200000, got %d", repo.trackers[1].EligibleEarningsTotal)
	}
}

func TestRenew_SponsorPaysOnBehalf(t *testing.T) {
	repo := newServiceRepoStub()
	account := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusActiveInvestor,
	})
	sponsor := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusActiveInvestor,
	})
	position := cappedPositionFixture(repo, account.ID)
	service := NewService(repo, nil, nil)

	record, err := service.Renew(context.Background(), account.ID, position.ID, &sponsor.ID, domain.RenewalPayerSponsor, "wallet", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.AmountPaid != 100_000 {
		t.Fatalf("expected the sponsor to be charged 100000, got %d", record.AmountPaid)
	}
	if len(repo.postedEntries) != 1 || repo.postedEntries[0].AccountID != sponsor.ID {
		t.Fatal("expected the debit to land on the sponsor's wallet")
	}
}

func TestRenew_AdminRenewalIsComplimentary(t *testing.T) {
	repo := newServiceRepoStub()
	account := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusActiveInvestor,
	})
	position := cappedPositionFixture(repo, account.ID)
	service := NewService(repo, nil, nil)

	record, err := service.Renew(context.Background(), account.ID, position.ID, nil, domain.RenewalPayerAdmin, "complimentary", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.AmountPaid != 0 {
		t.Fatalf("expected a complimentary renewal to charge nothing, got %d", record.AmountPaid)
	}
	if len(repo.postedEntries) != 0 {
		t.Fatal("expected no debit for an admin renewal")
	}
	if record.ToCycle != 2 {
		t.Fatalf("expected cycle 2, got %d", record.ToCycle)
	}
}

func TestRenew_ActiveCapIsRefused(t *testing.T) {
	repo := newServiceRepoStub()
	account := repo.addAccount(&domain.Account{
		ID:          uuid.New(),
		ProgramType: domain.ProgramInvestor,
		Status:      domain.StatusActiveInvestor,
	})
	position := cappedPositionFixture(repo, account.ID)
	repo.position.CapStatus = domain.CapActive
	service := NewService(repo, nil, nil)

	_, err := service.Renew(context.Background(), account.ID, position.ID, nil, domain.RenewalPayerSelf, "wallet", 0)
	if !errors.Is(err, store.ErrRenewalNotAllowed) {
		t.Fatalf("expected ErrRenewalNotAllowed, got %v", err)
	}
	if repo.position.CycleNumber != 1 {
		t.Fatal("expected the position to stay in cycle 1")
	}
}

func TestRegisterAccount_UnknownUplineFails(t *testing.T) {
	repo := newServiceRepoStub()
	service := NewService(repo, nil, nil)
	missing := uuid.New()

	_, err := service.RegisterAccount(context.Background(), domain.ProgramInvestor, &missing)
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
