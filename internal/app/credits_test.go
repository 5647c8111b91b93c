package app

import (
	"context"
	"errors"
	"testing"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/critiquehub/ledger-service/internal/store"
	"github.com/critiquehub/ledger-service/pkg/paygateclient"
	"github.com/google/uuid"
)

type creditsRepoStub struct {
	store.Repository

	deductResult *domain.DeductResult
	deductErr    error
	deductCalls  int
	lastRefID    string

	refundCalls  int
	refundErr    error
	refundReason string

	awardErr   error
	awardCalls int
}

func (s *creditsRepoStub) DeductCredits(ctx context.Context, userID uuid.UUID, amount int64, referenceID string) (*domain.DeductResult, error) {
	s.deductCalls++
	s.lastRefID = referenceID
	if s.deductErr != nil {
		return nil, s.deductErr
	}
	if s.deductResult != nil {
		return s.deductResult, nil
	}
	return &domain.DeductResult{TransactionID: uuid.New(), NewBalance: 100 - amount}, nil
}

func (s *creditsRepoStub) RefundCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (int64, error) {
	s.refundCalls++
	s.refundReason = reason
	if s.refundErr != nil {
		return 0, s.refundErr
	}
	return 100, nil
}

func (s *creditsRepoStub) CreateCreditAward(ctx context.Context, award *domain.CreditAward) error {
	s.awardCalls++
	return s.awardErr
}

func TestDeductCredits_Validation(t *testing.T) {
	tests := []struct {
		name        string
		amount      int64
		referenceID string
	}{
		{name: "zero amount", amount: 0, referenceID: "ref_1"},
		{name: "negative amount", amount: -5, referenceID: "ref_1"},
		{name: "blank reference", amount: 5, referenceID: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &creditsRepoStub{}
			svc := newTestService(repo, &gatewayStub{})

			if _, err := svc.DeductCredits(context.Background(), uuid.New(), tt.amount, tt.referenceID); err == nil {
				t.Fatal("expected validation error")
			}
			if repo.deductCalls != 0 {
				t.Fatal("invalid input must not reach the store")
			}
		})
	}
}

func TestDeductCredits_InsufficientBalancePassesThrough(t *testing.T) {
	repo := &creditsRepoStub{deductErr: store.ErrInsufficientBalance}
	svc := newTestService(repo, &gatewayStub{})

	_, err := svc.DeductCredits(context.Background(), uuid.New(), 10, "ref_2")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDeductCredits_ReplayReturnsRecordedResult(t *testing.T) {
	recorded := &domain.DeductResult{TransactionID: uuid.New(), NewBalance: 42, Replayed: true}
	repo := &creditsRepoStub{deductResult: recorded}
	svc := newTestService(repo, &gatewayStub{})

	result, err := svc.DeductCredits(context.Background(), uuid.New(), 10, "ref_3")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !result.Replayed || result.NewBalance != 42 {
		t.Fatalf("expected recorded result, got %+v", result)
	}
}

func TestAwardJudgingBonus_ReplayIsNotAnError(t *testing.T) {
	repo := &creditsRepoStub{awardErr: store.ErrAwardAlreadyGranted}
	svc := newTestService(repo, &gatewayStub{})

	granted, err := svc.AwardJudgingBonus(context.Background(), domain.AwardBonusRequest{
		UserID:  uuid.New(),
		Reason:  domain.AwardReasonJudgingVolume,
		CycleID: "2026-08",
		Credits: 5,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if granted {
		t.Fatal("replayed award must report granted=false")
	}
}

func TestAwardJudgingBonus_Validation(t *testing.T) {
	repo := &creditsRepoStub{}
	svc := newTestService(repo, &gatewayStub{})

	if _, err := svc.AwardJudgingBonus(context.Background(), domain.AwardBonusRequest{
		UserID: uuid.New(), Reason: domain.AwardReasonStreak, CycleID: "2026-08", Credits: 0,
	}); err == nil {
		t.Fatal("expected error for non-positive credits")
	}
	if _, err := svc.AwardJudgingBonus(context.Background(), domain.AwardBonusRequest{
		UserID: uuid.New(), Credits: 5,
	}); err == nil {
		t.Fatal("expected error for missing reason and cycle")
	}
	if repo.awardCalls != 0 {
		t.Fatal("invalid input must not reach the store")
	}
}

func TestRequestJudgePayout_ReversesDeductionOnTransferFailure(t *testing.T) {
	userID := uuid.New()
	repo := &creditsRepoStub{}
	gateway := &gatewayStub{
		createTransferFn: func(ctx context.Context, destinationID string, amountMinorUnits int64, reference string) (*paygateclient.Transfer, error) {
			return nil, errors.New("destination account frozen")
		},
	}
	svc := NewService(repo, gateway, nil, NewMonitor(nil, 0, 0), Config{PayoutRateMinorUnits: 100})

	_, err := svc.RequestJudgePayout(context.Background(), userID, "acct_1", domain.PayoutRequest{
		Credits:     20,
		ReferenceID: "cashout_1",
	})
	if err == nil {
		t.Fatal("expected transfer failure to surface")
	}
	if repo.deductCalls != 1 {
		t.Fatalf("expected one deduction, got %d", repo.deductCalls)
	}
	if repo.refundCalls != 1 {
		t.Fatalf("expected deduction reversed once, got %d", repo.refundCalls)
	}
	if repo.refundReason != "payout_failed:cashout_1" {
		t.Fatalf("unexpected refund reason %q", repo.refundReason)
	}
}

func TestRequestJudgePayout_CreatesTransferAtConfiguredRate(t *testing.T) {
	userID := uuid.New()
	repo := &creditsRepoStub{}
	var gotAmount int64
	gateway := &gatewayStub{
		createTransferFn: func(ctx context.Context, destinationID string, amountMinorUnits int64, reference string) (*paygateclient.Transfer, error) {
			gotAmount = amountMinorUnits
			return &paygateclient.Transfer{ID: "tr_1", Status: "pending"}, nil
		},
	}
	svc := NewService(repo, gateway, nil, NewMonitor(nil, 0, 0), Config{PayoutRateMinorUnits: 80})

	if _, err := svc.RequestJudgePayout(context.Background(), userID, "acct_1", domain.PayoutRequest{
		Credits:     20,
		ReferenceID: "cashout_2",
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gotAmount != 1600 {
		t.Fatalf("expected 20 credits * 80 = 1600 minor units, got %d", gotAmount)
	}
	if repo.lastRefID != "payout:cashout_2" {
		t.Fatalf("unexpected deduction reference %q", repo.lastRefID)
	}
}

func TestRequestJudgePayout_ReplayedDeductionSkipsTransfer(t *testing.T) {
	repo := &creditsRepoStub{
		deductResult: &domain.DeductResult{TransactionID: uuid.New(), NewBalance: 80, Replayed: true},
	}
	transferCalls := 0
	gateway := &gatewayStub{
		createTransferFn: func(ctx context.Context, destinationID string, amountMinorUnits int64, reference string) (*paygateclient.Transfer, error) {
			transferCalls++
			return &paygateclient.Transfer{ID: "tr_2"}, nil
		},
	}
	svc := NewService(repo, gateway, nil, NewMonitor(nil, 0, 0), Config{PayoutRateMinorUnits: 100})

	result, err := svc.RequestJudgePayout(context.Background(), uuid.New(), "acct_1", domain.PayoutRequest{
		Credits:     20,
		ReferenceID: "cashout_3",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !result.Replayed {
		t.Fatal("expected replayed result")
	}
	if transferCalls != 0 {
		t.Fatal("replayed payout must not create a second transfer")
	}
}
