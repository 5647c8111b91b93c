package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/critiquehub/ledger-service/internal/store"
	"github.com/critiquehub/ledger-service/pkg/paygateclient"
	"github.com/google/uuid"
)

// gatewayStub implements the Gateway interface for tests across this package.
type gatewayStub struct {
	retrieveFn       func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error)
	listFn           func(ctx context.Context, since time.Time) ([]paygateclient.CheckoutSession, error)
	updateMetadataFn func(ctx context.Context, sessionID string, metadata paygateclient.SessionMetadata) error
	createRefundFn   func(ctx context.Context, paymentIntentID string, amountMinorUnits int64, reason string) (*paygateclient.Refund, error)
	createTransferFn func(ctx context.Context, destinationID string, amountMinorUnits int64, reference string) (*paygateclient.Transfer, error)
}

func (g *gatewayStub) RetrieveSession(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
	if g.retrieveFn == nil {
		return nil, errors.New("unexpected RetrieveSession call")
	}
	return g.retrieveFn(ctx, sessionID)
}

func (g *gatewayStub) ListCompletedSessionsSince(ctx context.Context, since time.Time) ([]paygateclient.CheckoutSession, error) {
	if g.listFn == nil {
		return nil, errors.New("unexpected ListCompletedSessionsSince call")
	}
	return g.listFn(ctx, since)
}

func (g *gatewayStub) UpdateSessionMetadata(ctx context.Context, sessionID string, metadata paygateclient.SessionMetadata) error {
	if g.updateMetadataFn == nil {
		return nil
	}
	return g.updateMetadataFn(ctx, sessionID, metadata)
}

func (g *gatewayStub) CreateRefund(ctx context.Context, paymentIntentID string, amountMinorUnits int64, reason string) (*paygateclient.Refund, error) {
	if g.createRefundFn == nil {
		return nil, errors.New("unexpected CreateRefund call")
	}
	return g.createRefundFn(ctx, paymentIntentID, amountMinorUnits, reason)
}

func (g *gatewayStub) CreateTransfer(ctx context.Context, destinationID string, amountMinorUnits int64, reference string) (*paygateclient.Transfer, error) {
	if g.createTransferFn == nil {
		return nil, errors.New("unexpected CreateTransfer call")
	}
	return g.createTransferFn(ctx, destinationID, amountMinorUnits, reference)
}

// newTestService wires a service with a no-op monitor and no publisher.
func newTestService(repo store.Repository, gateway Gateway) *Service {
	svc := NewService(repo, gateway, nil, NewMonitor(nil, 0, 0), Config{})
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func capturedSession(sessionID string, userID uuid.UUID, credits int64) *paygateclient.CheckoutSession {
	return &paygateclient.CheckoutSession{
		ID:               sessionID,
		Status:           "complete",
		PaymentStatus:    "paid",
		PaymentIntentID:  "pi_" + sessionID,
		AmountMinorUnits: credits * 100,
		Currency:         "usd",
		Metadata: paygateclient.SessionMetadata{
			UserID:          userID.String(),
			ExpectedCredits: credits,
			Purpose:         "credit_purchase",
		},
	}
}

type intakeRepoStub struct {
	store.Repository

	existing *domain.Transaction

	creditCalls    int
	creditErr      error
	creditedTx     *domain.Transaction
	markCompleted  int
	markCompletErr error
}

func (s *intakeRepoStub) FindTransactionBySessionID(ctx context.Context, sessionID string) (*domain.Transaction, error) {
	return s.existing, nil
}

func (s *intakeRepoStub) CreditPurchaseAtomic(ctx context.Context, tx *domain.Transaction) error {
	s.creditCalls++
	if s.creditErr != nil {
		return s.creditErr
	}
	s.creditedTx = tx
	return nil
}

func (s *intakeRepoStub) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID) error {
	s.markCompleted++
	return s.markCompletErr
}

func TestProcessPaymentEvent_CreditsCapturedSessionOnce(t *testing.T) {
	userID := uuid.New()
	session := capturedSession("cs_100", userID, 50)

	repo := &intakeRepoStub{}
	markerWritten := false
	gateway := &gatewayStub{
		retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
			return session, nil
		},
		updateMetadataFn: func(ctx context.Context, sessionID string, metadata paygateclient.SessionMetadata) error {
			if metadata.Processed == "true" {
				markerWritten = true
			}
			return nil
		},
	}
	svc := newTestService(repo, gateway)

	if err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_100"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.creditCalls != 1 {
		t.Fatalf("expected one credit call, got %d", repo.creditCalls)
	}
	if repo.creditedTx.CreditsDelta != 50 {
		t.Fatalf("expected 50 credits, got %d", repo.creditedTx.CreditsDelta)
	}
	if repo.creditedTx.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, repo.creditedTx.UserID)
	}
	if repo.markCompleted != 1 {
		t.Fatal("expected transaction to be marked completed")
	}
	if !markerWritten {
		t.Fatal("expected processed marker write-back")
	}
}

func TestProcessPaymentEvent_SkipsWhenGatewayMarkerSet(t *testing.T) {
	userID := uuid.New()
	session := capturedSession("cs_101", userID, 25)
	session.Metadata.Processed = "true"

	repo := &intakeRepoStub{}
	gateway := &gatewayStub{
		retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
			return session, nil
		},
	}
	svc := newTestService(repo, gateway)

	if err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_101"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.creditCalls != 0 {
		t.Fatalf("expected no credit call, got %d", repo.creditCalls)
	}
}

func TestProcessPaymentEvent_SkipsWhenLocalRowExists(t *testing.T) {
	userID := uuid.New()
	session := capturedSession("cs_102", userID, 25)

	repo := &intakeRepoStub{
		existing: &domain.Transaction{ID: uuid.New(), UserID: userID, Status: domain.TxStatusCompleted},
	}
	gateway := &gatewayStub{
		retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
			return session, nil
		},
	}
	svc := newTestService(repo, gateway)

	if err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_102"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.creditCalls != 0 {
		t.Fatalf("expected no credit call, got %d", repo.creditCalls)
	}
}

func TestProcessPaymentEvent_DuplicateConstraintTreatedAsReplay(t *testing.T) {
	userID := uuid.New()
	session := capturedSession("cs_103", userID, 25)

	// The local row lookup races ahead of a concurrent delivery; the unique
	// constraint is the authoritative gate.
	repo := &intakeRepoStub{creditErr: store.ErrDuplicateSession}
	gateway := &gatewayStub{
		retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
			return session, nil
		},
	}
	svc := newTestService(repo, gateway)

	if err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_103"); err != nil {
		t.Fatalf("expected replay to succeed, got %v", err)
	}
	if repo.markCompleted != 0 {
		t.Fatal("replay must not touch the winner's transaction status")
	}
}

func TestProcessPaymentEvent_RejectsUncapturedSession(t *testing.T) {
	userID := uuid.New()
	session := capturedSession("cs_104", userID, 25)
	session.PaymentStatus = "unpaid"

	repo := &intakeRepoStub{}
	gateway := &gatewayStub{
		retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
			return session, nil
		},
	}
	svc := newTestService(repo, gateway)

	err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_104")
	if !errors.Is(err, ErrPaymentNotCaptured) {
		t.Fatalf("expected ErrPaymentNotCaptured, got %v", err)
	}
	if repo.creditCalls != 0 {
		t.Fatal("uncaptured session must not be credited")
	}
}

func TestProcessPaymentEvent_IgnoresForeignSession(t *testing.T) {
	session := capturedSession("cs_105", uuid.New(), 25)
	session.Metadata.Purpose = "merch_order"

	repo := &intakeRepoStub{}
	gateway := &gatewayStub{
		retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
			return session, nil
		},
	}
	svc := newTestService(repo, gateway)

	err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_105")
	if !errors.Is(err, ErrSessionNotRecognized) {
		t.Fatalf("expected ErrSessionNotRecognized, got %v", err)
	}
}

func TestProcessPaymentEvent_InvalidMetadata(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*paygateclient.CheckoutSession)
	}{
		{
			name:   "malformed user id",
			mutate: func(s *paygateclient.CheckoutSession) { s.Metadata.UserID = "not-a-uuid" },
		},
		{
			name:   "non-positive credits",
			mutate: func(s *paygateclient.CheckoutSession) { s.Metadata.ExpectedCredits = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := capturedSession("cs_106", uuid.New(), 25)
			tt.mutate(session)

			repo := &intakeRepoStub{}
			gateway := &gatewayStub{
				retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
					return session, nil
				},
			}
			svc := newTestService(repo, gateway)

			err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_106")
			if !errors.Is(err, ErrInvalidMetadata) {
				t.Fatalf("expected ErrInvalidMetadata, got %v", err)
			}
			if repo.creditCalls != 0 {
				t.Fatal("invalid metadata must not be credited")
			}
		})
	}
}

func TestProcessPaymentEvent_MarkCompletedFailureIsNotFatal(t *testing.T) {
	userID := uuid.New()
	session := capturedSession("cs_107", userID, 25)

	repo := &intakeRepoStub{markCompletErr: errors.New("connection reset")}
	gateway := &gatewayStub{
		retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
			return session, nil
		},
	}
	svc := newTestService(repo, gateway)

	// Credits were applied atomically with the row; a failed status flip is
	// the sweeper's job to repair, not a webhook failure.
	if err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_107"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.creditCalls != 1 {
		t.Fatalf("expected one credit call, got %d", repo.creditCalls)
	}
}
