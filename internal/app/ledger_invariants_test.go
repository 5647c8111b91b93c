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

// memoryLedger is a minimal in-memory Repository that applies every credit
// mutation to a balance map, so whole-ledger invariants can be asserted
// across complete service flows rather than per-call stubs.
type memoryLedger struct {
	store.Repository

	balances     map[uuid.UUID]int64
	transactions []*domain.Transaction
	deductions   map[string]domain.DeductResult
	requests     map[uuid.UUID]*domain.FeedbackRequest

	createRequestErrs []error
	createRequestCall int
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		balances:   map[uuid.UUID]int64{},
		deductions: map[string]domain.DeductResult{},
		requests:   map[uuid.UUID]*domain.FeedbackRequest{},
	}
}

func (m *memoryLedger) CreditPurchaseAtomic(ctx context.Context, tx *domain.Transaction) error {
	if tx.ExternalSessionID != nil {
		for _, existing := range m.transactions {
			if existing.ExternalSessionID != nil && *existing.ExternalSessionID == *tx.ExternalSessionID {
				return store.ErrDuplicateSession
			}
		}
	}
	cp := *tx
	m.transactions = append(m.transactions, &cp)
	m.balances[tx.UserID] += tx.CreditsDelta
	return nil
}

func (m *memoryLedger) DeductCredits(ctx context.Context, userID uuid.UUID, amount int64, referenceID string) (*domain.DeductResult, error) {
	if recorded, ok := m.deductions[referenceID]; ok {
		recorded.Replayed = true
		return &recorded, nil
	}
	balance, ok := m.balances[userID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if balance < amount {
		return nil, store.ErrInsufficientBalance
	}
	ref := referenceID
	tx := &domain.Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		ReferenceID:  &ref,
		Kind:         domain.TxKindDeduction,
		Status:       domain.TxStatusCompleted,
		CreditsDelta: -amount,
	}
	m.transactions = append(m.transactions, tx)
	m.balances[userID] = balance - amount
	result := domain.DeductResult{TransactionID: tx.ID, NewBalance: balance - amount}
	m.deductions[referenceID] = result
	return &result, nil
}

func (m *memoryLedger) RefundCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (int64, error) {
	if _, ok := m.balances[userID]; !ok {
		return 0, store.ErrAccountNotFound
	}
	r := reason
	m.transactions = append(m.transactions, &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Kind:          domain.TxKindRefund,
		Status:        domain.TxStatusCompleted,
		CreditsDelta:  amount,
		FailureReason: &r,
	})
	m.balances[userID] += amount
	return m.balances[userID], nil
}

func (m *memoryLedger) ReverseCreditsAtomic(ctx context.Context, transactionID uuid.UUID, userID uuid.UUID, credits int64, failureReason string) error {
	for _, tx := range m.transactions {
		if tx.ID == transactionID {
			if tx.Status == domain.TxStatusFailed {
				return nil
			}
			reason := failureReason
			tx.Status = domain.TxStatusFailed
			tx.FailureReason = &reason
			if m.balances[userID] < credits {
				m.balances[userID] = 0
			} else {
				m.balances[userID] -= credits
			}
			return nil
		}
	}
	return store.ErrTransactionNotFound
}

func (m *memoryLedger) FindTransactionBySessionID(ctx context.Context, sessionID string) (*domain.Transaction, error) {
	for _, tx := range m.transactions {
		if tx.ExternalSessionID != nil && *tx.ExternalSessionID == sessionID {
			return tx, nil
		}
	}
	return nil, nil
}

func (m *memoryLedger) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID) error {
	for _, tx := range m.transactions {
		if tx.ID == transactionID {
			tx.Status = domain.TxStatusCompleted
			return nil
		}
	}
	return store.ErrTransactionNotFound
}

func (m *memoryLedger) LinkTransactionRequest(ctx context.Context, transactionID uuid.UUID, requestID uuid.UUID) error {
	for _, tx := range m.transactions {
		if tx.ID == transactionID {
			id := requestID
			tx.RequestID = &id
			return nil
		}
	}
	return store.ErrTransactionNotFound
}

func (m *memoryLedger) CreateFeedbackRequest(ctx context.Context, req *domain.FeedbackRequest) error {
	idx := m.createRequestCall
	m.createRequestCall++
	if idx < len(m.createRequestErrs) && m.createRequestErrs[idx] != nil {
		return m.createRequestErrs[idx]
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memoryLedger) FindFeedbackRequestBySessionID(ctx context.Context, sessionID string) (*domain.FeedbackRequest, error) {
	for _, req := range m.requests {
		if req.ExternalSessionID == sessionID {
			return req, nil
		}
	}
	return nil, nil
}

func (m *memoryLedger) FindFeedbackRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.FeedbackRequest, error) {
	return m.requests[requestID], nil
}

// settledDelta sums creditsDelta over a user's non-failed transactions. A
// failed row's balance effect was removed when it flipped to failed, so it
// no longer contributes.
func (m *memoryLedger) settledDelta(userID uuid.UUID) int64 {
	var sum int64
	for _, tx := range m.transactions {
		if tx.UserID == userID && tx.Status != domain.TxStatusFailed {
			sum += tx.CreditsDelta
		}
	}
	return sum
}

// The conservation invariant: starting from an empty account, the sum of
// settled credit deltas always equals the current balance, across intake,
// deductions, a compensated finalization, and a reversed payout.
func TestLedger_BalanceEqualsSumOfSettledDeltas(t *testing.T) {
	userID := uuid.New()
	ledger := newMemoryLedger()

	sessions := map[string]*paygateclient.CheckoutSession{
		"cs_400": capturedSession("cs_400", userID, 50),
		"cs_401": capturedSession("cs_401", userID, 30),
	}
	gateway := &gatewayStub{
		retrieveFn: func(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error) {
			return sessions[sessionID], nil
		},
		createRefundFn: func(ctx context.Context, paymentIntentID string, amountMinorUnits int64, reason string) (*paygateclient.Refund, error) {
			return &paygateclient.Refund{ID: "re_400", Status: "succeeded"}, nil
		},
		createTransferFn: func(ctx context.Context, destinationID string, amountMinorUnits int64, reference string) (*paygateclient.Transfer, error) {
			return nil, errors.New("transfer rejected")
		},
	}
	svc := newTestService(ledger, gateway)

	assertConserved := func(step string) {
		t.Helper()
		balance := ledger.balances[userID]
		if sum := ledger.settledDelta(userID); sum != balance {
			t.Fatalf("%s: delta sum %d disagrees with balance %d", step, sum, balance)
		}
	}

	// First purchase, delivered twice.
	for i := 0; i < 2; i++ {
		if err := svc.ProcessPaymentEvent(context.Background(), "checkout.session.completed", "cs_400"); err != nil {
			t.Fatalf("intake delivery %d: %v", i+1, err)
		}
	}
	assertConserved("after intake")
	if ledger.balances[userID] != 50 {
		t.Fatalf("expected balance 50 after duplicate delivery, got %d", ledger.balances[userID])
	}

	if _, err := svc.DeductCredits(context.Background(), userID, 10, "review_unlock_1"); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	assertConserved("after deduction")

	// Second purchase's finalization exhausts its attempts: the refund plus
	// credit reversal must leave the ledger exactly where it was.
	failure := errors.New("insert timeout")
	ledger.createRequestErrs = []error{failure, failure, failure}
	if _, _, err := svc.FinalizeSubmission(context.Background(), userID, "cs_401", ""); !errors.Is(err, ErrFinalizationFailed) {
		t.Fatalf("expected ErrFinalizationFailed, got %v", err)
	}
	assertConserved("after compensated finalization")
	if ledger.balances[userID] != 40 {
		t.Fatalf("expected balance 40 after compensation, got %d", ledger.balances[userID])
	}

	// A payout whose transfer fails reverses its own deduction.
	if _, err := svc.RequestJudgePayout(context.Background(), userID, "acct_1", domain.PayoutRequest{Credits: 5, ReferenceID: "cash_1"}); err == nil {
		t.Fatal("expected the rejected transfer to surface an error")
	}
	assertConserved("after reversed payout")
	if ledger.balances[userID] != 40 {
		t.Fatalf("expected balance 40 after reversed payout, got %d", ledger.balances[userID])
	}
}

// A replayed deduction reports the balance the original call produced, not
// the balance at replay time.
func TestDeductReplay_ReportsBalanceAtDeductionTime(t *testing.T) {
	userID := uuid.New()
	ledger := newMemoryLedger()
	ledger.balances[userID] = 50
	svc := newTestService(ledger, &gatewayStub{})

	first, err := svc.DeductCredits(context.Background(), userID, 10, "unlock_9")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if first.NewBalance != 40 {
		t.Fatalf("expected new balance 40, got %d", first.NewBalance)
	}

	// The balance moves on before the replay arrives.
	if _, err := svc.RefundCredits(context.Background(), userID, 25, "goodwill"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	replay, err := svc.DeductCredits(context.Background(), userID, 10, "unlock_9")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed {
		t.Fatal("expected the second call to be a replay")
	}
	if replay.NewBalance != 40 {
		t.Fatalf("replay must report the originally recorded balance 40, got %d", replay.NewBalance)
	}
	if replay.TransactionID != first.TransactionID {
		t.Fatal("replay must reference the original deduction")
	}
}
