/**
 * @description
 * This file implements the reconciliation sweeper: the periodic safety net
 * that compares recent captured gateway sessions against the local ledger and
 * repairs what the real-time intake missed.
 *
 * Classification per session:
 * - missing transaction: gateway captured the payment, no local row exists.
 *   Repaired by running the same atomic credit path intake uses.
 * - stuck pending: a local row exists but was never flipped to completed.
 *   Because the credit and the row are written in one database transaction,
 *   a pending row always means the balance mutation was applied, so the
 *   repair is a pure status flip.
 * - amount mismatch: the local completed row disagrees with the gateway on
 *   the credited amount. Never auto-repaired; reported for human review.
 *
 * Per-session errors are counted and the sweep continues; one bad session
 * must not starve the rest of the lookback window.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/critiquehub/ledger-service/internal/store"
	"github.com/critiquehub/ledger-service/pkg/paygateclient"
	"github.com/critiquehub/ledger-service/pkg/slackhook"
	"github.com/google/uuid"
)

// ErrSweepInProgress is returned when another sweep already holds the lock.
var ErrSweepInProgress = errors.New("a reconciliation sweep is already running")

// Sweeper owns the reconciliation pass. It shares the repository and gateway
// client with the service but runs independently of the request path.
type Sweeper struct {
	repo     store.Repository
	gateway  Gateway
	monitor  *Monitor
	notifier slackhook.Notifier
	lock     SweepLocker

	lookback time.Duration
	lockTTL  time.Duration
	nowFn    func() time.Time
}

// NewSweeper creates a Sweeper. The lookback window should comfortably exceed
// the sweep interval so consecutive runs overlap and nothing slips between.
func NewSweeper(repo store.Repository, gateway Gateway, monitor *Monitor, notifier slackhook.Notifier, lock SweepLocker, lookback time.Duration) *Sweeper {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Sweeper{
		repo:     repo,
		gateway:  gateway,
		monitor:  monitor,
		notifier: notifier,
		lock:     lock,
		lookback: lookback,
		lockTTL:  15 * time.Minute,
		nowFn:    time.Now,
	}
}

// RunSweep executes one reconciliation pass and returns its summary.
func (w *Sweeper) RunSweep(ctx context.Context) (*domain.SweepResult, error) {
	acquired, err := w.lock.TryAcquire(ctx, w.lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		log.Printf("level=info component=sweeper msg=\"sweep already in progress, skipping\"")
		return nil, ErrSweepInProgress
	}
	defer w.lock.Release(ctx)

	start := w.nowFn()
	since := start.Add(-w.lookback)
	log.Printf("level=info component=sweeper msg=\"reconciliation sweep started\" since=%s", since.UTC().Format(time.RFC3339))

	sessions, err := w.gateway.ListCompletedSessionsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed sessions from gateway: %w", err)
	}

	result := &domain.SweepResult{}
	for i := range sessions {
		session := &sessions[i]
		if session.Metadata.Purpose != purposeCreditPurchase || !session.IsCaptured() {
			continue
		}
		result.Processed++

		finding, repaired, credits, err := w.reconcileSession(ctx, session)
		if err != nil {
			result.Errors++
			log.Printf("level=error component=sweeper msg=\"failed to reconcile session\" session_id=%s error=%q", session.ID, err)
			continue
		}
		if finding != nil {
			w.reportFinding(ctx, finding, repaired)
		}
		if repaired {
			result.FixedDiscrepancies++
			result.CreditsAdded += credits
		}
	}

	elapsed := w.nowFn().Sub(start)
	log.Printf("level=info component=sweeper msg=\"reconciliation sweep finished\" processed=%d fixed=%d credits_added=%d errors=%d elapsed_ms=%d",
		result.Processed, result.FixedDiscrepancies, result.CreditsAdded, result.Errors, elapsed.Milliseconds())

	w.monitor.RecordReconciliationRun(ctx, *result)
	return result, nil
}

// reconcileSession classifies one captured session against the local ledger
// and repairs it where safe. Returns the finding (nil when consistent),
// whether a repair was applied, and the credits added by the repair.
func (w *Sweeper) reconcileSession(ctx context.Context, session *paygateclient.CheckoutSession) (*domain.DiscrepancyFinding, bool, int64, error) {
	userID, credits, err := parsePurchaseMetadata(session)
	if err != nil {
		return nil, false, 0, err
	}

	local, err := w.repo.FindTransactionBySessionID(ctx, session.ID)
	if err != nil {
		return nil, false, 0, err
	}

	if local == nil {
		finding := &domain.DiscrepancyFinding{
			Type:              domain.DiscrepancyMissingTransaction,
			ExternalSessionID: session.ID,
			UserID:            userID,
			ExpectedCredits:   credits,
			Severity:          domain.SeverityCritical,
		}
		repaired, err := w.repairMissingTransaction(ctx, session, userID, credits)
		if err != nil {
			return finding, false, 0, err
		}
		return finding, repaired, credits, nil
	}

	switch local.Status {
	case domain.TxStatusPending:
		finding := &domain.DiscrepancyFinding{
			Type:              domain.DiscrepancyStuckPending,
			ExternalSessionID: session.ID,
			UserID:            userID,
			ExpectedCredits:   credits,
			Severity:          domain.SeverityMedium,
		}
		if err := w.repo.MarkTransactionCompleted(ctx, local.ID); err != nil {
			return finding, false, 0, err
		}
		return finding, true, 0, nil

	case domain.TxStatusCompleted:
		if local.CreditsDelta != credits {
			actual := local.CreditsDelta
			return &domain.DiscrepancyFinding{
				Type:              domain.DiscrepancyAmountMismatch,
				ExternalSessionID: session.ID,
				UserID:            userID,
				ExpectedCredits:   credits,
				ActualCredits:     &actual,
				Severity:          domain.SeverityMedium,
			}, false, 0, nil
		}
	}
	// Failed rows were compensated deliberately; not a discrepancy.
	return nil, false, 0, nil
}

// repairMissingTransaction credits the session through the same atomic path
// intake uses. A concurrent intake winning the unique constraint counts as
// already repaired.
func (w *Sweeper) repairMissingTransaction(ctx context.Context, session *paygateclient.CheckoutSession, userID uuid.UUID, credits int64) (bool, error) {
	sessionID := session.ID
	paymentID := session.PaymentIntentID
	tx := &domain.Transaction{
		ID:                uuid.New(),
		UserID:            userID,
		ExternalSessionID: &sessionID,
		ExternalPaymentID: &paymentID,
		Kind:              domain.TxKindPurchase,
		Status:            domain.TxStatusPending,
		CreditsDelta:      credits,
		AmountMinorUnits:  session.AmountMinorUnits,
		Currency:          session.Currency,
	}

	if err := w.repo.CreditPurchaseAtomic(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			return false, nil
		}
		return false, err
	}
	if err := w.repo.MarkTransactionCompleted(ctx, tx.ID); err != nil {
		log.Printf("level=warn component=sweeper msg=\"repaired credit left pending, next sweep will flip it\" transaction_id=%s error=%q", tx.ID, err)
	}
	return true, nil
}

// reportFinding logs every discrepancy and alerts on the ones a human should
// see: repaired missing transactions (money nearly lost) and mismatches.
func (w *Sweeper) reportFinding(ctx context.Context, finding *domain.DiscrepancyFinding, repaired bool) {
	log.Printf("level=warn component=sweeper msg=\"discrepancy detected\" type=%s session_id=%s user_id=%s expected_credits=%d repaired=%t",
		finding.Type, finding.ExternalSessionID, finding.UserID, finding.ExpectedCredits, repaired)

	if w.notifier == nil {
		return
	}
	switch finding.Type {
	case domain.DiscrepancyMissingTransaction:
		w.notifier.Notify(ctx, finding.Severity, "Reconciliation repaired a missing transaction",
			fmt.Sprintf("session_id=%s user_id=%s credits=%d repaired=%t", finding.ExternalSessionID, finding.UserID, finding.ExpectedCredits, repaired))
	case domain.DiscrepancyAmountMismatch:
		actual := int64(0)
		if finding.ActualCredits != nil {
			actual = *finding.ActualCredits
		}
		w.notifier.Notify(ctx, finding.Severity, "Credited amount disagrees with gateway",
			fmt.Sprintf("session_id=%s user_id=%s expected=%d actual=%d", finding.ExternalSessionID, finding.UserID, finding.ExpectedCredits, actual))
	}
}
