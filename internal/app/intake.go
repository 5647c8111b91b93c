/**
 * @description
 * This file implements the payment event intake: turning a gateway
 * "checkout completed" notification into exactly one credited purchase.
 *
 * Key decisions:
 * - The gateway session is always re-fetched; the webhook payload is treated
 *   as a hint, never as the source of truth.
 * - Idempotency is layered: the gateway-side processed marker is a fast-path
 *   hint, the local transaction row is a medium check, and the unique
 *   constraint on external_session_id inside CreditPurchaseAtomic is the
 *   authoritative gate. Concurrent deliveries race down to the constraint and
 *   exactly one wins.
 * - The processed marker write-back is best-effort: losing it costs one extra
 *   round through the cheap checks on the next delivery, nothing more.
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
	"github.com/google/uuid"
)

// ProcessPaymentEvent handles a payment webhook notification for the given
// checkout session. It is safe to call any number of times for the same
// session: credits are applied exactly once.
func (s *Service) ProcessPaymentEvent(ctx context.Context, eventType, sessionID string) error {
	start := s.nowFn()

	err := s.processPaymentEvent(ctx, sessionID)
	switch {
	case err == nil:
		s.monitor.RecordWebhookSuccess(eventType, s.nowFn().Sub(start))
	case errors.Is(err, ErrSessionNotRecognized), errors.Is(err, ErrPaymentNotCaptured):
		// Not a failure: the event belongs to another product or fired for a
		// session that has not settled. Do not poison the failure counters.
	default:
		s.monitor.RecordWebhookFailure(ctx, eventType)
	}
	return err
}

func (s *Service) processPaymentEvent(ctx context.Context, sessionID string) error {
	session, err := s.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to retrieve session %s from gateway: %w", sessionID, err)
	}

	if session.Metadata.Purpose != purposeCreditPurchase {
		log.Printf("level=info component=intake msg=\"ignoring session without purchase metadata\" session_id=%s purpose=%q", sessionID, session.Metadata.Purpose)
		return ErrSessionNotRecognized
	}

	if !session.IsCaptured() {
		log.Printf("level=info component=intake msg=\"session not fully captured yet\" session_id=%s status=%s payment_status=%s", sessionID, session.Status, session.PaymentStatus)
		return ErrPaymentNotCaptured
	}

	if session.Metadata.Processed == "true" {
		log.Printf("level=info component=intake msg=\"session already processed (gateway marker)\" session_id=%s", sessionID)
		return nil
	}

	existing, err := s.repo.FindTransactionBySessionID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to look up transaction for session %s: %w", sessionID, err)
	}
	if existing != nil {
		log.Printf("level=info component=intake msg=\"session already processed (local row)\" session_id=%s transaction_id=%s", sessionID, existing.ID)
		s.markSessionProcessed(ctx, session)
		return nil
	}

	userID, credits, err := parsePurchaseMetadata(session)
	if err != nil {
		return err
	}

	replayed, err := s.creditSession(ctx, session, userID, credits)
	if err != nil {
		return err
	}
	if replayed {
		log.Printf("level=info component=intake msg=\"session already processed (unique constraint)\" session_id=%s", sessionID)
		s.markSessionProcessed(ctx, session)
		return nil
	}

	s.markSessionProcessed(ctx, session)

	log.Printf("level=info component=intake msg=\"credits purchased\" session_id=%s user_id=%s credits=%d amount=%d currency=%s", sessionID, userID, credits, session.AmountMinorUnits, session.Currency)
	s.publishEvent(ctx, routingKeyPurchased, domain.LedgerEvent{
		UserID:       userID,
		Kind:         domain.TxKindPurchase,
		CreditsDelta: credits,
		SessionID:    sessionID,
	})
	return nil
}

// creditSession applies the credit for a captured session: one database
// transaction inserts the ledger row and mutates the balance, then the row is
// flipped to completed. A crash between the two steps leaves a pending row
// with credits applied, which the sweeper later flips. Returns replayed=true
// when another delivery already holds the session.
func (s *Service) creditSession(ctx context.Context, session *paygateclient.CheckoutSession, userID uuid.UUID, credits int64) (bool, error) {
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

	if err := s.repo.CreditPurchaseAtomic(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateSession) {
			return true, nil
		}
		return false, fmt.Errorf("failed to credit purchase for session %s: %w", sessionID, err)
	}

	// Best-effort: a failure here is exactly the stuck-pending state the
	// reconciliation sweeper repairs.
	if err := s.repo.MarkTransactionCompleted(ctx, tx.ID); err != nil {
		log.Printf("level=warn component=intake msg=\"failed to mark transaction completed, sweeper will repair\" transaction_id=%s error=%q", tx.ID, err)
	}
	return false, nil
}

// markSessionProcessed writes the processed marker back to the gateway.
// Best-effort only.
func (s *Service) markSessionProcessed(ctx context.Context, session *paygateclient.CheckoutSession) {
	if session.Metadata.Processed == "true" {
		return
	}
	metadata := session.Metadata
	metadata.Processed = "true"

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.gateway.UpdateSessionMetadata(writeCtx, session.ID, metadata); err != nil {
		log.Printf("level=warn component=intake msg=\"failed to write processed marker\" session_id=%s error=%q", session.ID, err)
	}
}

// parsePurchaseMetadata extracts and validates the platform fields stamped
// into the session at checkout creation.
func parsePurchaseMetadata(session *paygateclient.CheckoutSession) (uuid.UUID, int64, error) {
	userID, err := uuid.Parse(session.Metadata.UserID)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: session %s carries invalid user_id %q", ErrInvalidMetadata, session.ID, session.Metadata.UserID)
	}
	if session.Metadata.ExpectedCredits <= 0 {
		return uuid.Nil, 0, fmt.Errorf("%w: session %s carries non-positive expected_credits %d", ErrInvalidMetadata, session.ID, session.Metadata.ExpectedCredits)
	}
	return userID, session.Metadata.ExpectedCredits, nil
}
